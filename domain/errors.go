/*
errors.go - Error taxonomy

PURPOSE:
Every failure surfaced by the ledger core maps to one of the sentinel
errors below. Structured error types wrap a sentinel and carry the
details callers need for a useful response body; errors.Is against the
sentinel keeps handler code free of type switches.

CATEGORIES:
  - Validation:   bad input, unbalanced entries, currency mismatch
  - Conflict:     idempotency replays with a different payload, state
    machine violations, overlapping periods or locks
  - Not found:    unknown accounts, transactions, periods, settlements
  - Authorization: tenant mismatch, self-approval, missing override
  - Upstream:     gateway unavailable or rejecting
*/
package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINELS - One error kind per distinct failure
// =============================================================================

var (
	// ErrInvalidInput covers malformed or incomplete requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownAccount is returned when an entry names an account
	// code that does not exist for the tenant.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrAccountInactive is returned when an entry targets an account
	// that is not ACTIVE.
	ErrAccountInactive = errors.New("account inactive")

	// ErrUnbalanced is returned when total debits do not equal total
	// credits. Nothing is persisted.
	ErrUnbalanced = errors.New("transaction unbalanced")

	// ErrCurrencyMismatch is returned when entries carry more than one
	// currency in a single transaction.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrIdempotencyConflict is returned when an idempotency key is
	// reused with a different request payload.
	ErrIdempotencyConflict = errors.New("idempotency conflict")

	// ErrTransactionNotFound is returned for unknown transaction refs
	// or ids.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAlreadyReversed is returned when reversing a transaction that
	// already has a reversal.
	ErrAlreadyReversed = errors.New("transaction already reversed")

	// ErrPeriodNotFound is returned for unknown accounting periods.
	ErrPeriodNotFound = errors.New("period not found")

	// ErrPeriodClosed is returned when a posting or close targets a
	// period whose status forbids it.
	ErrPeriodClosed = errors.New("period closed")

	// ErrPeriodOverlap is returned when a new period would overlap an
	// existing one of the same type.
	ErrPeriodOverlap = errors.New("period overlaps existing period")

	// ErrPeriodGap is returned when a new period would leave a gap
	// beyond the configured tolerance after the previous one.
	ErrPeriodGap = errors.New("period gap exceeds tolerance")

	// ErrLedgerLocked is returned when an active lock covers the
	// posting date. Locks trump period status and overrides.
	ErrLedgerLocked = errors.New("ledger locked")

	// ErrLockNotFound is returned for unknown locks.
	ErrLockNotFound = errors.New("lock not found")

	// ErrLockOverlap is returned when a new lock of the same type
	// would overlap an active one.
	ErrLockOverlap = errors.New("lock overlaps active lock")

	// ErrSettlementNotFound is returned for unknown settlements.
	ErrSettlementNotFound = errors.New("settlement not found")

	// ErrSettlementRetryExhausted is returned when a retry is
	// requested after max_retries attempts.
	ErrSettlementRetryExhausted = errors.New("settlement retries exhausted")

	// ErrUTRNumberRequired is returned when a bank confirmation
	// arrives without a UTR number.
	ErrUTRNumberRequired = errors.New("utr number required")

	// ErrOverrideRequired is returned when posting into a SOFT_CLOSED
	// period without an approved override.
	ErrOverrideRequired = errors.New("override required")

	// ErrOverrideNotUsable is returned when the supplied override is
	// missing, unapproved, for another tenant, or does not cover the
	// posting date.
	ErrOverrideNotUsable = errors.New("override not usable")

	// ErrSelfApprovalForbidden is returned when the approver of an
	// override is its requestor or holds the same role.
	ErrSelfApprovalForbidden = errors.New("self approval forbidden")

	// ErrTenantMismatch is returned when an operation references an
	// entity owned by another tenant.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrGatewayUnavailable is returned when no gateway is healthy
	// enough to accept a payment.
	ErrGatewayUnavailable = errors.New("no gateway available")

	// ErrReconBatchNotFound is returned for unknown reconciliation
	// batches.
	ErrReconBatchNotFound = errors.New("recon batch not found")

	// ErrReconItemNotFound is returned for unknown reconciliation
	// items.
	ErrReconItemNotFound = errors.New("recon item not found")
)

// =============================================================================
// STRUCTURED ERRORS - Sentinels with payloads for response bodies
// =============================================================================

// UnbalancedError carries the debit and credit totals of a rejected
// posting.
type UnbalancedError struct {
	TransactionRef string
	TotalDebits    decimal.Decimal
	TotalCredits   decimal.Decimal
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("transaction %s unbalanced: debits %s != credits %s",
		e.TransactionRef, e.TotalDebits.String(), e.TotalCredits.String())
}

func (e *UnbalancedError) Unwrap() error { return ErrUnbalanced }

// IdempotencyConflictError names the key that was reused with a
// different payload.
type IdempotencyConflictError struct {
	Key string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q reused with a different request", e.Key)
}

func (e *IdempotencyConflictError) Unwrap() error { return ErrIdempotencyConflict }

// SettlementStateError describes an illegal settlement transition.
type SettlementStateError struct {
	SettlementID uuid.UUID
	From         SettlementStatus
	To           SettlementStatus
}

func (e *SettlementStateError) Error() string {
	return fmt.Sprintf("settlement %s: illegal transition %s -> %s", e.SettlementID, e.From, e.To)
}

// PeriodClosedError names the period that blocked a posting or close.
type PeriodClosedError struct {
	PeriodID uuid.UUID
	Status   PeriodStatus
}

func (e *PeriodClosedError) Error() string {
	return fmt.Sprintf("period %s is %s", e.PeriodID, e.Status)
}

func (e *PeriodClosedError) Unwrap() error { return ErrPeriodClosed }

// LockedError carries the lock that blocked an operation.
type LockedError struct {
	Lock Lock
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("ledger locked by %s %s (%s to %s)",
		e.Lock.LockType, e.Lock.ID,
		e.Lock.LockStartDate.Format("2006-01-02"), e.Lock.LockEndDate.Format("2006-01-02"))
}

func (e *LockedError) Unwrap() error { return ErrLedgerLocked }

// GatewayError wraps a failure reported by a payment gateway.
type GatewayError struct {
	Gateway string
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s (%s)", e.Gateway, e.Message, e.Code)
}

// =============================================================================
// CLASSIFICATION - Helpers for handlers and retry loops
// =============================================================================

// IsClientError reports whether err stems from the request itself and
// should map to a 4xx status.
func IsClientError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrUnknownAccount),
		errors.Is(err, ErrAccountInactive),
		errors.Is(err, ErrUnbalanced),
		errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, ErrIdempotencyConflict),
		errors.Is(err, ErrAlreadyReversed),
		errors.Is(err, ErrPeriodClosed),
		errors.Is(err, ErrPeriodOverlap),
		errors.Is(err, ErrPeriodGap),
		errors.Is(err, ErrLedgerLocked),
		errors.Is(err, ErrLockOverlap),
		errors.Is(err, ErrSettlementRetryExhausted),
		errors.Is(err, ErrUTRNumberRequired),
		errors.Is(err, ErrOverrideRequired),
		errors.Is(err, ErrOverrideNotUsable),
		errors.Is(err, ErrSelfApprovalForbidden),
		errors.Is(err, ErrTenantMismatch):
		return true
	}
	var stateErr *SettlementStateError
	return errors.As(err, &stateErr)
}

// IsNotFound reports whether err means the referenced entity does not
// exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownAccount) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrPeriodNotFound) ||
		errors.Is(err, ErrLockNotFound) ||
		errors.Is(err, ErrSettlementNotFound) ||
		errors.Is(err, ErrReconBatchNotFound) ||
		errors.Is(err, ErrReconItemNotFound)
}

// IsRetryable reports whether the caller may retry the operation
// unchanged and expect it to eventually succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}
