/*
store.go - Persistence interfaces

PURPOSE:
The store is split into one narrow interface per aggregate so services
declare only what they touch; Store composes them all and DB adds the
transaction boundary. Implementations live in store/sqlite.

TRANSACTIONS:
WithTx runs fn against a Store view bound to a single database
transaction. Every method called on that view joins the transaction,
which is how a settlement confirmation and its ledger posting commit or
roll back together. Stores must be safe for concurrent use outside
WithTx.
*/
package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNTS - Chart-of-accounts reads
// =============================================================================

// AccountStore reads the chart of accounts. Accounts are seeded at
// startup and never mutated through the API surface.
type AccountStore interface {
	InsertAccount(ctx context.Context, a Account) error
	GetAccountByCode(ctx context.Context, tenantID uuid.UUID, code string) (*Account, error)
	ListAccounts(ctx context.Context, tenantID uuid.UUID) ([]Account, error)
}

// =============================================================================
// TRANSACTIONS AND ENTRIES - Journal rows and balances
// =============================================================================

// TransactionStore persists journal transactions, their entries, and
// the materialized balance rows they maintain.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, tx Transaction) error
	MarkTransactionPosted(ctx context.Context, tenantID, txID uuid.UUID) error
	MarkTransactionReversed(ctx context.Context, tenantID, txID, reversalID uuid.UUID) error
	GetTransaction(ctx context.Context, tenantID, txID uuid.UUID) (*Transaction, error)
	GetTransactionByRef(ctx context.Context, tenantID uuid.UUID, ref string) (*Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	GetPostedTransactionByOrderID(ctx context.Context, tenantID uuid.UUID, orderID, eventType string) (*Transaction, error)
	ListTransactionsInRange(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]Transaction, error)

	InsertEntry(ctx context.Context, e Entry) error
	ListEntriesForTransaction(ctx context.Context, tenantID, txID uuid.UUID) ([]Entry, error)

	// ApplyBalanceDelta upserts the materialized balance row for one
	// account, adding the deltas to its running debit and credit
	// totals.
	ApplyBalanceDelta(ctx context.Context, tenantID, accountID uuid.UUID, debit, credit decimal.Decimal, asOf time.Time) error
	GetBalance(ctx context.Context, tenantID, accountID uuid.UUID) (*AccountBalance, error)
	ListBalances(ctx context.Context, tenantID uuid.UUID) ([]AccountBalance, error)

	// SumEntriesAsOf derives debit and credit totals straight from the
	// entries table, the source of truth the materialized rows are
	// checked against.
	SumEntriesAsOf(ctx context.Context, tenantID, accountID uuid.UUID, asOf time.Time) (debits, credits decimal.Decimal, err error)
}

// =============================================================================
// PERIODS AND LOCKS - Close calendar and freezes
// =============================================================================

// PeriodStore persists accounting periods.
type PeriodStore interface {
	InsertPeriod(ctx context.Context, p Period) error
	GetPeriod(ctx context.Context, tenantID, periodID uuid.UUID) (*Period, error)
	GetPeriodForDate(ctx context.Context, tenantID uuid.UUID, periodType PeriodType, d time.Time) (*Period, error)
	HasOverlappingPeriod(ctx context.Context, tenantID uuid.UUID, periodType PeriodType, start, end time.Time) (bool, error)
	GetLatestPeriodEndingBefore(ctx context.Context, tenantID uuid.UUID, periodType PeriodType, start time.Time) (*Period, error)
	UpdatePeriodStatus(ctx context.Context, tenantID, periodID uuid.UUID, status PeriodStatus, closedBy, notes string, closedAt time.Time) error
	ListPeriods(ctx context.Context, tenantID uuid.UUID, periodType PeriodType) ([]Period, error)
}

// LockStore persists ledger locks.
type LockStore interface {
	InsertLock(ctx context.Context, l Lock) error
	GetLock(ctx context.Context, tenantID, lockID uuid.UUID) (*Lock, error)
	HasOverlappingActiveLock(ctx context.Context, tenantID uuid.UUID, lockType LockType, start, end time.Time) (bool, error)
	GetActiveLockCovering(ctx context.Context, tenantID uuid.UUID, d time.Time) (*Lock, error)
	UpdateLockReleased(ctx context.Context, tenantID, lockID uuid.UUID, releasedBy string, releasedAt time.Time) error
	ListLocks(ctx context.Context, tenantID uuid.UUID) ([]Lock, error)
}

// =============================================================================
// SETTLEMENTS - Payout state machine rows
// =============================================================================

// SettlementStore persists settlements, their transition history, and
// retry attempts.
type SettlementStore interface {
	InsertSettlement(ctx context.Context, s Settlement) error
	GetSettlement(ctx context.Context, tenantID, settlementID uuid.UUID) (*Settlement, error)
	GetSettlementByRef(ctx context.Context, tenantID uuid.UUID, ref string) (*Settlement, error)
	UpdateSettlement(ctx context.Context, s Settlement) error
	ListSettlements(ctx context.Context, tenantID uuid.UUID, status SettlementStatus) ([]Settlement, error)

	// ListSettlementsDueForRetry scans across tenants for FAILED
	// settlements whose next_retry_at has passed and that still have
	// retries left.
	ListSettlementsDueForRetry(ctx context.Context, now time.Time, limit int) ([]Settlement, error)

	InsertSettlementTransition(ctx context.Context, t StateTransition) error
	ListSettlementTransitions(ctx context.Context, tenantID, settlementID uuid.UUID) ([]StateTransition, error)

	InsertRetryAttempt(ctx context.Context, r RetryAttempt) error
	ListRetryAttempts(ctx context.Context, tenantID, settlementID uuid.UUID) ([]RetryAttempt, error)
}

// =============================================================================
// RECONCILIATION - Batch and item rows
// =============================================================================

// ReconStore persists reconciliation batches and items.
type ReconStore interface {
	InsertReconBatch(ctx context.Context, b ReconBatch) error
	UpdateReconBatch(ctx context.Context, b ReconBatch) error
	GetReconBatch(ctx context.Context, tenantID, batchID uuid.UUID) (*ReconBatch, error)

	InsertReconItem(ctx context.Context, it ReconItem) error
	GetReconItem(ctx context.Context, tenantID, itemID uuid.UUID) (*ReconItem, error)
	UpdateReconItemResolution(ctx context.Context, tenantID, itemID uuid.UUID, status ResolutionStatus, note, resolvedBy string, resolvedAt time.Time) error
	ListReconItems(ctx context.Context, tenantID, batchID uuid.UUID, status MatchStatus) ([]ReconItem, error)
}

// =============================================================================
// OVERRIDES - Approval workflow rows
// =============================================================================

// OverrideStore persists override requests, decisions, and the usage
// log written when an override actually gates a posting.
type OverrideStore interface {
	InsertOverrideRequest(ctx context.Context, r OverrideRequest) error
	GetOverrideRequest(ctx context.Context, tenantID, requestID uuid.UUID) (*OverrideRequest, error)
	UpdateOverrideDecision(ctx context.Context, tenantID, requestID uuid.UUID, status OverrideStatus, approvedBy, approverRole, comment string, decidedAt time.Time) error
	ListOverrideRequests(ctx context.Context, tenantID uuid.UUID, status OverrideStatus) ([]OverrideRequest, error)

	InsertOverrideLog(ctx context.Context, l OverrideLogEntry) error
	ListOverrideLogs(ctx context.Context, tenantID, requestID uuid.UUID) ([]OverrideLogEntry, error)
}

// =============================================================================
// AUDIT - Append-only trails
// =============================================================================

// AuditStore persists the append-only audit trail and security events.
type AuditStore interface {
	InsertAudit(ctx context.Context, a AuditRecord) error
	ListAudit(ctx context.Context, tenantID uuid.UUID, entityType, entityID string) ([]AuditRecord, error)

	InsertSecurityEvent(ctx context.Context, e SecurityEvent) error
	ListSecurityEvents(ctx context.Context, tenantID uuid.UUID) ([]SecurityEvent, error)
}

// =============================================================================
// COMPOSITION - Full store and transaction boundary
// =============================================================================

// Store is the full persistence surface.
type Store interface {
	AccountStore
	TransactionStore
	PeriodStore
	LockStore
	SettlementStore
	ReconStore
	OverrideStore
	AuditStore
}

// DB is a Store that can open transactions.
type DB interface {
	Store

	// WithTx runs fn inside a single database transaction. The Store
	// passed to fn is only valid for the duration of the call. If fn
	// returns an error the transaction is rolled back, otherwise it is
	// committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	Close() error
}
