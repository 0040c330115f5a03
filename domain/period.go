/*
period.go - Accounting periods and ledger locks

PURPOSE:

	Periods gate when postings are permitted. A period moves through a one-way
	closure ladder (OPEN -> SOFT_CLOSED -> HARD_CLOSED); hard-closing a period
	also installs an ACTIVE PERIOD_LOCK over its date range. Locks block all
	postings whose accounting date they cover, independent of period status.

INVARIANTS:
  - At most one OPEN period per (tenant, period_type).
  - Same-type periods never overlap and stay contiguous within the configured
    gap tolerance.
  - Same-type ACTIVE locks never overlap.
  - Period status never moves backwards.

SEE ALSO:
  - period/controller.go: The operations enforcing these invariants
  - types.go: Posting contract that consults PostingCheck
*/
package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ACCOUNTING PERIODS
// =============================================================================

type PeriodType string

const (
	PeriodDaily   PeriodType = "DAILY"
	PeriodMonthly PeriodType = "MONTHLY"
)

type PeriodStatus string

const (
	PeriodOpen       PeriodStatus = "OPEN"
	PeriodSoftClosed PeriodStatus = "SOFT_CLOSED"
	PeriodHardClosed PeriodStatus = "HARD_CLOSED"
)

type Period struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	PeriodType   PeriodType
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Status       PeriodStatus
	ClosedBy     string
	ClosedAt     *time.Time
	ClosureNotes string
	CreatedAt    time.Time
}

// Contains reports whether the accounting date d falls inside the period.
// Both boundaries are inclusive; comparison is at day precision so that a
// timestamp anywhere on the end date still belongs to the period.
func (p Period) Contains(d time.Time) bool {
	day := DateOnly(d)
	return !day.Before(DateOnly(p.PeriodStart)) && !day.After(DateOnly(p.PeriodEnd))
}

// Overlaps reports whether [start, end] intersects the period's range.
func (p Period) Overlaps(start, end time.Time) bool {
	return !DateOnly(end).Before(DateOnly(p.PeriodStart)) && !DateOnly(start).After(DateOnly(p.PeriodEnd))
}

// DateOnly truncates a timestamp to its UTC calendar day.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// LEDGER LOCKS
// =============================================================================

type LockType string

const (
	LockPeriod         LockType = "PERIOD_LOCK"
	LockAudit          LockType = "AUDIT_LOCK"
	LockReconciliation LockType = "RECONCILIATION_LOCK"
)

type LockStatus string

const (
	LockActive   LockStatus = "ACTIVE"
	LockReleased LockStatus = "RELEASED"
)

type Lock struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	LockType           LockType
	LockStartDate      time.Time
	LockEndDate        time.Time
	AccountingPeriodID *uuid.UUID
	Status             LockStatus
	Reason             string
	ReferenceNumber    string
	LockedBy           string
	LockedByRole       string
	ReleasedBy         string
	ReleasedAt         *time.Time
	ReleaseNotes       string
	CreatedAt          time.Time
}

// Covers reports whether the lock spans the accounting date d.
func (l Lock) Covers(d time.Time) bool {
	day := DateOnly(d)
	return !day.Before(DateOnly(l.LockStartDate)) && !day.After(DateOnly(l.LockEndDate))
}

// =============================================================================
// POSTING GATE RESULT
// =============================================================================

// PostingCheck is the result of asking whether a posting dated on a given day
// may proceed. Locks are evaluated before period status: a covered date is
// reported as Locked even when the owning period would otherwise allow an
// override.
type PostingCheck struct {
	PeriodID         *uuid.UUID
	PeriodStatus     PeriodStatus
	PostingAllowed   bool
	OverrideRequired bool
	Locked           bool
	Lock             *Lock
	Reason           string
}
