/*
Package period enforces the accounting close calendar.

PURPOSE:

	Periods decide when postings are permitted. A period walks a one-way
	closure ladder (OPEN -> SOFT_CLOSED -> HARD_CLOSED) and a hard close
	installs a PERIOD_LOCK over its range. Locks are date-range freezes
	evaluated before period status, so a locked date refuses postings even
	when an override would otherwise apply.

GATE ORDER (CheckPostingAllowed):
 1. Any ACTIVE lock covering the date -> denied, Locked=true.
 2. Period containing the date:
    OPEN        -> allowed
    SOFT_CLOSED -> denied, OverrideRequired=true
    HARD_CLOSED -> denied, no override accepted
 3. No period covering the date -> allowed (no gate configured).

The package-level check functions run against a plain domain.Store so the
ledger can evaluate the gate inside its own posting transaction; the
Controller wraps them for standalone callers.

SEE ALSO:
  - domain/period.go: Period, Lock, PostingCheck types
  - ledger/service.go: The posting engine that consumes the gate
*/
package period

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/config"
	"github.com/arthapay/paycore/domain"
)

// Controller owns period and lock operations for all tenants.
type Controller struct {
	db  domain.DB
	cfg config.PeriodConfig
	log *zap.Logger
}

// NewController builds a Controller. The logger may be zap.NewNop() in
// tests.
func NewController(db domain.DB, cfg config.PeriodConfig, log *zap.Logger) *Controller {
	return &Controller{db: db, cfg: cfg, log: log}
}

// =============================================================================
// PERIOD OPERATIONS
// =============================================================================

// CreatePeriodInput names everything needed to open a new period.
type CreatePeriodInput struct {
	TenantID   uuid.UUID
	PeriodType domain.PeriodType
	Start      time.Time
	End        time.Time
	Actor      string
}

// CreatePeriod opens a new accounting period. Guards: start before end,
// no same-type overlap, gap to the previous period within tolerance, and
// at most one OPEN period per (tenant, type).
func (c *Controller) CreatePeriod(ctx context.Context, in CreatePeriodInput) (*domain.Period, error) {
	if in.PeriodType != domain.PeriodDaily && in.PeriodType != domain.PeriodMonthly {
		return nil, fmt.Errorf("%w: unknown period type %q", domain.ErrInvalidInput, in.PeriodType)
	}
	start, end := domain.DateOnly(in.Start), domain.DateOnly(in.End)
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: period start must be before end", domain.ErrInvalidInput)
	}

	p := domain.Period{
		ID:          uuid.New(),
		TenantID:    in.TenantID,
		PeriodType:  in.PeriodType,
		PeriodStart: start,
		PeriodEnd:   end,
		Status:      domain.PeriodOpen,
		CreatedAt:   time.Now().UTC(),
	}

	err := c.db.WithTx(ctx, func(st domain.Store) error {
		overlap, err := st.HasOverlappingPeriod(ctx, in.TenantID, in.PeriodType, start, end)
		if err != nil {
			return err
		}
		if overlap {
			return fmt.Errorf("%w: %s %s to %s", domain.ErrPeriodOverlap,
				in.PeriodType, start.Format("2006-01-02"), end.Format("2006-01-02"))
		}

		prev, err := st.GetLatestPeriodEndingBefore(ctx, in.TenantID, in.PeriodType, start)
		if err != nil {
			return err
		}
		if prev != nil {
			gap := int(start.Sub(domain.DateOnly(prev.PeriodEnd)).Hours()/24) - 1
			if gap > c.cfg.GapToleranceDays {
				return fmt.Errorf("%w: %d days since %s (tolerance %d)",
					domain.ErrPeriodGap, gap, prev.PeriodEnd.Format("2006-01-02"), c.cfg.GapToleranceDays)
			}
		}

		open, err := hasOpenPeriod(ctx, st, in.TenantID, in.PeriodType)
		if err != nil {
			return err
		}
		if open {
			return fmt.Errorf("%w: an OPEN %s period already exists", domain.ErrPeriodOverlap, in.PeriodType)
		}

		if err := st.InsertPeriod(ctx, p); err != nil {
			return err
		}
		return st.InsertAudit(ctx, domain.NewAudit(in.TenantID, domain.AuditEntityPeriod,
			p.ID.String(), "create", in.Actor, "", "", nil, p))
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("period created",
		zap.String("tenant", in.TenantID.String()),
		zap.String("period", p.ID.String()),
		zap.String("type", string(in.PeriodType)))
	return &p, nil
}

// ClosePeriod advances a period one rung down the closure ladder.
// OPEN -> SOFT_CLOSED and SOFT_CLOSED -> HARD_CLOSED are the only legal
// moves; a hard close installs an ACTIVE PERIOD_LOCK over the period's
// range in the same database transaction.
func (c *Controller) ClosePeriod(ctx context.Context, tenantID, periodID uuid.UUID, target domain.PeriodStatus, actor, notes string) (*domain.Period, error) {
	var closed domain.Period

	err := c.db.WithTx(ctx, func(st domain.Store) error {
		p, err := st.GetPeriod(ctx, tenantID, periodID)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("%w: %s", domain.ErrPeriodNotFound, periodID)
		}

		if !legalClose(p.Status, target) {
			return &domain.PeriodClosedError{PeriodID: p.ID, Status: p.Status}
		}

		now := time.Now().UTC()
		if err := st.UpdatePeriodStatus(ctx, tenantID, periodID, target, actor, notes, now); err != nil {
			return err
		}

		before := *p
		closed = *p
		closed.Status = target
		closed.ClosedBy = actor
		closed.ClosedAt = &now
		closed.ClosureNotes = notes

		if target == domain.PeriodHardClosed {
			lock := domain.Lock{
				ID:                 uuid.New(),
				TenantID:           tenantID,
				LockType:           domain.LockPeriod,
				LockStartDate:      p.PeriodStart,
				LockEndDate:        p.PeriodEnd,
				AccountingPeriodID: &p.ID,
				Status:             domain.LockActive,
				Reason:             fmt.Sprintf("hard close of %s period %s", p.PeriodType, p.ID),
				LockedBy:           actor,
				CreatedAt:          now,
			}
			if err := st.InsertLock(ctx, lock); err != nil {
				return err
			}
			if err := st.InsertAudit(ctx, domain.NewAudit(tenantID, domain.AuditEntityLock,
				lock.ID.String(), "auto_lock", actor, "", lock.Reason, nil, lock)); err != nil {
				return err
			}
		}

		return st.InsertAudit(ctx, domain.NewAudit(tenantID, domain.AuditEntityPeriod,
			periodID.String(), "close", actor, "", notes, before, closed))
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("period closed",
		zap.String("tenant", tenantID.String()),
		zap.String("period", periodID.String()),
		zap.String("status", string(target)))
	return &closed, nil
}

// legalClose encodes the one-way closure ladder.
func legalClose(from, to domain.PeriodStatus) bool {
	switch {
	case from == domain.PeriodOpen && to == domain.PeriodSoftClosed:
		return true
	case from == domain.PeriodSoftClosed && to == domain.PeriodHardClosed:
		return true
	}
	return false
}

func hasOpenPeriod(ctx context.Context, st domain.Store, tenantID uuid.UUID, pt domain.PeriodType) (bool, error) {
	periods, err := st.ListPeriods(ctx, tenantID, pt)
	if err != nil {
		return false, err
	}
	for _, p := range periods {
		if p.Status == domain.PeriodOpen {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// POSTING GATE
// =============================================================================

// CheckPostingAllowed reports whether a posting dated d may proceed for
// the given period type.
func (c *Controller) CheckPostingAllowed(ctx context.Context, tenantID uuid.UUID, d time.Time, pt domain.PeriodType) (*domain.PostingCheck, error) {
	return CheckPostingAllowed(ctx, c.db, tenantID, d, pt)
}

// CheckPostingAllowed is the gate evaluated against any store view,
// including the ledger's own posting transaction.
func CheckPostingAllowed(ctx context.Context, st domain.Store, tenantID uuid.UUID, d time.Time, pt domain.PeriodType) (*domain.PostingCheck, error) {
	lock, err := st.GetActiveLockCovering(ctx, tenantID, d)
	if err != nil {
		return nil, err
	}
	if lock != nil {
		return &domain.PostingCheck{
			PostingAllowed: false,
			Locked:         true,
			Lock:           lock,
			Reason:         fmt.Sprintf("date covered by active %s", lock.LockType),
		}, nil
	}

	p, err := st.GetPeriodForDate(ctx, tenantID, pt, d)
	if err != nil {
		return nil, err
	}
	if p == nil {
		// No period configured for this date; nothing gates the post.
		return &domain.PostingCheck{PostingAllowed: true}, nil
	}

	check := &domain.PostingCheck{PeriodID: &p.ID, PeriodStatus: p.Status}
	switch p.Status {
	case domain.PeriodOpen:
		check.PostingAllowed = true
	case domain.PeriodSoftClosed:
		check.OverrideRequired = true
		check.Reason = fmt.Sprintf("%s period %s is SOFT_CLOSED", pt, p.ID)
	case domain.PeriodHardClosed:
		check.Reason = fmt.Sprintf("%s period %s is HARD_CLOSED", pt, p.ID)
	}
	return check, nil
}

// CheckPostingAllowedAll evaluates the gate for every period type and
// returns the strictest result: locked beats hard-closed beats
// soft-closed beats open.
func CheckPostingAllowedAll(ctx context.Context, st domain.Store, tenantID uuid.UUID, d time.Time) (*domain.PostingCheck, error) {
	strictest := &domain.PostingCheck{PostingAllowed: true}
	for _, pt := range []domain.PeriodType{domain.PeriodDaily, domain.PeriodMonthly} {
		check, err := CheckPostingAllowed(ctx, st, tenantID, d, pt)
		if err != nil {
			return nil, err
		}
		if stricter(check, strictest) {
			strictest = check
		}
	}
	return strictest, nil
}

func stricter(a, b *domain.PostingCheck) bool {
	return gateRank(a) > gateRank(b)
}

func gateRank(c *domain.PostingCheck) int {
	switch {
	case c.Locked:
		return 3
	case !c.PostingAllowed && !c.OverrideRequired:
		return 2
	case c.OverrideRequired:
		return 1
	}
	return 0
}

// =============================================================================
// LOCK OPERATIONS
// =============================================================================

// ApplyLockInput names everything needed to freeze a date range.
type ApplyLockInput struct {
	TenantID        uuid.UUID
	LockType        domain.LockType
	Start           time.Time
	End             time.Time
	Reason          string
	ReferenceNumber string
	Actor           string
	ActorRole       string
}

// ApplyLock freezes a date range. Same-type ACTIVE locks never overlap.
func (c *Controller) ApplyLock(ctx context.Context, in ApplyLockInput) (*domain.Lock, error) {
	start, end := domain.DateOnly(in.Start), domain.DateOnly(in.End)
	if start.After(end) {
		return nil, fmt.Errorf("%w: lock start must not be after end", domain.ErrInvalidInput)
	}
	if in.Reason == "" {
		return nil, fmt.Errorf("%w: lock reason is required", domain.ErrInvalidInput)
	}
	switch in.LockType {
	case domain.LockPeriod, domain.LockAudit, domain.LockReconciliation:
	default:
		return nil, fmt.Errorf("%w: unknown lock type %q", domain.ErrInvalidInput, in.LockType)
	}

	lock := domain.Lock{
		ID:              uuid.New(),
		TenantID:        in.TenantID,
		LockType:        in.LockType,
		LockStartDate:   start,
		LockEndDate:     end,
		Status:          domain.LockActive,
		Reason:          in.Reason,
		ReferenceNumber: in.ReferenceNumber,
		LockedBy:        in.Actor,
		LockedByRole:    in.ActorRole,
		CreatedAt:       time.Now().UTC(),
	}

	err := c.db.WithTx(ctx, func(st domain.Store) error {
		overlap, err := st.HasOverlappingActiveLock(ctx, in.TenantID, in.LockType, start, end)
		if err != nil {
			return err
		}
		if overlap {
			return fmt.Errorf("%w: active %s over %s to %s", domain.ErrLockOverlap,
				in.LockType, start.Format("2006-01-02"), end.Format("2006-01-02"))
		}
		if err := st.InsertLock(ctx, lock); err != nil {
			return err
		}
		return st.InsertAudit(ctx, domain.NewAudit(in.TenantID, domain.AuditEntityLock,
			lock.ID.String(), "apply", in.Actor, in.ActorRole, in.Reason, nil, lock))
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("lock applied",
		zap.String("tenant", in.TenantID.String()),
		zap.String("lock", lock.ID.String()),
		zap.String("type", string(in.LockType)))
	return &lock, nil
}

// ReleaseLock releases an ACTIVE lock. Only the finance-admin role may
// release, and PERIOD_LOCK locks are never releasable here: they fall
// only when their hard-closed period is reopened, which is a separate
// procedure. Denials land a security event.
func (c *Controller) ReleaseLock(ctx context.Context, tenantID, lockID uuid.UUID, actor, role, notes string) error {
	if role != domain.RoleFinanceAdmin {
		c.securityEvent(ctx, tenantID, domain.SecurityLockReleaseDenied, actor,
			fmt.Sprintf("role %q attempted release of lock %s", role, lockID))
		return fmt.Errorf("%w: lock release requires the %s role", domain.ErrInvalidInput, domain.RoleFinanceAdmin)
	}

	err := c.db.WithTx(ctx, func(st domain.Store) error {
		lock, err := st.GetLock(ctx, tenantID, lockID)
		if err != nil {
			return err
		}
		if lock == nil {
			return fmt.Errorf("%w: %s", domain.ErrLockNotFound, lockID)
		}
		if lock.LockType == domain.LockPeriod {
			return fmt.Errorf("%w: PERIOD_LOCK is released only by reopening its period", domain.ErrLedgerLocked)
		}
		if lock.Status != domain.LockActive {
			return fmt.Errorf("%w: lock %s is already released", domain.ErrInvalidInput, lockID)
		}

		now := time.Now().UTC()
		if err := st.UpdateLockReleased(ctx, tenantID, lockID, actor, now); err != nil {
			return err
		}

		after := *lock
		after.Status = domain.LockReleased
		after.ReleasedBy = actor
		after.ReleasedAt = &now
		after.ReleaseNotes = notes
		return st.InsertAudit(ctx, domain.NewAudit(tenantID, domain.AuditEntityLock,
			lockID.String(), "release", actor, role, notes, lock, after))
	})
	if err != nil {
		if errors.Is(err, domain.ErrLedgerLocked) {
			c.securityEvent(ctx, tenantID, domain.SecurityLockReleaseDenied, actor,
				fmt.Sprintf("release of lock %s denied: %v", lockID, err))
		}
		return err
	}

	c.log.Info("lock released",
		zap.String("tenant", tenantID.String()),
		zap.String("lock", lockID.String()))
	return nil
}

// CheckLockStatus returns the ACTIVE lock covering the date, if any.
func (c *Controller) CheckLockStatus(ctx context.Context, tenantID uuid.UUID, d time.Time) (*domain.Lock, error) {
	return c.db.GetActiveLockCovering(ctx, tenantID, d)
}

// ListPeriods lists all periods of one type for a tenant.
func (c *Controller) ListPeriods(ctx context.Context, tenantID uuid.UUID, pt domain.PeriodType) ([]domain.Period, error) {
	return c.db.ListPeriods(ctx, tenantID, pt)
}

// ListLocks lists all locks for a tenant.
func (c *Controller) ListLocks(ctx context.Context, tenantID uuid.UUID) ([]domain.Lock, error) {
	return c.db.ListLocks(ctx, tenantID)
}

func (c *Controller) securityEvent(ctx context.Context, tenantID uuid.UUID, eventType, actor, detail string) {
	if err := c.db.InsertSecurityEvent(ctx, domain.NewSecurityEvent(tenantID, eventType, actor, detail)); err != nil {
		c.log.Warn("security event write failed", zap.Error(err))
	}
}

