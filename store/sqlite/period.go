/*
period.go - Accounting periods and ledger locks

Period bounds and lock ranges are stored as YYYY-MM-DD strings so the
range predicates below compare correctly as text.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arthapay/paycore/domain"
)

// =============================================================================
// PERIODS (domain.PeriodStore)
// =============================================================================

// InsertPeriod adds one period row.
func (s *Store) InsertPeriod(ctx context.Context, p domain.Period) error {
	s.writeLock()
	defer s.writeUnlock()

	query := `
		INSERT INTO accounting_periods
		(id, tenant_id, period_type, period_start, period_end, status, closed_by, closed_at, closure_notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		p.ID.String(),
		p.TenantID.String(),
		string(p.PeriodType),
		domain.DateOnly(p.PeriodStart).Format(dateLayout),
		domain.DateOnly(p.PeriodEnd).Format(dateLayout),
		string(p.Status),
		nullString(p.ClosedBy),
		nullTime(p.ClosedAt, time.RFC3339),
		nullString(p.ClosureNotes),
		p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("period starting %s already exists: %w",
				p.PeriodStart.Format(dateLayout), domain.ErrPeriodOverlap)
		}
		return fmt.Errorf("failed to insert period: %w", err)
	}
	return nil
}

// GetPeriod returns one period by id.
func (s *Store) GetPeriod(ctx context.Context, tenantID, periodID uuid.UUID) (*domain.Period, error) {
	s.readLock()
	defer s.readUnlock()

	periods, err := s.queryPeriods(ctx,
		periodColumns+" FROM accounting_periods WHERE tenant_id = ? AND id = ? LIMIT 1",
		tenantID.String(), periodID.String())
	if err != nil || len(periods) == 0 {
		return nil, err
	}
	return &periods[0], nil
}

// GetPeriodForDate returns the period of the given type covering d,
// nil when no period covers it.
func (s *Store) GetPeriodForDate(ctx context.Context, tenantID uuid.UUID, periodType domain.PeriodType, d time.Time) (*domain.Period, error) {
	s.readLock()
	defer s.readUnlock()

	day := domain.DateOnly(d).Format(dateLayout)
	periods, err := s.queryPeriods(ctx,
		periodColumns+` FROM accounting_periods
		 WHERE tenant_id = ? AND period_type = ? AND period_start <= ? AND period_end >= ?
		 LIMIT 1`,
		tenantID.String(), string(periodType), day, day)
	if err != nil || len(periods) == 0 {
		return nil, err
	}
	return &periods[0], nil
}

// HasOverlappingPeriod reports whether any same-type period intersects
// [start, end].
func (s *Store) HasOverlappingPeriod(ctx context.Context, tenantID uuid.UUID, periodType domain.PeriodType, start, end time.Time) (bool, error) {
	s.readLock()
	defer s.readUnlock()

	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounting_periods
		 WHERE tenant_id = ? AND period_type = ? AND period_start <= ? AND period_end >= ?`,
		tenantID.String(), string(periodType),
		domain.DateOnly(end).Format(dateLayout),
		domain.DateOnly(start).Format(dateLayout),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check period overlap: %w", err)
	}
	return count > 0, nil
}

// GetLatestPeriodEndingBefore returns the same-type period with the
// greatest period_end strictly before start, nil when none exists.
func (s *Store) GetLatestPeriodEndingBefore(ctx context.Context, tenantID uuid.UUID, periodType domain.PeriodType, start time.Time) (*domain.Period, error) {
	s.readLock()
	defer s.readUnlock()

	periods, err := s.queryPeriods(ctx,
		periodColumns+` FROM accounting_periods
		 WHERE tenant_id = ? AND period_type = ? AND period_end < ?
		 ORDER BY period_end DESC LIMIT 1`,
		tenantID.String(), string(periodType), domain.DateOnly(start).Format(dateLayout))
	if err != nil || len(periods) == 0 {
		return nil, err
	}
	return &periods[0], nil
}

// UpdatePeriodStatus moves a period along the closure ladder. The
// caller validates the transition; this only writes it.
func (s *Store) UpdatePeriodStatus(ctx context.Context, tenantID, periodID uuid.UUID, status domain.PeriodStatus, closedBy, notes string, closedAt time.Time) error {
	s.writeLock()
	defer s.writeUnlock()

	res, err := s.q.ExecContext(ctx,
		`UPDATE accounting_periods
		 SET status = ?, closed_by = ?, closed_at = ?, closure_notes = ?
		 WHERE tenant_id = ? AND id = ?`,
		string(status), nullString(closedBy), closedAt.UTC().Format(time.RFC3339),
		nullString(notes), tenantID.String(), periodID.String())
	if err != nil {
		return fmt.Errorf("failed to update period status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrPeriodNotFound
	}
	return nil
}

// ListPeriods returns all periods of one type, oldest first.
func (s *Store) ListPeriods(ctx context.Context, tenantID uuid.UUID, periodType domain.PeriodType) ([]domain.Period, error) {
	s.readLock()
	defer s.readUnlock()

	return s.queryPeriods(ctx,
		periodColumns+` FROM accounting_periods
		 WHERE tenant_id = ? AND period_type = ?
		 ORDER BY period_start ASC`,
		tenantID.String(), string(periodType))
}

const periodColumns = `SELECT id, tenant_id, period_type, period_start, period_end, status, closed_by, closed_at, closure_notes, created_at`

func (s *Store) queryPeriods(ctx context.Context, query string, args ...any) ([]domain.Period, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query periods: %w", err)
	}
	defer rows.Close()

	var periods []domain.Period
	for rows.Next() {
		var (
			p                      domain.Period
			id, tenant, periodType string
			start, end, status     string
			closedBy, closedAt     sql.NullString
			closureNotes           sql.NullString
			createdAt              string
		)
		err := rows.Scan(&id, &tenant, &periodType, &start, &end, &status,
			&closedBy, &closedAt, &closureNotes, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan period: %w", err)
		}
		p.ID = parseUUID(id)
		p.TenantID = parseUUID(tenant)
		p.PeriodType = domain.PeriodType(periodType)
		p.PeriodStart = parseTime(start, dateLayout)
		p.PeriodEnd = parseTime(end, dateLayout)
		p.Status = domain.PeriodStatus(status)
		p.ClosedBy = closedBy.String
		p.ClosedAt = parseNullTime(closedAt, time.RFC3339)
		p.ClosureNotes = closureNotes.String
		p.CreatedAt = parseTime(createdAt, time.RFC3339)
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// =============================================================================
// LOCKS (domain.LockStore)
// =============================================================================

// InsertLock adds one lock row.
func (s *Store) InsertLock(ctx context.Context, l domain.Lock) error {
	s.writeLock()
	defer s.writeUnlock()

	query := `
		INSERT INTO ledger_locks
		(id, tenant_id, lock_type, lock_start_date, lock_end_date, accounting_period_id,
		 status, reason, reference_number, locked_by, locked_by_role,
		 released_by, released_at, release_notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		l.ID.String(),
		l.TenantID.String(),
		string(l.LockType),
		domain.DateOnly(l.LockStartDate).Format(dateLayout),
		domain.DateOnly(l.LockEndDate).Format(dateLayout),
		nullUUID(l.AccountingPeriodID),
		string(l.Status),
		nullString(l.Reason),
		nullString(l.ReferenceNumber),
		nullString(l.LockedBy),
		nullString(l.LockedByRole),
		nullString(l.ReleasedBy),
		nullTime(l.ReleasedAt, time.RFC3339),
		nullString(l.ReleaseNotes),
		l.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert lock: %w", err)
	}
	return nil
}

// GetLock returns one lock by id.
func (s *Store) GetLock(ctx context.Context, tenantID, lockID uuid.UUID) (*domain.Lock, error) {
	s.readLock()
	defer s.readUnlock()

	locks, err := s.queryLocks(ctx,
		lockColumns+" FROM ledger_locks WHERE tenant_id = ? AND id = ? LIMIT 1",
		tenantID.String(), lockID.String())
	if err != nil || len(locks) == 0 {
		return nil, err
	}
	return &locks[0], nil
}

// HasOverlappingActiveLock reports whether an ACTIVE lock of the same
// type intersects [start, end].
func (s *Store) HasOverlappingActiveLock(ctx context.Context, tenantID uuid.UUID, lockType domain.LockType, start, end time.Time) (bool, error) {
	s.readLock()
	defer s.readUnlock()

	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_locks
		 WHERE tenant_id = ? AND lock_type = ? AND status = 'ACTIVE'
		   AND lock_start_date <= ? AND lock_end_date >= ?`,
		tenantID.String(), string(lockType),
		domain.DateOnly(end).Format(dateLayout),
		domain.DateOnly(start).Format(dateLayout),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check lock overlap: %w", err)
	}
	return count > 0, nil
}

// GetActiveLockCovering returns an ACTIVE lock of any type covering d,
// nil when the date is free. Oldest lock wins when several cover it.
func (s *Store) GetActiveLockCovering(ctx context.Context, tenantID uuid.UUID, d time.Time) (*domain.Lock, error) {
	s.readLock()
	defer s.readUnlock()

	day := domain.DateOnly(d).Format(dateLayout)
	locks, err := s.queryLocks(ctx,
		lockColumns+` FROM ledger_locks
		 WHERE tenant_id = ? AND status = 'ACTIVE' AND lock_start_date <= ? AND lock_end_date >= ?
		 ORDER BY created_at ASC LIMIT 1`,
		tenantID.String(), day, day)
	if err != nil || len(locks) == 0 {
		return nil, err
	}
	return &locks[0], nil
}

// UpdateLockReleased flips an ACTIVE lock to RELEASED. The WHERE guard
// makes release idempotent-safe.
func (s *Store) UpdateLockReleased(ctx context.Context, tenantID, lockID uuid.UUID, releasedBy string, releasedAt time.Time) error {
	s.writeLock()
	defer s.writeUnlock()

	res, err := s.q.ExecContext(ctx,
		`UPDATE ledger_locks
		 SET status = 'RELEASED', released_by = ?, released_at = ?
		 WHERE tenant_id = ? AND id = ? AND status = 'ACTIVE'`,
		releasedBy, releasedAt.UTC().Format(time.RFC3339),
		tenantID.String(), lockID.String())
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrLockNotFound
	}
	return nil
}

// ListLocks returns all locks for a tenant, newest first.
func (s *Store) ListLocks(ctx context.Context, tenantID uuid.UUID) ([]domain.Lock, error) {
	s.readLock()
	defer s.readUnlock()

	return s.queryLocks(ctx,
		lockColumns+" FROM ledger_locks WHERE tenant_id = ? ORDER BY created_at DESC",
		tenantID.String())
}

const lockColumns = `SELECT id, tenant_id, lock_type, lock_start_date, lock_end_date, accounting_period_id,
	status, reason, reference_number, locked_by, locked_by_role, released_by, released_at, release_notes, created_at`

func (s *Store) queryLocks(ctx context.Context, query string, args ...any) ([]domain.Lock, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query locks: %w", err)
	}
	defer rows.Close()

	var locks []domain.Lock
	for rows.Next() {
		var (
			l                         domain.Lock
			id, tenant, lockType      string
			start, end                string
			periodID                  sql.NullString
			status                    string
			reason, refNumber         sql.NullString
			lockedBy, lockedByRole    sql.NullString
			releasedBy, releasedAt    sql.NullString
			releaseNotes              sql.NullString
			createdAt                 string
		)
		err := rows.Scan(&id, &tenant, &lockType, &start, &end, &periodID, &status,
			&reason, &refNumber, &lockedBy, &lockedByRole, &releasedBy, &releasedAt,
			&releaseNotes, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		l.ID = parseUUID(id)
		l.TenantID = parseUUID(tenant)
		l.LockType = domain.LockType(lockType)
		l.LockStartDate = parseTime(start, dateLayout)
		l.LockEndDate = parseTime(end, dateLayout)
		l.AccountingPeriodID = parseNullUUID(periodID)
		l.Status = domain.LockStatus(status)
		l.Reason = reason.String
		l.ReferenceNumber = refNumber.String
		l.LockedBy = lockedBy.String
		l.LockedByRole = lockedByRole.String
		l.ReleasedBy = releasedBy.String
		l.ReleasedAt = parseNullTime(releasedAt, time.RFC3339)
		l.ReleaseNotes = releaseNotes.String
		l.CreatedAt = parseTime(createdAt, time.RFC3339)
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
