/*
settlement.go - Settlement rows, transition history, retry history

The settlements row carries one nullable timestamp per state so the
machine can answer "when did funds reserve" without replaying history.
Transition and retry tables are append-only.
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
// SETTLEMENTS (domain.SettlementStore)
// =============================================================================

// InsertSettlement adds one settlement row.
func (s *Store) InsertSettlement(ctx context.Context, st domain.Settlement) error {
	s.writeLock()
	defer s.writeUnlock()

	query := `
		INSERT INTO settlements
		(id, tenant_id, merchant_id, settlement_ref, settlement_date, period_from, period_to,
		 gross_amount, fees_amount, net_amount, currency,
		 bank_account_number, bank_ifsc, bank_name, status,
		 funds_reserved_at, sent_to_bank_at, bank_confirmed_at, settled_at, failed_at,
		 bank_reference_number, bank_transaction_id, utr_number, settlement_batch_id,
		 retry_count, max_retries, next_retry_at, failure_reason, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		st.ID.String(),
		st.TenantID.String(),
		st.MerchantID.String(),
		st.SettlementRef,
		domain.DateOnly(st.SettlementDate).Format(dateLayout),
		domain.DateOnly(st.PeriodFrom).Format(dateLayout),
		domain.DateOnly(st.PeriodTo).Format(dateLayout),
		st.GrossAmount.String(),
		st.FeesAmount.String(),
		st.NetAmount.String(),
		st.Currency,
		nullString(st.BankAccountNumber),
		nullString(st.BankIFSC),
		nullString(st.BankName),
		string(st.Status),
		nullTime(st.FundsReservedAt, time.RFC3339),
		nullTime(st.SentToBankAt, time.RFC3339),
		nullTime(st.BankConfirmedAt, time.RFC3339),
		nullTime(st.SettledAt, time.RFC3339),
		nullTime(st.FailedAt, time.RFC3339),
		nullString(st.BankReferenceNumber),
		nullString(st.BankTransactionID),
		nullString(st.UTRNumber),
		nullString(st.SettlementBatchID),
		st.RetryCount,
		st.MaxRetries,
		nullTime(st.NextRetryAt, time.RFC3339),
		nullString(st.FailureReason),
		nullString(st.CreatedBy),
		st.CreatedAt.UTC().Format(time.RFC3339),
		st.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("settlement ref %q already exists: %w", st.SettlementRef, domain.ErrInvalidInput)
		}
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

// GetSettlement returns one settlement by id.
func (s *Store) GetSettlement(ctx context.Context, tenantID, settlementID uuid.UUID) (*domain.Settlement, error) {
	s.readLock()
	defer s.readUnlock()

	sts, err := s.querySettlements(ctx,
		settlementColumns+" FROM settlements WHERE tenant_id = ? AND id = ? LIMIT 1",
		tenantID.String(), settlementID.String())
	if err != nil || len(sts) == 0 {
		return nil, err
	}
	return &sts[0], nil
}

// GetSettlementByRef returns one settlement by its tenant-scoped ref.
func (s *Store) GetSettlementByRef(ctx context.Context, tenantID uuid.UUID, ref string) (*domain.Settlement, error) {
	s.readLock()
	defer s.readUnlock()

	sts, err := s.querySettlements(ctx,
		settlementColumns+" FROM settlements WHERE tenant_id = ? AND settlement_ref = ? LIMIT 1",
		tenantID.String(), ref)
	if err != nil || len(sts) == 0 {
		return nil, err
	}
	return &sts[0], nil
}

// UpdateSettlement rewrites the mutable columns of one settlement row.
func (s *Store) UpdateSettlement(ctx context.Context, st domain.Settlement) error {
	s.writeLock()
	defer s.writeUnlock()

	query := `
		UPDATE settlements SET
			status = ?,
			funds_reserved_at = ?, sent_to_bank_at = ?, bank_confirmed_at = ?, settled_at = ?, failed_at = ?,
			bank_reference_number = ?, bank_transaction_id = ?, utr_number = ?, settlement_batch_id = ?,
			retry_count = ?, max_retries = ?, next_retry_at = ?, failure_reason = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	res, err := s.q.ExecContext(ctx, query,
		string(st.Status),
		nullTime(st.FundsReservedAt, time.RFC3339),
		nullTime(st.SentToBankAt, time.RFC3339),
		nullTime(st.BankConfirmedAt, time.RFC3339),
		nullTime(st.SettledAt, time.RFC3339),
		nullTime(st.FailedAt, time.RFC3339),
		nullString(st.BankReferenceNumber),
		nullString(st.BankTransactionID),
		nullString(st.UTRNumber),
		nullString(st.SettlementBatchID),
		st.RetryCount,
		st.MaxRetries,
		nullTime(st.NextRetryAt, time.RFC3339),
		nullString(st.FailureReason),
		st.UpdatedAt.UTC().Format(time.RFC3339),
		st.TenantID.String(),
		st.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrSettlementNotFound
	}
	return nil
}

// ListSettlements returns a tenant's settlements, optionally filtered
// by status, newest first.
func (s *Store) ListSettlements(ctx context.Context, tenantID uuid.UUID, status domain.SettlementStatus) ([]domain.Settlement, error) {
	s.readLock()
	defer s.readUnlock()

	if status == "" {
		return s.querySettlements(ctx,
			settlementColumns+" FROM settlements WHERE tenant_id = ? ORDER BY created_at DESC",
			tenantID.String())
	}
	return s.querySettlements(ctx,
		settlementColumns+" FROM settlements WHERE tenant_id = ? AND status = ? ORDER BY created_at DESC",
		tenantID.String(), string(status))
}

// ListSettlementsDueForRetry scans across tenants for FAILED
// settlements with retries left whose next_retry_at has passed (or was
// never set). Ordered oldest-due first.
func (s *Store) ListSettlementsDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Settlement, error) {
	s.readLock()
	defer s.readUnlock()

	return s.querySettlements(ctx,
		settlementColumns+` FROM settlements
		 WHERE status = ? AND retry_count < max_retries
		   AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY next_retry_at ASC LIMIT ?`,
		string(domain.SettlementFailed), now.UTC().Format(time.RFC3339), limit)
}

const settlementColumns = `SELECT id, tenant_id, merchant_id, settlement_ref, settlement_date, period_from, period_to,
	gross_amount, fees_amount, net_amount, currency,
	bank_account_number, bank_ifsc, bank_name, status,
	funds_reserved_at, sent_to_bank_at, bank_confirmed_at, settled_at, failed_at,
	bank_reference_number, bank_transaction_id, utr_number, settlement_batch_id,
	retry_count, max_retries, next_retry_at, failure_reason, created_by, created_at, updated_at`

func (s *Store) querySettlements(ctx context.Context, query string, args ...any) ([]domain.Settlement, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var sts []domain.Settlement
	for rows.Next() {
		var (
			st                              domain.Settlement
			id, tenant, merchant            string
			settlementDate, from, to        string
			gross, fees, net                string
			bankAcct, bankIFSC, bankName    sql.NullString
			status                          string
			reservedAt, sentAt, confirmedAt sql.NullString
			settledAt, failedAt             sql.NullString
			bankRef, bankTxnID, utr         sql.NullString
			batchID                         sql.NullString
			nextRetryAt, failureReason      sql.NullString
			createdBy                       sql.NullString
			createdAt, updatedAt            string
		)
		err := rows.Scan(&id, &tenant, &merchant, &st.SettlementRef, &settlementDate, &from, &to,
			&gross, &fees, &net, &st.Currency,
			&bankAcct, &bankIFSC, &bankName, &status,
			&reservedAt, &sentAt, &confirmedAt, &settledAt, &failedAt,
			&bankRef, &bankTxnID, &utr, &batchID,
			&st.RetryCount, &st.MaxRetries, &nextRetryAt, &failureReason,
			&createdBy, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		st.ID = parseUUID(id)
		st.TenantID = parseUUID(tenant)
		st.MerchantID = parseUUID(merchant)
		st.SettlementDate = parseTime(settlementDate, dateLayout)
		st.PeriodFrom = parseTime(from, dateLayout)
		st.PeriodTo = parseTime(to, dateLayout)
		st.GrossAmount = parseDec(gross)
		st.FeesAmount = parseDec(fees)
		st.NetAmount = parseDec(net)
		st.BankAccountNumber = bankAcct.String
		st.BankIFSC = bankIFSC.String
		st.BankName = bankName.String
		st.Status = domain.SettlementStatus(status)
		st.FundsReservedAt = parseNullTime(reservedAt, time.RFC3339)
		st.SentToBankAt = parseNullTime(sentAt, time.RFC3339)
		st.BankConfirmedAt = parseNullTime(confirmedAt, time.RFC3339)
		st.SettledAt = parseNullTime(settledAt, time.RFC3339)
		st.FailedAt = parseNullTime(failedAt, time.RFC3339)
		st.BankReferenceNumber = bankRef.String
		st.BankTransactionID = bankTxnID.String
		st.UTRNumber = utr.String
		st.SettlementBatchID = batchID.String
		st.NextRetryAt = parseNullTime(nextRetryAt, time.RFC3339)
		st.FailureReason = failureReason.String
		st.CreatedBy = createdBy.String
		st.CreatedAt = parseTime(createdAt, time.RFC3339)
		st.UpdatedAt = parseTime(updatedAt, time.RFC3339)
		sts = append(sts, st)
	}
	return sts, rows.Err()
}

// =============================================================================
// STATE HISTORY
// =============================================================================

// InsertSettlementTransition appends one state-history row.
func (s *Store) InsertSettlementTransition(ctx context.Context, t domain.StateTransition) error {
	s.writeLock()
	defer s.writeUnlock()

	query := `
		INSERT INTO settlement_transitions
		(id, settlement_id, tenant_id, from_status, to_status, transitioned_at, actor, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		t.ID.String(),
		t.SettlementID.String(),
		t.TenantID.String(),
		nullString(string(t.FromStatus)),
		string(t.ToStatus),
		t.At.UTC().Format(time.RFC3339),
		nullString(t.By),
		nullString(marshalMeta(t.Metadata)),
	)
	if err != nil {
		return fmt.Errorf("failed to insert settlement transition: %w", err)
	}
	return nil
}

// ListSettlementTransitions returns a settlement's state history in
// order of occurrence.
func (s *Store) ListSettlementTransitions(ctx context.Context, tenantID, settlementID uuid.UUID) ([]domain.StateTransition, error) {
	s.readLock()
	defer s.readUnlock()

	query := `
		SELECT id, settlement_id, tenant_id, from_status, to_status, transitioned_at, actor, metadata_json
		FROM settlement_transitions
		WHERE tenant_id = ? AND settlement_id = ?
		ORDER BY transitioned_at ASC, id ASC
	`

	rows, err := s.q.QueryContext(ctx, query, tenantID.String(), settlementID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement transitions: %w", err)
	}
	defer rows.Close()

	var transitions []domain.StateTransition
	for rows.Next() {
		var (
			t                    domain.StateTransition
			id, settlement, ten  string
			fromStatus           sql.NullString
			toStatus, at         string
			actor, metadataJSON  sql.NullString
		)
		err := rows.Scan(&id, &settlement, &ten, &fromStatus, &toStatus, &at, &actor, &metadataJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement transition: %w", err)
		}
		t.ID = parseUUID(id)
		t.SettlementID = parseUUID(settlement)
		t.TenantID = parseUUID(ten)
		t.FromStatus = domain.SettlementStatus(fromStatus.String)
		t.ToStatus = domain.SettlementStatus(toStatus)
		t.At = parseTime(at, time.RFC3339)
		t.By = actor.String
		t.Metadata = unmarshalMeta(metadataJSON)
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// =============================================================================
// RETRY HISTORY
// =============================================================================

// InsertRetryAttempt appends one retry-history row.
func (s *Store) InsertRetryAttempt(ctx context.Context, r domain.RetryAttempt) error {
	s.writeLock()
	defer s.writeUnlock()

	query := `
		INSERT INTO settlement_retries
		(id, settlement_id, tenant_id, attempt, attempted_at, actor, next_retry_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		r.ID.String(),
		r.SettlementID.String(),
		r.TenantID.String(),
		r.Attempt,
		r.At.UTC().Format(time.RFC3339),
		nullString(r.By),
		r.NextRetryAt.UTC().Format(time.RFC3339),
		nullString(r.Reason),
	)
	if err != nil {
		return fmt.Errorf("failed to insert retry attempt: %w", err)
	}
	return nil
}

// ListRetryAttempts returns a settlement's retry history in attempt
// order.
func (s *Store) ListRetryAttempts(ctx context.Context, tenantID, settlementID uuid.UUID) ([]domain.RetryAttempt, error) {
	s.readLock()
	defer s.readUnlock()

	query := `
		SELECT id, settlement_id, tenant_id, attempt, attempted_at, actor, next_retry_at, reason
		FROM settlement_retries
		WHERE tenant_id = ? AND settlement_id = ?
		ORDER BY attempt ASC
	`

	rows, err := s.q.QueryContext(ctx, query, tenantID.String(), settlementID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query retry attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.RetryAttempt
	for rows.Next() {
		var (
			r                   domain.RetryAttempt
			id, settlement, ten string
			at, nextRetryAt     string
			actor, reason       sql.NullString
		)
		err := rows.Scan(&id, &settlement, &ten, &r.Attempt, &at, &actor, &nextRetryAt, &reason)
		if err != nil {
			return nil, fmt.Errorf("failed to scan retry attempt: %w", err)
		}
		r.ID = parseUUID(id)
		r.SettlementID = parseUUID(settlement)
		r.TenantID = parseUUID(ten)
		r.At = parseTime(at, time.RFC3339)
		r.By = actor.String
		r.NextRetryAt = parseTime(nextRetryAt, time.RFC3339)
		r.Reason = reason.String
		attempts = append(attempts, r)
	}
	return attempts, rows.Err()
}
