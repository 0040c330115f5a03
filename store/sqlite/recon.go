/*
recon.go - Reconciliation batches and items
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
// BATCHES (domain.ReconStore)
// =============================================================================

// InsertReconBatch adds one batch row.
func (s *Store) InsertReconBatch(ctx context.Context, b domain.ReconBatch) error {
	s.writeLock()
	defer s.writeUnlock()

	query := `
		INSERT INTO recon_batches
		(id, tenant_id, gateway_name, account_code, period_from, period_to, status,
		 total_external, matched, missing_internal, missing_external, amount_mismatch,
		 created_by, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		b.ID.String(),
		b.TenantID.String(),
		b.GatewayName,
		b.AccountCode,
		domain.DateOnly(b.PeriodFrom).Format(dateLayout),
		domain.DateOnly(b.PeriodTo).Format(dateLayout),
		string(b.Status),
		b.TotalExternal,
		b.Matched,
		b.MissingInternal,
		b.MissingExternal,
		b.AmountMismatch,
		nullString(b.CreatedBy),
		b.CreatedAt.UTC().Format(time.RFC3339),
		nullTime(b.CompletedAt, time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert recon batch: %w", err)
	}
	return nil
}

// UpdateReconBatch rewrites a batch's status and counters.
func (s *Store) UpdateReconBatch(ctx context.Context, b domain.ReconBatch) error {
	s.writeLock()
	defer s.writeUnlock()

	res, err := s.q.ExecContext(ctx,
		`UPDATE recon_batches SET
			status = ?, total_external = ?, matched = ?, missing_internal = ?,
			missing_external = ?, amount_mismatch = ?, completed_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		string(b.Status), b.TotalExternal, b.Matched, b.MissingInternal,
		b.MissingExternal, b.AmountMismatch, nullTime(b.CompletedAt, time.RFC3339),
		b.TenantID.String(), b.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update recon batch: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrReconBatchNotFound
	}
	return nil
}

// GetReconBatch returns one batch by id.
func (s *Store) GetReconBatch(ctx context.Context, tenantID, batchID uuid.UUID) (*domain.ReconBatch, error) {
	s.readLock()
	defer s.readUnlock()

	query := `
		SELECT id, tenant_id, gateway_name, account_code, period_from, period_to, status,
		       total_external, matched, missing_internal, missing_external, amount_mismatch,
		       created_by, created_at, completed_at
		FROM recon_batches
		WHERE tenant_id = ? AND id = ? LIMIT 1
	`

	rows, err := s.q.QueryContext(ctx, query, tenantID.String(), batchID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query recon batch: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	var (
		b                    domain.ReconBatch
		id, tenant           string
		from, to, status     string
		createdBy            sql.NullString
		createdAt            string
		completedAt          sql.NullString
	)
	err = rows.Scan(&id, &tenant, &b.GatewayName, &b.AccountCode, &from, &to, &status,
		&b.TotalExternal, &b.Matched, &b.MissingInternal, &b.MissingExternal, &b.AmountMismatch,
		&createdBy, &createdAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan recon batch: %w", err)
	}
	b.ID = parseUUID(id)
	b.TenantID = parseUUID(tenant)
	b.PeriodFrom = parseTime(from, dateLayout)
	b.PeriodTo = parseTime(to, dateLayout)
	b.Status = domain.ReconBatchStatus(status)
	b.CreatedBy = createdBy.String
	b.CreatedAt = parseTime(createdAt, time.RFC3339)
	b.CompletedAt = parseNullTime(completedAt, time.RFC3339)
	return &b, nil
}

// =============================================================================
// ITEMS
// =============================================================================

// InsertReconItem adds one item row.
func (s *Store) InsertReconItem(ctx context.Context, it domain.ReconItem) error {
	s.writeLock()
	defer s.writeUnlock()

	var extAmount, intAmount sql.NullString
	if it.ExternalAmount != nil {
		extAmount = sql.NullString{String: it.ExternalAmount.String(), Valid: true}
	}
	if it.InternalAmount != nil {
		intAmount = sql.NullString{String: it.InternalAmount.String(), Valid: true}
	}

	query := `
		INSERT INTO recon_items
		(id, tenant_id, batch_id, external_order_id, external_ref, external_amount, external_date,
		 internal_transaction_id, internal_amount, match_status, resolution_status,
		 resolution_notes, resolved_by, resolved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		it.ID.String(),
		it.TenantID.String(),
		it.BatchID.String(),
		nullString(it.ExternalOrderID),
		nullString(it.ExternalRef),
		extAmount,
		nullTime(it.ExternalDate, dateLayout),
		nullUUID(it.InternalTransactionID),
		intAmount,
		string(it.MatchStatus),
		string(it.ResolutionStatus),
		nullString(it.ResolutionNotes),
		nullString(it.ResolvedBy),
		nullTime(it.ResolvedAt, time.RFC3339),
		it.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert recon item: %w", err)
	}
	return nil
}

// GetReconItem returns one item by id.
func (s *Store) GetReconItem(ctx context.Context, tenantID, itemID uuid.UUID) (*domain.ReconItem, error) {
	s.readLock()
	defer s.readUnlock()

	items, err := s.queryReconItems(ctx,
		reconItemColumns+" FROM recon_items WHERE tenant_id = ? AND id = ? LIMIT 1",
		tenantID.String(), itemID.String())
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

// UpdateReconItemResolution records an analyst's resolution.
func (s *Store) UpdateReconItemResolution(ctx context.Context, tenantID, itemID uuid.UUID, status domain.ResolutionStatus, note, resolvedBy string, resolvedAt time.Time) error {
	s.writeLock()
	defer s.writeUnlock()

	res, err := s.q.ExecContext(ctx,
		`UPDATE recon_items
		 SET resolution_status = ?, resolution_notes = ?, resolved_by = ?, resolved_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		string(status), nullString(note), resolvedBy,
		resolvedAt.UTC().Format(time.RFC3339),
		tenantID.String(), itemID.String())
	if err != nil {
		return fmt.Errorf("failed to update recon item: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrReconItemNotFound
	}
	return nil
}

// ListReconItems returns a batch's items, optionally filtered by match
// status.
func (s *Store) ListReconItems(ctx context.Context, tenantID, batchID uuid.UUID, status domain.MatchStatus) ([]domain.ReconItem, error) {
	s.readLock()
	defer s.readUnlock()

	if status == "" {
		return s.queryReconItems(ctx,
			reconItemColumns+" FROM recon_items WHERE tenant_id = ? AND batch_id = ? ORDER BY created_at ASC, id ASC",
			tenantID.String(), batchID.String())
	}
	return s.queryReconItems(ctx,
		reconItemColumns+" FROM recon_items WHERE tenant_id = ? AND batch_id = ? AND match_status = ? ORDER BY created_at ASC, id ASC",
		tenantID.String(), batchID.String(), string(status))
}

const reconItemColumns = `SELECT id, tenant_id, batch_id, external_order_id, external_ref, external_amount, external_date,
	internal_transaction_id, internal_amount, match_status, resolution_status,
	resolution_notes, resolved_by, resolved_at, created_at`

func (s *Store) queryReconItems(ctx context.Context, query string, args ...any) ([]domain.ReconItem, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recon items: %w", err)
	}
	defer rows.Close()

	var items []domain.ReconItem
	for rows.Next() {
		var (
			it                      domain.ReconItem
			id, tenant, batch       string
			extOrderID, extRef      sql.NullString
			extAmount, extDate      sql.NullString
			intTxnID, intAmount     sql.NullString
			matchStatus, resolution string
			notes, resolvedBy       sql.NullString
			resolvedAt              sql.NullString
			createdAt               string
		)
		err := rows.Scan(&id, &tenant, &batch, &extOrderID, &extRef, &extAmount, &extDate,
			&intTxnID, &intAmount, &matchStatus, &resolution, &notes, &resolvedBy,
			&resolvedAt, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recon item: %w", err)
		}
		it.ID = parseUUID(id)
		it.TenantID = parseUUID(tenant)
		it.BatchID = parseUUID(batch)
		it.ExternalOrderID = extOrderID.String
		it.ExternalRef = extRef.String
		it.ExternalAmount = parseNullDec(extAmount)
		it.ExternalDate = parseNullTime(extDate, dateLayout)
		it.InternalTransactionID = parseNullUUID(intTxnID)
		it.InternalAmount = parseNullDec(intAmount)
		it.MatchStatus = domain.MatchStatus(matchStatus)
		it.ResolutionStatus = domain.ResolutionStatus(resolution)
		it.ResolutionNotes = notes.String
		it.ResolvedBy = resolvedBy.String
		it.ResolvedAt = parseNullTime(resolvedAt, time.RFC3339)
		it.CreatedAt = parseTime(createdAt, time.RFC3339)
		items = append(items, it)
	}
	return items, rows.Err()
}
