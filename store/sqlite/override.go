/*
override.go - Override requests, approval log, audit trail, security events

admin_overrides_log, audit_log, and security_events are append-only.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arthapay/paycore/domain"
)

// =============================================================================
// OVERRIDE REQUESTS (domain.OverrideStore)
// =============================================================================

// InsertOverrideRequest adds one pending request.
func (s *Store) InsertOverrideRequest(ctx context.Context, r domain.OverrideRequest) error {
	s.writeLock()
	defer s.writeUnlock()

	query := `
		INSERT INTO override_requests
		(id, tenant_id, request_type, requestor_id, requestor_role, justification,
		 request_data_json, status, approver_id, approver_role, approval_reason, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		r.ID.String(),
		r.TenantID.String(),
		r.RequestType,
		r.RequestorID,
		r.RequestorRole,
		r.Justification,
		nullString(marshalMeta(r.RequestData)),
		string(r.Status),
		nullString(r.ApproverID),
		nullString(r.ApproverRole),
		nullString(r.ApprovalReason),
		r.CreatedAt.UTC().Format(time.RFC3339),
		nullTime(r.DecidedAt, time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert override request: %w", err)
	}
	return nil
}

// GetOverrideRequest returns one request by id.
func (s *Store) GetOverrideRequest(ctx context.Context, tenantID, requestID uuid.UUID) (*domain.OverrideRequest, error) {
	s.readLock()
	defer s.readUnlock()

	reqs, err := s.queryOverrideRequests(ctx,
		overrideColumns+" FROM override_requests WHERE tenant_id = ? AND id = ? LIMIT 1",
		tenantID.String(), requestID.String())
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return &reqs[0], nil
}

// UpdateOverrideDecision records the approval or rejection. Guarded on
// status = 'pending' so a request is decided exactly once.
func (s *Store) UpdateOverrideDecision(ctx context.Context, tenantID, requestID uuid.UUID, status domain.OverrideStatus, approvedBy, approverRole, comment string, decidedAt time.Time) error {
	s.writeLock()
	defer s.writeUnlock()

	res, err := s.q.ExecContext(ctx,
		`UPDATE override_requests
		 SET status = ?, approver_id = ?, approver_role = ?, approval_reason = ?, decided_at = ?
		 WHERE tenant_id = ? AND id = ? AND status = 'pending'`,
		string(status), approvedBy, approverRole, nullString(comment),
		decidedAt.UTC().Format(time.RFC3339),
		tenantID.String(), requestID.String())
	if err != nil {
		return fmt.Errorf("failed to update override decision: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("override request not pending: %w", domain.ErrOverrideNotUsable)
	}
	return nil
}

// ListOverrideRequests returns a tenant's requests, optionally filtered
// by status, newest first.
func (s *Store) ListOverrideRequests(ctx context.Context, tenantID uuid.UUID, status domain.OverrideStatus) ([]domain.OverrideRequest, error) {
	s.readLock()
	defer s.readUnlock()

	if status == "" {
		return s.queryOverrideRequests(ctx,
			overrideColumns+" FROM override_requests WHERE tenant_id = ? ORDER BY created_at DESC",
			tenantID.String())
	}
	return s.queryOverrideRequests(ctx,
		overrideColumns+" FROM override_requests WHERE tenant_id = ? AND status = ? ORDER BY created_at DESC",
		tenantID.String(), string(status))
}

const overrideColumns = `SELECT id, tenant_id, request_type, requestor_id, requestor_role, justification,
	request_data_json, status, approver_id, approver_role, approval_reason, created_at, decided_at`

func (s *Store) queryOverrideRequests(ctx context.Context, query string, args ...any) ([]domain.OverrideRequest, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query override requests: %w", err)
	}
	defer rows.Close()

	var reqs []domain.OverrideRequest
	for rows.Next() {
		var (
			r                        domain.OverrideRequest
			id, tenant               string
			requestData              sql.NullString
			status                   string
			approverID, approverRole sql.NullString
			approvalReason           sql.NullString
			createdAt                string
			decidedAt                sql.NullString
		)
		err := rows.Scan(&id, &tenant, &r.RequestType, &r.RequestorID, &r.RequestorRole,
			&r.Justification, &requestData, &status, &approverID, &approverRole,
			&approvalReason, &createdAt, &decidedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan override request: %w", err)
		}
		r.ID = parseUUID(id)
		r.TenantID = parseUUID(tenant)
		r.RequestData = unmarshalMeta(requestData)
		r.Status = domain.OverrideStatus(status)
		r.ApproverID = approverID.String
		r.ApproverRole = approverRole.String
		r.ApprovalReason = approvalReason.String
		r.CreatedAt = parseTime(createdAt, time.RFC3339)
		r.DecidedAt = parseNullTime(decidedAt, time.RFC3339)
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// =============================================================================
// OVERRIDE LOG
// =============================================================================

// InsertOverrideLog appends one immutable approval-log row.
func (s *Store) InsertOverrideLog(ctx context.Context, l domain.OverrideLogEntry) error {
	s.writeLock()
	defer s.writeUnlock()

	query := `
		INSERT INTO admin_overrides_log
		(id, tenant_id, request_id, request_type, requestor_id, requestor_role,
		 approver_id, approver_role, justification, approval_reason, affected_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		l.ID.String(),
		l.TenantID.String(),
		l.RequestID.String(),
		l.RequestType,
		l.RequestorID,
		l.RequestorRole,
		l.ApproverID,
		l.ApproverRole,
		nullString(l.Justification),
		nullString(l.ApprovalReason),
		nullString(l.AffectedIDs),
		l.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert override log: %w", err)
	}
	return nil
}

// ListOverrideLogs returns the log rows for one request.
func (s *Store) ListOverrideLogs(ctx context.Context, tenantID, requestID uuid.UUID) ([]domain.OverrideLogEntry, error) {
	s.readLock()
	defer s.readUnlock()

	query := `
		SELECT id, tenant_id, request_id, request_type, requestor_id, requestor_role,
		       approver_id, approver_role, justification, approval_reason, affected_ids, created_at
		FROM admin_overrides_log
		WHERE tenant_id = ? AND request_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.q.QueryContext(ctx, query, tenantID.String(), requestID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query override logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.OverrideLogEntry
	for rows.Next() {
		var (
			l                          domain.OverrideLogEntry
			id, tenant, request        string
			justification, reason      sql.NullString
			affectedIDs                sql.NullString
			createdAt                  string
		)
		err := rows.Scan(&id, &tenant, &request, &l.RequestType, &l.RequestorID,
			&l.RequestorRole, &l.ApproverID, &l.ApproverRole, &justification,
			&reason, &affectedIDs, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan override log: %w", err)
		}
		l.ID = parseUUID(id)
		l.TenantID = parseUUID(tenant)
		l.RequestID = parseUUID(request)
		l.Justification = justification.String
		l.ApprovalReason = reason.String
		l.AffectedIDs = affectedIDs.String
		l.CreatedAt = parseTime(createdAt, time.RFC3339)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// =============================================================================
// AUDIT (domain.AuditStore)
// =============================================================================

// InsertAudit appends one audit row. Before/After snapshots are stored
// as JSON.
func (s *Store) InsertAudit(ctx context.Context, a domain.AuditRecord) error {
	s.writeLock()
	defer s.writeUnlock()

	var beforeJSON, afterJSON sql.NullString
	if a.Before != nil {
		b, _ := json.Marshal(a.Before)
		beforeJSON = sql.NullString{String: string(b), Valid: true}
	}
	if a.After != nil {
		b, _ := json.Marshal(a.After)
		afterJSON = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO audit_log
		(id, tenant_id, entity_type, entity_id, action, before_json, after_json, actor, actor_role, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		a.ID.String(),
		a.TenantID.String(),
		a.EntityType,
		a.EntityID,
		a.Action,
		beforeJSON,
		afterJSON,
		nullString(a.Actor),
		nullString(a.ActorRole),
		nullString(a.Reason),
		a.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// ListAudit returns audit rows, filtered by entity when entityType or
// entityID are non-empty, newest first.
func (s *Store) ListAudit(ctx context.Context, tenantID uuid.UUID, entityType, entityID string) ([]domain.AuditRecord, error) {
	s.readLock()
	defer s.readUnlock()

	query := `
		SELECT id, tenant_id, entity_type, entity_id, action, before_json, after_json, actor, actor_role, reason, created_at
		FROM audit_log
		WHERE tenant_id = ?
	`
	args := []any{tenantID.String()}
	if entityType != "" {
		query += " AND entity_type = ?"
		args = append(args, entityType)
	}
	if entityID != "" {
		query += " AND entity_id = ?"
		args = append(args, entityID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var (
			a                      domain.AuditRecord
			id, tenant             string
			beforeJSON, afterJSON  sql.NullString
			actor, actorRole       sql.NullString
			reason                 sql.NullString
			createdAt              string
		)
		err := rows.Scan(&id, &tenant, &a.EntityType, &a.EntityID, &a.Action,
			&beforeJSON, &afterJSON, &actor, &actorRole, &reason, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		a.ID = parseUUID(id)
		a.TenantID = parseUUID(tenant)
		if beforeJSON.Valid {
			var v any
			json.Unmarshal([]byte(beforeJSON.String), &v)
			a.Before = v
		}
		if afterJSON.Valid {
			var v any
			json.Unmarshal([]byte(afterJSON.String), &v)
			a.After = v
		}
		a.Actor = actor.String
		a.ActorRole = actorRole.String
		a.Reason = reason.String
		a.CreatedAt = parseTime(createdAt, time.RFC3339)
		records = append(records, a)
	}
	return records, rows.Err()
}

// =============================================================================
// SECURITY EVENTS
// =============================================================================

// InsertSecurityEvent appends one denial record.
func (s *Store) InsertSecurityEvent(ctx context.Context, e domain.SecurityEvent) error {
	s.writeLock()
	defer s.writeUnlock()

	query := `
		INSERT INTO security_events (id, tenant_id, event_type, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		e.ID.String(),
		e.TenantID.String(),
		e.EventType,
		nullString(e.Actor),
		nullString(e.Detail),
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

// ListSecurityEvents returns a tenant's security events, newest first.
func (s *Store) ListSecurityEvents(ctx context.Context, tenantID uuid.UUID) ([]domain.SecurityEvent, error) {
	s.readLock()
	defer s.readUnlock()

	query := `
		SELECT id, tenant_id, event_type, actor, detail, created_at
		FROM security_events
		WHERE tenant_id = ?
		ORDER BY created_at DESC
	`

	rows, err := s.q.QueryContext(ctx, query, tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var events []domain.SecurityEvent
	for rows.Next() {
		var (
			e             domain.SecurityEvent
			id, tenant    string
			actor, detail sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&id, &tenant, &e.EventType, &actor, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		e.ID = parseUUID(id)
		e.TenantID = parseUUID(tenant)
		e.Actor = actor.String
		e.Detail = detail.String
		e.CreatedAt = parseTime(createdAt, time.RFC3339)
		events = append(events, e)
	}
	return events, rows.Err()
}
