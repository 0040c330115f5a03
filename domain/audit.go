/*
audit.go - Audit log and security events

Every state-changing operation writes exactly one AuditRecord in the same
database transaction as the change itself; denials additionally write a
SecurityEvent. Both tables are append-only.
*/
package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditRecord captures one state change with before/after snapshots.
// Before and After are marshaled to JSON by the store.
type AuditRecord struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	EntityType string
	EntityID   string
	Action     string
	Before     any
	After      any
	Actor      string
	ActorRole  string
	Reason     string
	CreatedAt  time.Time
}

// Audit entity types.
const (
	AuditEntityTransaction = "ledger_transaction"
	AuditEntityPeriod      = "accounting_period"
	AuditEntityLock        = "ledger_lock"
	AuditEntitySettlement  = "settlement"
	AuditEntityOverride    = "override_request"
	AuditEntityReconItem   = "recon_item"
	AuditEntityReconBatch  = "recon_batch"
)

// SecurityEvent records a denied operation.
type SecurityEvent struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	EventType string
	Actor     string
	Detail    string
	CreatedAt time.Time
}

// Security event types.
const (
	SecurityTenantMismatch      = "tenant_mismatch"
	SecuritySelfApprovalDenied  = "self_approval_denied"
	SecurityWebhookBadSignature = "webhook_bad_signature"
	SecurityLockReleaseDenied   = "lock_release_denied"
	SecurityOverrideUseRejected = "override_use_rejected"
)

// NewAudit builds an audit record with a fresh ID and UTC timestamp.
func NewAudit(tenantID uuid.UUID, entityType, entityID, action, actor, actorRole, reason string, before, after any) AuditRecord {
	return AuditRecord{
		ID:         uuid.New(),
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Before:     before,
		After:      after,
		Actor:      actor,
		ActorRole:  actorRole,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}
}

// NewSecurityEvent builds a security event with a fresh ID and UTC timestamp.
func NewSecurityEvent(tenantID uuid.UUID, eventType, actor, detail string) SecurityEvent {
	return SecurityEvent{
		ID:        uuid.New(),
		TenantID:  tenantID,
		EventType: eventType,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
}
