/*
Package approval implements the dual-confirmation override workflow.

PURPOSE:

	Guarded writes (posting into a SOFT_CLOSED period, exceptional
	corrections, manual adjustments) need two actors: a requestor files a
	justified request and a different actor holding a different role
	approves or rejects it. An approval lands one immutable
	admin_overrides_log row in the same database transaction; only then may
	the guarded write proceed, presenting the request id to the ledger.

SELF-APPROVAL:

	Forbidden twice over: the approver must not be the requestor AND must
	not hold the requestor's role. Violations are denied with
	ErrSelfApprovalForbidden and recorded as security events.
*/
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/domain"
)

// Service owns the override request lifecycle.
type Service struct {
	db  domain.DB
	log *zap.Logger
}

// NewService builds a Service.
func NewService(db domain.DB, log *zap.Logger) *Service {
	return &Service{db: db, log: log}
}

// =============================================================================
// REQUEST / APPROVE / REJECT
// =============================================================================

// RequestInput names everything needed to file an override request.
type RequestInput struct {
	TenantID      uuid.UUID
	RequestType   string
	RequestorID   string
	RequestorRole string
	Justification string
	RequestData   map[string]string
}

// Request files a pending override request. The written justification
// must carry at least domain.MinJustificationLen characters.
func (s *Service) Request(ctx context.Context, in RequestInput) (*domain.OverrideRequest, error) {
	if len(in.Justification) < domain.MinJustificationLen {
		return nil, fmt.Errorf("%w: justification must be at least %d characters",
			domain.ErrInvalidInput, domain.MinJustificationLen)
	}
	if in.RequestorID == "" || in.RequestorRole == "" {
		return nil, fmt.Errorf("%w: requestor id and role are required", domain.ErrInvalidInput)
	}
	switch in.RequestType {
	case domain.OverrideSoftClosePosting, domain.OverrideExceptionalCorrection:
	default:
		return nil, fmt.Errorf("%w: unknown override request type %q", domain.ErrInvalidInput, in.RequestType)
	}

	req := domain.OverrideRequest{
		ID:            uuid.New(),
		TenantID:      in.TenantID,
		RequestType:   in.RequestType,
		RequestorID:   in.RequestorID,
		RequestorRole: in.RequestorRole,
		Justification: in.Justification,
		RequestData:   in.RequestData,
		Status:        domain.OverridePending,
		CreatedAt:     time.Now().UTC(),
	}

	err := s.db.WithTx(ctx, func(st domain.Store) error {
		if err := st.InsertOverrideRequest(ctx, req); err != nil {
			return err
		}
		return st.InsertAudit(ctx, domain.NewAudit(in.TenantID, domain.AuditEntityOverride,
			req.ID.String(), "request", in.RequestorID, in.RequestorRole, in.Justification, nil, req))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("override requested",
		zap.String("tenant", in.TenantID.String()),
		zap.String("request", req.ID.String()),
		zap.String("type", in.RequestType))
	return &req, nil
}

// Approve records the second confirmation. The approver must differ
// from the requestor in both identity and role; the approval and its
// admin_overrides_log row commit together.
func (s *Service) Approve(ctx context.Context, tenantID, requestID uuid.UUID, approverID, approverRole, reason string) (*domain.OverrideRequest, error) {
	var approved domain.OverrideRequest

	err := s.db.WithTx(ctx, func(st domain.Store) error {
		req, err := st.GetOverrideRequest(ctx, tenantID, requestID)
		if err != nil {
			return err
		}
		if req == nil {
			return fmt.Errorf("%w: override request %s", domain.ErrInvalidInput, requestID)
		}
		if req.Status != domain.OverridePending {
			return fmt.Errorf("%w: request %s is %s", domain.ErrInvalidInput, requestID, req.Status)
		}
		if approverID == req.RequestorID || approverRole == req.RequestorRole {
			return fmt.Errorf("%w: approver %s (%s) vs requestor %s (%s)",
				domain.ErrSelfApprovalForbidden, approverID, approverRole, req.RequestorID, req.RequestorRole)
		}

		now := time.Now().UTC()
		if err := st.UpdateOverrideDecision(ctx, tenantID, requestID,
			domain.OverrideApproved, approverID, approverRole, reason, now); err != nil {
			return err
		}

		logRow := domain.OverrideLogEntry{
			ID:             uuid.New(),
			TenantID:       tenantID,
			RequestID:      requestID,
			RequestType:    req.RequestType,
			RequestorID:    req.RequestorID,
			RequestorRole:  req.RequestorRole,
			ApproverID:     approverID,
			ApproverRole:   approverRole,
			Justification:  req.Justification,
			ApprovalReason: reason,
			AffectedIDs:    req.RequestData["affected_ids"],
			CreatedAt:      now,
		}
		if err := st.InsertOverrideLog(ctx, logRow); err != nil {
			return err
		}

		approved = *req
		approved.Status = domain.OverrideApproved
		approved.ApproverID = approverID
		approved.ApproverRole = approverRole
		approved.ApprovalReason = reason
		approved.DecidedAt = &now

		return st.InsertAudit(ctx, domain.NewAudit(tenantID, domain.AuditEntityOverride,
			requestID.String(), "approve", approverID, approverRole, reason, req, approved))
	})
	if err != nil {
		if errors.Is(err, domain.ErrSelfApprovalForbidden) {
			s.securityEvent(ctx, tenantID, domain.SecuritySelfApprovalDenied, approverID,
				fmt.Sprintf("self-approval of request %s denied", requestID))
		}
		return nil, err
	}

	s.log.Info("override approved",
		zap.String("tenant", tenantID.String()),
		zap.String("request", requestID.String()),
		zap.String("approver", approverID))
	return &approved, nil
}

// Reject records the refusal. The ledger stays untouched; the rejection
// row is retained for audit.
func (s *Service) Reject(ctx context.Context, tenantID, requestID uuid.UUID, approverID, approverRole, reason string) (*domain.OverrideRequest, error) {
	var rejected domain.OverrideRequest

	err := s.db.WithTx(ctx, func(st domain.Store) error {
		req, err := st.GetOverrideRequest(ctx, tenantID, requestID)
		if err != nil {
			return err
		}
		if req == nil {
			return fmt.Errorf("%w: override request %s", domain.ErrInvalidInput, requestID)
		}
		if req.Status != domain.OverridePending {
			return fmt.Errorf("%w: request %s is %s", domain.ErrInvalidInput, requestID, req.Status)
		}

		now := time.Now().UTC()
		if err := st.UpdateOverrideDecision(ctx, tenantID, requestID,
			domain.OverrideRejected, approverID, approverRole, reason, now); err != nil {
			return err
		}

		rejected = *req
		rejected.Status = domain.OverrideRejected
		rejected.ApproverID = approverID
		rejected.ApproverRole = approverRole
		rejected.ApprovalReason = reason
		rejected.DecidedAt = &now

		return st.InsertAudit(ctx, domain.NewAudit(tenantID, domain.AuditEntityOverride,
			requestID.String(), "reject", approverID, approverRole, reason, req, rejected))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("override rejected",
		zap.String("tenant", tenantID.String()),
		zap.String("request", requestID.String()))
	return &rejected, nil
}

// Get loads a single override request.
func (s *Service) Get(ctx context.Context, tenantID, requestID uuid.UUID) (*domain.OverrideRequest, error) {
	return s.db.GetOverrideRequest(ctx, tenantID, requestID)
}

// List returns requests filtered by status; an empty status lists all.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, status domain.OverrideStatus) ([]domain.OverrideRequest, error) {
	return s.db.ListOverrideRequests(ctx, tenantID, status)
}

// =============================================================================
// VALIDATION AT POST TIME
// =============================================================================

// Validate reports whether the request may gate a posting dated d: it
// must exist for the tenant, be approved, and cover the date when its
// request data declares a period range. Runs against any store view so
// the ledger can validate inside its posting transaction.
func Validate(ctx context.Context, st domain.Store, tenantID, requestID uuid.UUID, d time.Time) error {
	req, err := st.GetOverrideRequest(ctx, tenantID, requestID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOverrideNotUsable, err)
	}
	if req == nil {
		return fmt.Errorf("%w: request %s not found", domain.ErrOverrideNotUsable, requestID)
	}
	if req.Status != domain.OverrideApproved {
		return fmt.Errorf("%w: request %s is %s", domain.ErrOverrideNotUsable, requestID, req.Status)
	}
	if !req.CoversDate(d) {
		return fmt.Errorf("%w: request %s does not cover %s",
			domain.ErrOverrideNotUsable, requestID, d.Format("2006-01-02"))
	}
	return nil
}

func (s *Service) securityEvent(ctx context.Context, tenantID uuid.UUID, eventType, actor, detail string) {
	if err := s.db.InsertSecurityEvent(ctx, domain.NewSecurityEvent(tenantID, eventType, actor, detail)); err != nil {
		s.log.Warn("security event write failed", zap.Error(err))
	}
}
