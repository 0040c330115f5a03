package approval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/approval"
	"github.com/arthapay/paycore/domain"
	"github.com/arthapay/paycore/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T) (*approval.Service, *sqlite.Store, uuid.UUID) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return approval.NewService(store, zap.NewNop()), store, uuid.New()
}

func pendingRequest(t *testing.T, svc *approval.Service, tenantID uuid.UUID, data map[string]string) *domain.OverrideRequest {
	t.Helper()
	req, err := svc.Request(context.Background(), approval.RequestInput{
		TenantID:      tenantID,
		RequestType:   domain.OverrideSoftClosePosting,
		RequestorID:   "alice",
		RequestorRole: domain.RoleFinanceAdmin,
		Justification: "late vendor invoice for the closed month",
		RequestData:   data,
	})
	require.NoError(t, err)
	return req
}

// =============================================================================
// REQUEST
// =============================================================================

func TestRequest_JustificationTooShort(t *testing.T) {
	svc, _, tenantID := newTestService(t)

	_, err := svc.Request(context.Background(), approval.RequestInput{
		TenantID:      tenantID,
		RequestType:   domain.OverrideSoftClosePosting,
		RequestorID:   "alice",
		RequestorRole: domain.RoleFinanceAdmin,
		Justification: "because",
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestRequest_UnknownType(t *testing.T) {
	svc, _, tenantID := newTestService(t)

	_, err := svc.Request(context.Background(), approval.RequestInput{
		TenantID:      tenantID,
		RequestType:   "casual_friday",
		RequestorID:   "alice",
		RequestorRole: domain.RoleFinanceAdmin,
		Justification: "definitely long enough to pass",
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

// =============================================================================
// DUAL CONFIRMATION
// =============================================================================

func TestApprove_SecondPersonRequired(t *testing.T) {
	// GIVEN: A pending request filed by alice (finance-admin)
	// WHEN: alice approves her own request, then someone sharing her
	//       role tries, then a genuinely distinct approver
	// THEN: The first two are denied with security events; the third
	//       approves and writes the override log row

	svc, store, tenantID := newTestService(t)
	ctx := context.Background()
	req := pendingRequest(t, svc, tenantID, map[string]string{"affected_ids": "TX-9"})

	_, err := svc.Approve(ctx, tenantID, req.ID, "alice", domain.RoleComplianceAdmin, "looks fine")
	assert.True(t, errors.Is(err, domain.ErrSelfApprovalForbidden), "same person, different role")

	_, err = svc.Approve(ctx, tenantID, req.ID, "carol", domain.RoleFinanceAdmin, "looks fine")
	assert.True(t, errors.Is(err, domain.ErrSelfApprovalForbidden), "different person, same role")

	events, err := store.ListSecurityEvents(ctx, tenantID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, domain.SecuritySelfApprovalDenied, events[0].EventType)

	approved, err := svc.Approve(ctx, tenantID, req.ID, "bob", domain.RoleComplianceAdmin, "reviewed the invoice")
	require.NoError(t, err)
	assert.Equal(t, domain.OverrideApproved, approved.Status)
	assert.Equal(t, "bob", approved.ApproverID)
	require.NotNil(t, approved.DecidedAt)

	logs, err := store.ListOverrideLogs(ctx, tenantID, req.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, req.ID, logs[0].RequestID)
	assert.Equal(t, "alice", logs[0].RequestorID)
	assert.Equal(t, "bob", logs[0].ApproverID)
	assert.Equal(t, "TX-9", logs[0].AffectedIDs)
}

func TestApprove_OnlyPendingRequests(t *testing.T) {
	svc, _, tenantID := newTestService(t)
	ctx := context.Background()
	req := pendingRequest(t, svc, tenantID, nil)

	_, err := svc.Approve(ctx, tenantID, req.ID, "bob", domain.RoleComplianceAdmin, "first")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, tenantID, req.ID, "bob", domain.RoleComplianceAdmin, "again")
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestReject_LeavesRequestUnusable(t *testing.T) {
	svc, store, tenantID := newTestService(t)
	ctx := context.Background()
	req := pendingRequest(t, svc, tenantID, nil)

	rejected, err := svc.Reject(ctx, tenantID, req.ID, "bob", domain.RoleComplianceAdmin, "no supporting documents")
	require.NoError(t, err)
	assert.Equal(t, domain.OverrideRejected, rejected.Status)

	err = approval.Validate(ctx, store, tenantID, req.ID, time.Now().UTC())
	assert.True(t, errors.Is(err, domain.ErrOverrideNotUsable))
}

// =============================================================================
// VALIDATION AT POST TIME
// =============================================================================

func TestValidate_DateCoverage(t *testing.T) {
	// GIVEN: An approved override declaring a June period range
	// WHEN: Validating postings dated inside and outside the range
	// THEN: Only the covered date passes

	svc, store, tenantID := newTestService(t)
	ctx := context.Background()
	req := pendingRequest(t, svc, tenantID, map[string]string{
		"period_from": "2026-06-01",
		"period_to":   "2026-06-30",
	})
	_, err := svc.Approve(ctx, tenantID, req.ID, "bob", domain.RoleComplianceAdmin, "range verified")
	require.NoError(t, err)

	inside := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	assert.NoError(t, approval.Validate(ctx, store, tenantID, req.ID, inside))

	outside := time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)
	err = approval.Validate(ctx, store, tenantID, req.ID, outside)
	assert.True(t, errors.Is(err, domain.ErrOverrideNotUsable))
}

func TestValidate_PendingOrUnknown(t *testing.T) {
	svc, store, tenantID := newTestService(t)
	ctx := context.Background()

	req := pendingRequest(t, svc, tenantID, nil)
	err := approval.Validate(ctx, store, tenantID, req.ID, time.Now().UTC())
	assert.True(t, errors.Is(err, domain.ErrOverrideNotUsable), "pending request")

	err = approval.Validate(ctx, store, tenantID, uuid.New(), time.Now().UTC())
	assert.True(t, errors.Is(err, domain.ErrOverrideNotUsable), "unknown request")
}
