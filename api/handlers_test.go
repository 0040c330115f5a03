package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/api"
	"github.com/arthapay/paycore/domain"
	"github.com/arthapay/paycore/period"
	"github.com/arthapay/paycore/router"
)

func postBody(t *testing.T, v any) []byte {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return body
}

// doWithoutTenant performs a request with no X-Tenant-ID header.
func (a *testAPI) doWithoutTenant(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func transactionRequest(ref string) map[string]any {
	return map[string]any{
		"transactionRef": ref,
		"idempotencyKey": "key-" + ref,
		"eventType":      domain.EventManualAdjustment,
		"amount":         "250.00",
		"createdBy":      "ops",
		"entries": []map[string]string{
			{"accountCode": domain.AcctEscrowBank, "entryType": "debit", "amount": "250.00"},
			{"accountCode": domain.AcctEscrowLiability, "entryType": "credit", "amount": "250.00"},
		},
	}
}

// =============================================================================
// LEDGER ENDPOINTS
// =============================================================================

func TestPostTransaction_Endpoint(t *testing.T) {
	// GIVEN: A balanced posting request
	// WHEN: Posting it, then replaying the identical request
	// THEN: 201 with the posted result, then 200 with duplicate=true

	a := newTestAPI(t)
	body := postBody(t, transactionRequest("API-TX-1"))

	rec := a.do(http.MethodPost, "/api/ledger/transactions", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res api.PostResultDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "API-TX-1", res.Transaction.TransactionRef)
	assert.False(t, res.Duplicate)
	assert.Len(t, res.Entries, 2)

	rec = a.do(http.MethodPost, "/api/ledger/transactions", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Duplicate)

	assert.True(t, a.balance(t, domain.AcctEscrowBank).Equal(decimal.NewFromInt(250)))
}

func TestPostTransaction_Unbalanced_BadRequest(t *testing.T) {
	a := newTestAPI(t)
	req := transactionRequest("API-TX-2")
	req["entries"] = []map[string]string{
		{"accountCode": domain.AcctEscrowBank, "entryType": "debit", "amount": "250.00"},
		{"accountCode": domain.AcctEscrowLiability, "entryType": "credit", "amount": "100.00"},
	}

	rec := a.do(http.MethodPost, "/api/ledger/transactions", postBody(t, req), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostTransaction_BodyTenantMismatch_Forbidden(t *testing.T) {
	// GIVEN: A request whose body names a different tenant than the
	//        session header
	// WHEN: Posting
	// THEN: 403 and a security event

	a := newTestAPI(t)
	req := transactionRequest("API-TX-3")
	req["tenantId"] = uuid.NewString()

	rec := a.do(http.MethodPost, "/api/ledger/transactions", postBody(t, req), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	secEvents, err := a.store.ListSecurityEvents(context.Background(), a.tenantID)
	require.NoError(t, err)
	require.NotEmpty(t, secEvents)
	assert.Equal(t, domain.SecurityTenantMismatch, secEvents[0].EventType)
}

func TestPostTransaction_MissingTenantHeader(t *testing.T) {
	a := newTestAPI(t)
	body := postBody(t, transactionRequest("API-TX-4"))

	rec := a.doWithoutTenant(http.MethodPost, "/api/ledger/transactions", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetBalance_Endpoint(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(http.MethodPost, "/api/ledger/transactions", postBody(t, transactionRequest("API-TX-5")), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(http.MethodGet, "/api/ledger/balances/"+domain.AcctEscrowBank, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var bal api.BalanceDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, domain.AcctEscrowBank, bal.AccountCode)
	assert.Equal(t, "250.00", bal.Balance)
}

func TestGetBalance_UnknownAccount_NotFound(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(http.MethodGet, "/api/ledger/balances/NO-SUCH", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// RBAC
// =============================================================================

func TestReleaseLock_RequiresFinanceAdmin(t *testing.T) {
	// GIVEN: An ACTIVE audit lock
	// WHEN: Releasing without the finance-admin role, then with it
	// THEN: 403 first, then 200

	a := newTestAPI(t)
	ctx := context.Background()

	ctrl := period.NewController(a.store, a.cfg.Period, zap.NewNop())
	lock, err := ctrl.ApplyLock(ctx, period.ApplyLockInput{
		TenantID: a.tenantID, LockType: domain.LockAudit,
		Start: date(2026, time.June, 1), End: date(2026, time.June, 10),
		Reason: "external audit", Actor: "auditor", ActorRole: domain.RoleFinanceAdmin,
	})
	require.NoError(t, err)

	path := "/api/locks/" + lock.ID.String() + "/release"
	body := postBody(t, map[string]string{"notes": "done"})

	rec := a.do(http.MethodPost, path, body, map[string]string{
		"X-Actor-ID": "intern", "X-Actor-Role": "viewer",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodPost, path, body, map[string]string{
		"X-Actor-ID": "admin", "X-Actor-Role": domain.RoleFinanceAdmin,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestApproveOverride_RequiresComplianceAdmin(t *testing.T) {
	a := newTestAPI(t)

	body := postBody(t, map[string]string{
		"requestType":   domain.OverrideSoftClosePosting,
		"justification": "late invoice for the closed month",
	})
	rec := a.do(http.MethodPost, "/api/overrides/", body, map[string]string{
		"X-Actor-ID": "alice", "X-Actor-Role": domain.RoleFinanceAdmin,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var req api.OverrideDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))

	approveBody := postBody(t, map[string]string{"reason": "verified"})
	rec = a.do(http.MethodPost, "/api/overrides/"+req.ID+"/approve", approveBody, map[string]string{
		"X-Actor-ID": "bob", "X-Actor-Role": domain.RoleFinanceAdmin,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodPost, "/api/overrides/"+req.ID+"/approve", approveBody, map[string]string{
		"X-Actor-ID": "bob", "X-Actor-Role": domain.RoleComplianceAdmin,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// =============================================================================
// GATEWAY ENDPOINTS
// =============================================================================

func TestGatewayHealth_Endpoint(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodGet, "/api/gateways/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snaps []api.GatewayHealthDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.Len(t, snaps, 3)
	assert.Equal(t, "ccavenue", snaps[0].Gateway)
	assert.Equal(t, string(router.StatusHealthy), snaps[0].Status)
}
