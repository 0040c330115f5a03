package api_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/api"
	"github.com/arthapay/paycore/approval"
	"github.com/arthapay/paycore/config"
	"github.com/arthapay/paycore/domain"
	"github.com/arthapay/paycore/events"
	"github.com/arthapay/paycore/ledger"
	"github.com/arthapay/paycore/period"
	"github.com/arthapay/paycore/recon"
	"github.com/arthapay/paycore/router"
	"github.com/arthapay/paycore/settlement"
	"github.com/arthapay/paycore/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testAPI struct {
	mux      http.Handler
	store    *sqlite.Store
	ledger   *ledger.Service
	machine  *settlement.Machine
	cfg      config.Config
	tenantID uuid.UUID
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tenantID := uuid.New()
	ctx := context.Background()
	for _, a := range domain.SeededChart(tenantID) {
		require.NoError(t, store.InsertAccount(ctx, a))
	}

	cfg := config.Defaults()
	log := zap.NewNop()
	svc := ledger.NewService(store, cfg.Ledger, log)
	periods := period.NewController(store, cfg.Period, log)
	overrides := approval.NewService(store, log)
	eventsH := events.NewHandler(store, svc, log)
	machine := settlement.NewMachine(store, eventsH, cfg.Settlement, log)
	reconSvc := recon.NewService(store, log)
	tracker := router.NewHealthTracker(cfg.Router.Priority, nil)
	rt := router.New(cfg.Router, tracker, nil)

	handler := api.NewHandler(store, cfg, log, svc, periods, machine, overrides, reconSvc, eventsH, rt, tracker, nil)
	return &testAPI{
		mux:      api.NewRouter(handler, prometheus.NewRegistry()),
		store:    store,
		ledger:   svc,
		machine:  machine,
		cfg:      cfg,
		tenantID: tenantID,
	}
}

// do performs one request against the full middleware stack.
func (a *testAPI) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", a.tenantID.String())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(a.cfg.Webhook.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *testAPI) balance(t *testing.T, code string) decimal.Decimal {
	t.Helper()
	bal, err := a.ledger.GetAccountBalance(context.Background(), a.tenantID, code, nil)
	require.NoError(t, err)
	return bal.Balance
}

func webhookBody(t *testing.T, txnID, status string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"transactionId": txnID,
		"qrCodeId":      "QR-1",
		"orderId":       "ORD-" + txnID,
		"gateway":       "razorpay",
		"amount":        "1000.00",
		"currency":      "INR",
		"status":        status,
		"payerVpa":      "customer@upi",
	})
	require.NoError(t, err)
	return body
}

// =============================================================================
// SIGNATURE VERIFICATION
// =============================================================================

func TestUPIWebhook_BadSignature_Rejected(t *testing.T) {
	// GIVEN: A well-formed callback with a wrong signature
	// WHEN: Delivering it
	// THEN: 401, a security event lands, and nothing posts

	a := newTestAPI(t)
	body := webhookBody(t, "UPI-1", "SUCCESS")

	rec := a.do(http.MethodPost, "/api/webhooks/upi/qr", body,
		map[string]string{"X-Webhook-Signature": "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	secEvents, err := a.store.ListSecurityEvents(context.Background(), a.tenantID)
	require.NoError(t, err)
	require.NotEmpty(t, secEvents)
	assert.Equal(t, domain.SecurityWebhookBadSignature, secEvents[0].EventType)

	assert.True(t, a.balance(t, domain.AcctEscrowBank).IsZero())
}

func TestUPIWebhook_MissingSignature_Rejected(t *testing.T) {
	a := newTestAPI(t)
	body := webhookBody(t, "UPI-2", "SUCCESS")

	rec := a.do(http.MethodPost, "/api/webhooks/upi/qr", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// =============================================================================
// CAPTURE POSTING
// =============================================================================

func TestUPIWebhook_Success_PostsCapture(t *testing.T) {
	// GIVEN: A signed SUCCESS callback for 1000 via razorpay
	// WHEN: Delivering it
	// THEN: The capture posts with fees derived from configuration
	//       (2% MDR = 20; razorpay 0 fixed + 2% = 20)

	a := newTestAPI(t)
	body := webhookBody(t, "UPI-3", "SUCCESS")

	rec := a.do(http.MethodPost, "/api/webhooks/upi/qr", body,
		map[string]string{"X-Webhook-Signature": a.sign(body)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ack api.UPIWebhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Success)
	assert.True(t, ack.Acknowledged)
	assert.Equal(t, "success", ack.Status)

	assert.True(t, a.balance(t, domain.AcctEscrowBank).Equal(decimal.NewFromInt(1000)))
	assert.True(t, a.balance(t, domain.AcctPlatformReceivable).Equal(decimal.NewFromInt(20)))
	assert.True(t, a.balance(t, domain.AcctGatewayFeeExpense).Equal(decimal.NewFromInt(20)))
	assert.True(t, a.balance(t, domain.AcctMerchantReceivable).Equal(decimal.NewFromInt(960)))
}

func TestUPIWebhook_Redelivery_PostsOnce(t *testing.T) {
	a := newTestAPI(t)
	body := webhookBody(t, "UPI-4", "SUCCESS")
	headers := map[string]string{"X-Webhook-Signature": a.sign(body)}

	rec := a.do(http.MethodPost, "/api/webhooks/upi/qr", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = a.do(http.MethodPost, "/api/webhooks/upi/qr", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.True(t, a.balance(t, domain.AcctEscrowBank).Equal(decimal.NewFromInt(1000)))
}

func TestUPIWebhook_FailedStatus_AckedNotPosted(t *testing.T) {
	a := newTestAPI(t)
	body := webhookBody(t, "UPI-5", "FAILED")

	rec := a.do(http.MethodPost, "/api/webhooks/upi/qr", body,
		map[string]string{"X-Webhook-Signature": a.sign(body)})
	require.Equal(t, http.StatusOK, rec.Code)

	var ack api.UPIWebhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, "failed", ack.Status)

	assert.True(t, a.balance(t, domain.AcctEscrowBank).IsZero())
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestUPIWebhook_MissingReference_Refused(t *testing.T) {
	a := newTestAPI(t)
	body, err := json.Marshal(map[string]string{
		"transactionId": "UPI-6",
		"gateway":       "razorpay",
		"amount":        "100.00",
		"status":        "SUCCESS",
	})
	require.NoError(t, err)

	rec := a.do(http.MethodPost, "/api/webhooks/upi/qr", body,
		map[string]string{"X-Webhook-Signature": a.sign(body)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUPIWebhook_UnknownStatus_Refused(t *testing.T) {
	a := newTestAPI(t)
	body := webhookBody(t, "UPI-7", "MAYBE")

	rec := a.do(http.MethodPost, "/api/webhooks/upi/qr", body,
		map[string]string{"X-Webhook-Signature": a.sign(body)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUPIWebhook_MissingTenant_Rejected(t *testing.T) {
	a := newTestAPI(t)
	body := webhookBody(t, "UPI-8", "SUCCESS")

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/upi/qr", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", a.sign(body))
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
