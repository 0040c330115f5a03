/*
webhook.go - UPI QR payment webhook intake

PURPOSE:
  Receives gateway callbacks for QR-based UPI collections, verifies
  their HMAC signature, and posts successful captures into the ledger
  through the payment_success event handler.

SIGNATURE:
  X-Webhook-Signature carries the hex HMAC-SHA256 of the raw request
  body computed with the shared webhook secret. Verification is
  mandatory and constant-time; a bad or missing signature is answered
  with 401, recorded as a security event, and the body is never
  processed.

STATUS MAPPING:
  SUCCESS, COMPLETED  -> success   (posted to the ledger)
  FAILED,  FAILURE    -> failed    (acknowledged, not posted)
  PENDING             -> pending
  PROCESSING          -> processing

FEES:
  The gateway fee is derived from the configured per-gateway cost table
  (fixed + percentage) and the platform fee from the configured MDR.
  The posting's idempotency key comes from the gateway transaction id,
  so redelivered webhooks replay instead of double-posting.

SEE ALSO:
  - events/handler.go: payment_success posting rule
  - config/config.go: Webhook secret and gateway cost table
*/
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arthapay/paycore/domain"
	"github.com/arthapay/paycore/events"
)

// UPIWebhookRequest is the gateway callback body. At least one of
// qrCodeId and orderId must be present.
type UPIWebhookRequest struct {
	TransactionID string `json:"transactionId"`
	QRCodeID      string `json:"qrCodeId,omitempty"`
	OrderID       string `json:"orderId,omitempty"`
	Gateway       string `json:"gateway"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency,omitempty"`
	Status        string `json:"status"`
	PayerVPA      string `json:"payerVpa,omitempty"`
	OccurredAt    string `json:"occurredAt,omitempty"`
}

// UPIWebhookAck is the acknowledgement returned to the gateway.
type UPIWebhookAck struct {
	Success       bool   `json:"success"`
	Acknowledged  bool   `json:"acknowledged"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
}

// UPIWebhook handles POST /api/webhooks/upi/qr.
func (h *Handler) UPIWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "could not read request body")
		return
	}

	if !h.verifySignature(body, r.Header.Get("X-Webhook-Signature")) {
		ev := domain.NewSecurityEvent(tenantFrom(r.Context()), domain.SecurityWebhookBadSignature,
			"webhook", "signature verification failed for /api/webhooks/upi/qr")
		if insertErr := h.DB.InsertSecurityEvent(r.Context(), ev); insertErr != nil {
			h.Log.Error("security event write failed", zap.Error(insertErr))
		}
		writeError(w, http.StatusUnauthorized, "bad_signature", "webhook signature verification failed")
		return
	}

	var req UPIWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}
	if req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "transactionId is required")
		return
	}
	if req.QRCodeID == "" && req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "one of qrCodeId or orderId is required")
		return
	}

	status, known := mapWebhookStatus(req.Status)
	if !known {
		writeError(w, http.StatusBadRequest, "validation_failed", "unrecognized status "+req.Status)
		return
	}

	if status == "success" {
		if ok := h.postWebhookCapture(w, r, req); !ok {
			return
		}
	}

	writeJSON(w, http.StatusOK, UPIWebhookAck{
		Success:       true,
		Acknowledged:  true,
		TransactionID: req.TransactionID,
		Status:        status,
	})
}

// postWebhookCapture posts a successful capture via the payment_success
// handler. Fees derive from the gateway cost table and the platform MDR.
func (h *Handler) postWebhookCapture(w http.ResponseWriter, r *http.Request, req UPIWebhookRequest) bool {
	amount, ok := parseAmount(req.Amount)
	if !ok || !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a positive decimal string")
		return false
	}

	gateway := strings.ToLower(req.Gateway)
	costs := h.Cfg.Router.Costs[gateway]
	platformFee, gatewayFee := events.FeeSplit(amount, h.Cfg.Ledger.PlatformMDRPercent,
		costs.FixedFee, costs.PercentageFee)

	occurredAt := time.Now().UTC()
	if req.OccurredAt != "" {
		if t, err := time.Parse(time.RFC3339, req.OccurredAt); err == nil {
			occurredAt = t
		}
	}

	_, err := h.Events.HandlePaymentSuccess(r.Context(), domain.PaymentSuccessEvent{
		TenantID:      tenantFrom(r.Context()),
		TransactionID: req.TransactionID,
		OrderID:       req.OrderID,
		GatewayName:   gateway,
		Amount:        amount,
		PlatformFee:   platformFee,
		GatewayFee:    gatewayFee,
		Currency:      req.Currency,
		OccurredAt:    occurredAt,
		Actor:         "webhook:" + gateway,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return false
	}

	h.Log.Info("webhook capture posted",
		zap.String("gateway", gateway),
		zap.String("transaction_id", req.TransactionID),
		zap.String("amount", amount.StringFixed(2)))
	return true
}

// verifySignature checks the hex HMAC-SHA256 of the raw body in
// constant time.
func (h *Handler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.Cfg.Webhook.Secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func mapWebhookStatus(raw string) (string, bool) {
	switch strings.ToUpper(raw) {
	case "SUCCESS", "COMPLETED":
		return "success", true
	case "FAILED", "FAILURE":
		return "failed", true
	case "PENDING":
		return "pending", true
	case "PROCESSING":
		return "processing", true
	}
	return "", false
}
