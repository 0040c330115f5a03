/*
payments.go - Payment initiation through the smart router

PURPOSE:
  POST /api/payments runs a collect request through the dispatcher:
  gateway selection, breaker-wrapped processor call, health recording,
  and fallback. A successful capture is then posted to the ledger as a
  payment_success event with fees derived from the winning gateway's
  cost table. The gateway call happens first and the ledger posting
  after; no database transaction is held across the network call.

SEE ALSO:
  - router/dispatcher.go: Selection and fallback
  - events/handler.go: payment_success posting rule
*/
package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arthapay/paycore/domain"
	"github.com/arthapay/paycore/events"
	"github.com/arthapay/paycore/router"
)

// InitiatePaymentRequest starts a collect through the router.
type InitiatePaymentRequest struct {
	OrderID  string            `json:"orderId" validate:"required"`
	Amount   string            `json:"amount" validate:"required"`
	Currency string            `json:"currency,omitempty"`
	Method   string            `json:"method,omitempty"`
	VPA      string            `json:"vpa,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PaymentResponseDTO reports the gateway outcome plus the posted
// ledger transaction.
type PaymentResponseDTO struct {
	Gateway      string         `json:"gateway"`
	GatewayTxnID string         `json:"gatewayTxnId"`
	Status       string         `json:"status"`
	DurationMs   int64          `json:"durationMs"`
	Posting      *PostResultDTO `json:"posting,omitempty"`
}

// InitiatePayment handles POST /api/payments.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok || !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a positive decimal string")
		return
	}

	ctx := r.Context()
	tenantID := tenantFrom(ctx)
	result, err := h.Dispatcher.Dispatch(ctx, router.PaymentRequest{
		TenantID: tenantID.String(),
		OrderID:  req.OrderID,
		Amount:   amount,
		Currency: req.Currency,
		Method:   req.Method,
		VPA:      req.VPA,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	costs := h.Cfg.Router.Costs[result.Gateway]
	platformFee, gatewayFee := events.FeeSplit(amount, h.Cfg.Ledger.PlatformMDRPercent,
		costs.FixedFee, costs.PercentageFee)

	actor, _ := actorFrom(ctx)
	if actor == "" {
		actor = "api"
	}
	posting, err := h.Events.HandlePaymentSuccess(ctx, domain.PaymentSuccessEvent{
		TenantID:      tenantID,
		TransactionID: result.GatewayTxnID,
		OrderID:       req.OrderID,
		GatewayName:   result.Gateway,
		Amount:        amount,
		PlatformFee:   platformFee,
		GatewayFee:    gatewayFee,
		Currency:      req.Currency,
		OccurredAt:    time.Now().UTC(),
		Actor:         actor,
	})
	if err != nil {
		// The capture is real even when the posting is refused; report
		// both so the caller can reconcile.
		h.Log.Error("capture posted at gateway but ledger posting failed",
			zap.String("gateway", result.Gateway),
			zap.String("gateway_txn_id", result.GatewayTxnID),
			zap.Error(err))
		h.writeDomainError(w, r, err)
		return
	}

	dto := PaymentResponseDTO{
		Gateway:      result.Gateway,
		GatewayTxnID: result.GatewayTxnID,
		Status:       result.Status,
		DurationMs:   result.Duration.Milliseconds(),
	}
	postingDTO := toPostResultDTO(posting)
	dto.Posting = &postingDTO
	writeJSON(w, http.StatusCreated, dto)
}
