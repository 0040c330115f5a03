/*
events.go - Business event payloads

PURPOSE:
Each payment lifecycle event carries exactly the fields its posting rule
needs. The events package translates these into balanced entry sets; the
types here stay free of any ledger knowledge so gateways and webhook
handlers can construct them directly.

IDEMPOTENCY:
Every event derives a deterministic idempotency key from its primary
reference. Replaying the same event therefore returns the original
transaction instead of double-posting.
*/
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types accepted by the posting engine.
const (
	EventPaymentSuccess      = "PAYMENT_SUCCESS"
	EventRefundCompleted     = "REFUND_COMPLETED"
	EventSettlementCompleted = "SETTLEMENT_COMPLETED"
	EventChargeback          = "CHARGEBACK"
	EventManualAdjustment    = "MANUAL_ADJUSTMENT"
)

// PaymentSuccessEvent is emitted when a gateway confirms a capture.
// Amount is the gross order amount; PlatformFee and GatewayFee are
// carved out of it by the posting rule.
type PaymentSuccessEvent struct {
	TenantID          uuid.UUID
	TransactionID     string
	OrderID           string
	GatewayName       string
	Amount            decimal.Decimal
	PlatformFee       decimal.Decimal
	GatewayFee        decimal.Decimal
	Currency          string
	OccurredAt        time.Time
	Actor             string
	OverrideRequestID *uuid.UUID
}

// IdempotencyKey returns the deterministic key for this capture.
func (e PaymentSuccessEvent) IdempotencyKey() string {
	return fmt.Sprintf("payment-success-%s", e.TransactionID)
}

// RefundCompletedEvent is emitted when a gateway confirms a refund.
// Fees are returned in proportion to the refunded amount as computed
// by the caller.
type RefundCompletedEvent struct {
	TenantID          uuid.UUID
	RefundID          string
	OriginalTxnID     string
	OrderID           string
	GatewayName       string
	Amount            decimal.Decimal
	PlatformFee       decimal.Decimal
	GatewayFee        decimal.Decimal
	Currency          string
	OccurredAt        time.Time
	Actor             string
	OverrideRequestID *uuid.UUID
}

// IdempotencyKey returns the deterministic key for this refund.
func (e RefundCompletedEvent) IdempotencyKey() string {
	return fmt.Sprintf("refund-completed-%s", e.RefundID)
}

// SettlementCompletedEvent is emitted when a payout to the merchant
// bank account is confirmed settled.
type SettlementCompletedEvent struct {
	TenantID     uuid.UUID
	SettlementID string
	MerchantID   string
	Amount       decimal.Decimal
	Currency     string
	UTRNumber    string
	OccurredAt   time.Time
	Actor        string
}

// IdempotencyKey returns the deterministic key for this settlement.
func (e SettlementCompletedEvent) IdempotencyKey() string {
	return fmt.Sprintf("settlement-%s", e.SettlementID)
}

// ChargebackEvent is emitted when an issuing bank debits a disputed
// capture back from the platform.
type ChargebackEvent struct {
	TenantID      uuid.UUID
	ChargebackID  string
	OriginalTxnID string
	OrderID       string
	Amount        decimal.Decimal
	Currency      string
	OccurredAt    time.Time
	Actor         string
}

// IdempotencyKey returns the deterministic key for this chargeback.
func (e ChargebackEvent) IdempotencyKey() string {
	return fmt.Sprintf("chargeback-debit-%s", e.ChargebackID)
}

// ManualAdjustmentEvent is a finance-admin correction posting between
// two named accounts. It always requires an approved override.
type ManualAdjustmentEvent struct {
	TenantID          uuid.UUID
	AdjustmentID      string
	DebitAccountCode  string
	CreditAccountCode string
	Amount            decimal.Decimal
	Currency          string
	Reason            string
	OccurredAt        time.Time
	Actor             string
	OverrideRequestID *uuid.UUID
}

// IdempotencyKey returns the deterministic key for this adjustment.
func (e ManualAdjustmentEvent) IdempotencyKey() string {
	return fmt.Sprintf("manual-adjustment-%s", e.AdjustmentID)
}
