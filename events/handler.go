/*
Package events translates business events into balanced ledger postings.

PURPOSE:

	Each payment lifecycle event maps to a fixed set of debit/credit legs;
	the tables below are normative and the handler produces exactly those
	legs and no others. Idempotency keys derive from the event's primary
	reference, so replayed webhook deliveries return the original posting
	instead of double-posting.

POSTING RULES:

	payment_success(A, P, G; M = A-P-G)
	  DR ESCROW-BANK A            CR ESCROW-LIABILITY A
	  DR MERCHANT-RECEIVABLE M    CR MERCHANT-PAYABLE M
	  P>0: DR PLATFORM-RECEIVABLE P   CR PLATFORM-MDR P
	  G>0: DR GATEWAY-FEE-EXPENSE G   CR GATEWAY-PAYABLE G

	refund_completed(R, Pr, Gr)
	  DR ESCROW-LIABILITY R       CR ESCROW-BANK R
	  DR MERCHANT-PAYABLE R-Pr-Gr CR MERCHANT-RECEIVABLE R-Pr-Gr
	  Pr>0: DR PLATFORM-MDR Pr    CR PLATFORM-RECEIVABLE Pr

	settlement(S)
	  DR MERCHANT-PAYABLE S       CR MERCHANT-SETTLEMENT S
	  DR ESCROW-LIABILITY S       CR ESCROW-BANK S

	chargeback_debit(C)
	  DR CHARGEBACK-LIABILITY C   CR MERCHANT-RECEIVABLE C
	  DR ESCROW-LIABILITY C       CR ESCROW-BANK C

	chargeback_reversal: ledger reversal of the original chargeback.
	manual_adjustment(V): CR from-account V, DR to-account V; always
	requires an approved override.

The posting gate (periods, locks, overrides) runs inside the ledger
engine; handlers only carry the override request id through.

SEE ALSO:
  - ledger/service.go: The posting engine
  - settlement/machine.go: Composes the settlement posting into its own
    state transition transaction
*/
package events

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/domain"
	"github.com/arthapay/paycore/ledger"
)

// Handler maps business events to ledger postings.
type Handler struct {
	ledger *ledger.Service
	db     domain.DB
	log    *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(db domain.DB, svc *ledger.Service, log *zap.Logger) *Handler {
	return &Handler{ledger: svc, db: db, log: log}
}

// =============================================================================
// PAYMENT SUCCESS
// =============================================================================

// HandlePaymentSuccess posts the capture of a customer payment. The
// merchant's share is the gross amount minus both fees.
func (h *Handler) HandlePaymentSuccess(ctx context.Context, ev domain.PaymentSuccessEvent) (*domain.PostResult, error) {
	in, err := buildPaymentSuccess(ev)
	if err != nil {
		return nil, err
	}
	return h.ledger.PostTransaction(ctx, *in)
}

func buildPaymentSuccess(ev domain.PaymentSuccessEvent) (*domain.PostInput, error) {
	if !ev.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment amount must be positive", domain.ErrInvalidInput)
	}
	if ev.PlatformFee.IsNegative() || ev.GatewayFee.IsNegative() {
		return nil, fmt.Errorf("%w: fees must not be negative", domain.ErrInvalidInput)
	}
	merchant := ev.Amount.Sub(ev.PlatformFee).Sub(ev.GatewayFee)
	if !merchant.IsPositive() {
		return nil, fmt.Errorf("%w: fees exceed the payment amount", domain.ErrInvalidInput)
	}

	entries := []domain.EntryInput{
		{AccountCode: domain.AcctEscrowBank, EntryType: domain.EntryDebit, Amount: ev.Amount, Description: "customer payment received"},
		{AccountCode: domain.AcctEscrowLiability, EntryType: domain.EntryCredit, Amount: ev.Amount, Description: "escrow obligation"},
		{AccountCode: domain.AcctMerchantReceivable, EntryType: domain.EntryDebit, Amount: merchant, Description: "merchant share"},
		{AccountCode: domain.AcctMerchantPayable, EntryType: domain.EntryCredit, Amount: merchant, Description: "payable to merchant"},
	}
	if ev.PlatformFee.IsPositive() {
		entries = append(entries,
			domain.EntryInput{AccountCode: domain.AcctPlatformReceivable, EntryType: domain.EntryDebit, Amount: ev.PlatformFee, Description: "platform MDR earned"},
			domain.EntryInput{AccountCode: domain.AcctPlatformMDR, EntryType: domain.EntryCredit, Amount: ev.PlatformFee, Description: "platform MDR revenue"},
		)
	}
	if ev.GatewayFee.IsPositive() {
		entries = append(entries,
			domain.EntryInput{AccountCode: domain.AcctGatewayFeeExpense, EntryType: domain.EntryDebit, Amount: ev.GatewayFee, Description: "gateway fee incurred"},
			domain.EntryInput{AccountCode: domain.AcctGatewayPayable, EntryType: domain.EntryCredit, Amount: ev.GatewayFee, Description: "payable to gateway"},
		)
	}

	return &domain.PostInput{
		TenantID:            ev.TenantID,
		TransactionRef:      "PAY-" + ev.TransactionID,
		IdempotencyKey:      ev.IdempotencyKey(),
		EventType:           domain.EventPaymentSuccess,
		SourceTransactionID: ev.TransactionID,
		SourceOrderID:       ev.OrderID,
		Amount:              ev.Amount,
		Currency:            ev.Currency,
		Description:         fmt.Sprintf("payment %s via %s", ev.TransactionID, ev.GatewayName),
		Entries:             entries,
		Metadata:            map[string]string{"gateway": ev.GatewayName},
		CreatedBy:           ev.Actor,
		TransactionDate:     ev.OccurredAt,
		OverrideRequestID:   ev.OverrideRequestID,
	}, nil
}

// =============================================================================
// REFUND COMPLETED
// =============================================================================

// HandleRefundCompleted posts the reversal of a capture's financial
// effect. Fee refunds reduce the merchant's clawback; a gateway fee
// refund affects only the merchant legs.
func (h *Handler) HandleRefundCompleted(ctx context.Context, ev domain.RefundCompletedEvent) (*domain.PostResult, error) {
	if !ev.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be positive", domain.ErrInvalidInput)
	}
	if ev.PlatformFee.IsNegative() || ev.GatewayFee.IsNegative() {
		return nil, fmt.Errorf("%w: fee refunds must not be negative", domain.ErrInvalidInput)
	}
	merchant := ev.Amount.Sub(ev.PlatformFee).Sub(ev.GatewayFee)
	if !merchant.IsPositive() {
		return nil, fmt.Errorf("%w: fee refunds exceed the refund amount", domain.ErrInvalidInput)
	}

	entries := []domain.EntryInput{
		{AccountCode: domain.AcctEscrowLiability, EntryType: domain.EntryDebit, Amount: ev.Amount, Description: "escrow obligation released"},
		{AccountCode: domain.AcctEscrowBank, EntryType: domain.EntryCredit, Amount: ev.Amount, Description: "refund paid out"},
		{AccountCode: domain.AcctMerchantPayable, EntryType: domain.EntryDebit, Amount: merchant, Description: "merchant share clawed back"},
		{AccountCode: domain.AcctMerchantReceivable, EntryType: domain.EntryCredit, Amount: merchant, Description: "merchant receivable reduced"},
	}
	if ev.PlatformFee.IsPositive() {
		entries = append(entries,
			domain.EntryInput{AccountCode: domain.AcctPlatformMDR, EntryType: domain.EntryDebit, Amount: ev.PlatformFee, Description: "platform MDR refunded"},
			domain.EntryInput{AccountCode: domain.AcctPlatformReceivable, EntryType: domain.EntryCredit, Amount: ev.PlatformFee, Description: "platform receivable reduced"},
		)
	}
	// The refund stays balanced without gateway legs: the escrow pair
	// and the merchant pair each net to zero, and so does the platform
	// pair when present.

	in := domain.PostInput{
		TenantID:            ev.TenantID,
		TransactionRef:      "REF-" + ev.RefundID,
		IdempotencyKey:      ev.IdempotencyKey(),
		EventType:           domain.EventRefundCompleted,
		SourceTransactionID: ev.OriginalTxnID,
		SourceOrderID:       ev.OrderID,
		Amount:              ev.Amount,
		Currency:            ev.Currency,
		Description:         fmt.Sprintf("refund %s of payment %s", ev.RefundID, ev.OriginalTxnID),
		Entries:             entries,
		Metadata:            map[string]string{"gateway": ev.GatewayName},
		CreatedBy:           ev.Actor,
		TransactionDate:     ev.OccurredAt,
		OverrideRequestID:   ev.OverrideRequestID,
	}
	return h.ledger.PostTransaction(ctx, in)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// HandleSettlement posts the payout of escrowed funds to the merchant.
func (h *Handler) HandleSettlement(ctx context.Context, ev domain.SettlementCompletedEvent) (*domain.PostResult, error) {
	var result *domain.PostResult
	err := h.db.WithTx(ctx, func(st domain.Store) error {
		var err error
		result, err = h.PostSettlementWithStore(ctx, st, ev)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PostSettlementWithStore posts the settlement legs against an existing
// store view. The settlement state machine composes this into the same
// database transaction as its BANK_CONFIRMED -> SETTLED move, so a
// refused posting gate rolls the state change back too.
func (h *Handler) PostSettlementWithStore(ctx context.Context, st domain.Store, ev domain.SettlementCompletedEvent) (*domain.PostResult, error) {
	if !ev.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: settlement amount must be positive", domain.ErrInvalidInput)
	}

	in := domain.PostInput{
		TenantID:            ev.TenantID,
		TransactionRef:      "SETL-" + ev.SettlementID,
		IdempotencyKey:      ev.IdempotencyKey(),
		EventType:           domain.EventSettlementCompleted,
		SourceTransactionID: ev.SettlementID,
		Amount:              ev.Amount,
		Currency:            ev.Currency,
		Description:         fmt.Sprintf("settlement %s to merchant %s (UTR %s)", ev.SettlementID, ev.MerchantID, ev.UTRNumber),
		Entries: []domain.EntryInput{
			{AccountCode: domain.AcctMerchantPayable, EntryType: domain.EntryDebit, Amount: ev.Amount, Description: "merchant payable settled"},
			{AccountCode: domain.AcctMerchantSettlement, EntryType: domain.EntryCredit, Amount: ev.Amount, Description: "settlement clearing"},
			{AccountCode: domain.AcctEscrowLiability, EntryType: domain.EntryDebit, Amount: ev.Amount, Description: "escrow obligation released"},
			{AccountCode: domain.AcctEscrowBank, EntryType: domain.EntryCredit, Amount: ev.Amount, Description: "funds disbursed to merchant"},
		},
		Metadata:        map[string]string{"utr": ev.UTRNumber, "merchant": ev.MerchantID},
		CreatedBy:       ev.Actor,
		TransactionDate: ev.OccurredAt,
	}
	return h.ledger.PostWithStore(ctx, st, in)
}

// =============================================================================
// CHARGEBACKS
// =============================================================================

// HandleChargebackDebit posts the bank's clawback of a disputed
// capture.
func (h *Handler) HandleChargebackDebit(ctx context.Context, ev domain.ChargebackEvent) (*domain.PostResult, error) {
	if !ev.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: chargeback amount must be positive", domain.ErrInvalidInput)
	}

	in := domain.PostInput{
		TenantID:            ev.TenantID,
		TransactionRef:      "CHBK-" + ev.ChargebackID,
		IdempotencyKey:      ev.IdempotencyKey(),
		EventType:           domain.EventChargeback,
		SourceTransactionID: ev.OriginalTxnID,
		SourceOrderID:       ev.OrderID,
		Amount:              ev.Amount,
		Currency:            ev.Currency,
		Description:         fmt.Sprintf("chargeback %s against payment %s", ev.ChargebackID, ev.OriginalTxnID),
		Entries: []domain.EntryInput{
			{AccountCode: domain.AcctChargebackLiability, EntryType: domain.EntryDebit, Amount: ev.Amount, Description: "disputed amount held"},
			{AccountCode: domain.AcctMerchantReceivable, EntryType: domain.EntryCredit, Amount: ev.Amount, Description: "merchant receivable reduced"},
			{AccountCode: domain.AcctEscrowLiability, EntryType: domain.EntryDebit, Amount: ev.Amount, Description: "escrow obligation released"},
			{AccountCode: domain.AcctEscrowBank, EntryType: domain.EntryCredit, Amount: ev.Amount, Description: "funds returned to issuer"},
		},
		CreatedBy:       ev.Actor,
		TransactionDate: ev.OccurredAt,
	}
	return h.ledger.PostTransaction(ctx, in)
}

// HandleChargebackReversal reverses the original chargeback posting
// when the merchant wins the dispute. The original is located by the
// chargeback's deterministic idempotency key.
func (h *Handler) HandleChargebackReversal(ctx context.Context, tenantID uuid.UUID, chargebackID, actor string) (*domain.PostResult, error) {
	key := fmt.Sprintf("chargeback-debit-%s", chargebackID)
	orig, err := h.db.GetTransactionByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, fmt.Errorf("%w: no chargeback posting for %s", domain.ErrTransactionNotFound, chargebackID)
	}
	if orig.TenantID != tenantID {
		return nil, fmt.Errorf("%w: chargeback %s", domain.ErrTenantMismatch, chargebackID)
	}
	return h.ledger.ReverseTransaction(ctx, tenantID, orig.ID,
		fmt.Sprintf("chargeback %s reversed in merchant's favor", chargebackID), actor)
}

// =============================================================================
// MANUAL ADJUSTMENT
// =============================================================================

// HandleManualAdjustment posts a correction between two named accounts.
// An approved override request stands in for the second approver and is
// validated before anything is written.
func (h *Handler) HandleManualAdjustment(ctx context.Context, ev domain.ManualAdjustmentEvent) (*domain.PostResult, error) {
	if !ev.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: adjustment amount must be positive", domain.ErrInvalidInput)
	}
	if ev.DebitAccountCode == "" || ev.CreditAccountCode == "" {
		return nil, fmt.Errorf("%w: both account codes are required", domain.ErrInvalidInput)
	}
	if ev.OverrideRequestID == nil {
		return nil, fmt.Errorf("%w: manual adjustments need an approved override", domain.ErrOverrideRequired)
	}

	var result *domain.PostResult
	err := h.db.WithTx(ctx, func(st domain.Store) error {
		req, err := st.GetOverrideRequest(ctx, ev.TenantID, *ev.OverrideRequestID)
		if err != nil {
			return err
		}
		if req == nil || req.Status != domain.OverrideApproved {
			return fmt.Errorf("%w: adjustment override %s", domain.ErrOverrideNotUsable, ev.OverrideRequestID)
		}

		in := domain.PostInput{
			TenantID:       ev.TenantID,
			TransactionRef: "ADJ-" + ev.AdjustmentID,
			IdempotencyKey: ev.IdempotencyKey(),
			EventType:      domain.EventManualAdjustment,
			Amount:         ev.Amount,
			Currency:       ev.Currency,
			Description:    ev.Reason,
			Entries: []domain.EntryInput{
				{AccountCode: ev.CreditAccountCode, EntryType: domain.EntryCredit, Amount: ev.Amount, Description: ev.Reason},
				{AccountCode: ev.DebitAccountCode, EntryType: domain.EntryDebit, Amount: ev.Amount, Description: ev.Reason},
			},
			Metadata:          map[string]string{"approver": req.ApproverID},
			CreatedBy:         ev.Actor,
			TransactionDate:   ev.OccurredAt,
			OverrideRequestID: ev.OverrideRequestID,
		}
		result, err = h.ledger.PostWithStore(ctx, st, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	h.log.Info("manual adjustment posted",
		zap.String("tenant", ev.TenantID.String()),
		zap.String("adjustment", ev.AdjustmentID),
		zap.String("amount", ev.Amount.String()))
	return result, nil
}

// FeeSplit computes the platform and gateway fees for a gross amount
// from percentage and fixed components, rounded to the currency's minor
// unit. Used by the webhook intake to derive payment_success events.
func FeeSplit(amount, mdrPercent, gatewayFixed, gatewayPercent decimal.Decimal) (platformFee, gatewayFee decimal.Decimal) {
	hundred := decimal.NewFromInt(100)
	platformFee = amount.Mul(mdrPercent).Div(hundred).Round(2)
	gatewayFee = gatewayFixed.Add(amount.Mul(gatewayPercent).Div(hundred)).Round(2)
	return platformFee, gatewayFee
}
