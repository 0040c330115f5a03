package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/approval"
	"github.com/arthapay/paycore/config"
	"github.com/arthapay/paycore/domain"
	"github.com/arthapay/paycore/events"
	"github.com/arthapay/paycore/ledger"
	"github.com/arthapay/paycore/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testEnv struct {
	store    *sqlite.Store
	ledger   *ledger.Service
	handler  *events.Handler
	approval *approval.Service
	tenantID uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tenantID := uuid.New()
	ctx := context.Background()
	for _, a := range domain.SeededChart(tenantID) {
		require.NoError(t, store.InsertAccount(ctx, a))
	}

	log := zap.NewNop()
	svc := ledger.NewService(store, config.Defaults().Ledger, log)
	return &testEnv{
		store:    store,
		ledger:   svc,
		handler:  events.NewHandler(store, svc, log),
		approval: approval.NewService(store, log),
		tenantID: tenantID,
	}
}

func (env *testEnv) balance(t *testing.T, code string) decimal.Decimal {
	t.Helper()
	bal, err := env.ledger.GetAccountBalance(context.Background(), env.tenantID, code, nil)
	require.NoError(t, err)
	return bal.Balance
}

func (env *testEnv) assertBalance(t *testing.T, code string, want int64) {
	t.Helper()
	got := env.balance(t, code)
	assert.True(t, got.Equal(decimal.NewFromInt(want)),
		"%s: want %d, got %s", code, want, got)
}

func paymentEvent(tenantID uuid.UUID, txnID string, amount, platform, gateway int64) domain.PaymentSuccessEvent {
	return domain.PaymentSuccessEvent{
		TenantID:      tenantID,
		TransactionID: txnID,
		OrderID:       "ORD-" + txnID,
		GatewayName:   "razorpay",
		Amount:        decimal.NewFromInt(amount),
		PlatformFee:   decimal.NewFromInt(platform),
		GatewayFee:    decimal.NewFromInt(gateway),
		Currency:      "INR",
		OccurredAt:    time.Now().UTC(),
		Actor:         "test",
	}
}

// =============================================================================
// PAYMENT SUCCESS
// =============================================================================

func TestHandlePaymentSuccess_FullFeeSplit(t *testing.T) {
	// GIVEN: A capture of 1000 with platform fee 20 and gateway fee 5
	// WHEN: Handling the payment success event
	// THEN: Eight entries post and every account lands on its expected
	//       running balance

	env := newTestEnv(t)

	res, err := env.handler.HandlePaymentSuccess(context.Background(), paymentEvent(env.tenantID, "TXN-1", 1000, 20, 5))
	require.NoError(t, err)

	assert.Equal(t, "PAY-TXN-1", res.Transaction.TransactionRef)
	assert.Equal(t, domain.TxPosted, res.Transaction.Status)
	assert.Len(t, res.Entries, 8)

	env.assertBalance(t, domain.AcctEscrowBank, 1000)
	env.assertBalance(t, domain.AcctEscrowLiability, 1000)
	env.assertBalance(t, domain.AcctMerchantReceivable, 975)
	env.assertBalance(t, domain.AcctMerchantPayable, 975)
	env.assertBalance(t, domain.AcctPlatformReceivable, 20)
	env.assertBalance(t, domain.AcctPlatformMDR, 20)
	env.assertBalance(t, domain.AcctGatewayFeeExpense, 5)
	env.assertBalance(t, domain.AcctGatewayPayable, 5)
}

func TestHandlePaymentSuccess_ZeroFees_FourEntries(t *testing.T) {
	// GIVEN: A capture with zero platform and gateway fees
	// WHEN: Handling it
	// THEN: Only the escrow and merchant pairs post

	env := newTestEnv(t)

	res, err := env.handler.HandlePaymentSuccess(context.Background(), paymentEvent(env.tenantID, "TXN-2", 500, 0, 0))
	require.NoError(t, err)
	assert.Len(t, res.Entries, 4)

	env.assertBalance(t, domain.AcctMerchantReceivable, 500)
	env.assertBalance(t, domain.AcctPlatformMDR, 0)
}

func TestHandlePaymentSuccess_FeesExceedAmount_Refused(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.handler.HandlePaymentSuccess(context.Background(), paymentEvent(env.tenantID, "TXN-3", 100, 90, 20))
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestHandlePaymentSuccess_Redelivery_Idempotent(t *testing.T) {
	// GIVEN: A handled capture
	// WHEN: The same event arrives again (webhook redelivery)
	// THEN: The original posting returns and balances do not double

	env := newTestEnv(t)
	ctx := context.Background()
	ev := paymentEvent(env.tenantID, "TXN-4", 1000, 20, 5)

	first, err := env.handler.HandlePaymentSuccess(ctx, ev)
	require.NoError(t, err)

	second, err := env.handler.HandlePaymentSuccess(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	env.assertBalance(t, domain.AcctEscrowBank, 1000)
}

// =============================================================================
// REFUND
// =============================================================================

func TestHandleRefundCompleted_ZeroesOutCapture(t *testing.T) {
	// GIVEN: A capture of 1000/20/5 followed by a full refund with both
	//        fees returned
	// WHEN: Handling the refund
	// THEN: All balances except the gateway pair return to zero

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.handler.HandlePaymentSuccess(ctx, paymentEvent(env.tenantID, "TXN-5", 1000, 20, 5))
	require.NoError(t, err)

	_, err = env.handler.HandleRefundCompleted(ctx, domain.RefundCompletedEvent{
		TenantID:      env.tenantID,
		RefundID:      "RFD-1",
		OriginalTxnID: "TXN-5",
		OrderID:       "ORD-TXN-5",
		GatewayName:   "razorpay",
		Amount:        decimal.NewFromInt(1000),
		PlatformFee:   decimal.NewFromInt(20),
		GatewayFee:    decimal.NewFromInt(5),
		Currency:      "INR",
		OccurredAt:    time.Now().UTC(),
		Actor:         "test",
	})
	require.NoError(t, err)

	env.assertBalance(t, domain.AcctEscrowBank, 0)
	env.assertBalance(t, domain.AcctEscrowLiability, 0)
	env.assertBalance(t, domain.AcctMerchantReceivable, 0)
	env.assertBalance(t, domain.AcctMerchantPayable, 0)
	env.assertBalance(t, domain.AcctPlatformReceivable, 0)
	env.assertBalance(t, domain.AcctPlatformMDR, 0)

	// Gateway fees are not returned by the gateway.
	env.assertBalance(t, domain.AcctGatewayFeeExpense, 5)
	env.assertBalance(t, domain.AcctGatewayPayable, 5)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestHandleSettlement_MovesPayableToSettlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.handler.HandlePaymentSuccess(ctx, paymentEvent(env.tenantID, "TXN-6", 1000, 20, 5))
	require.NoError(t, err)

	res, err := env.handler.HandleSettlement(ctx, domain.SettlementCompletedEvent{
		TenantID:     env.tenantID,
		SettlementID: "SETL-1",
		MerchantID:   "M-1",
		Amount:       decimal.NewFromInt(975),
		Currency:     "INR",
		UTRNumber:    "UTR-XYZ",
		OccurredAt:   time.Now().UTC(),
		Actor:        "test",
	})
	require.NoError(t, err)
	assert.Equal(t, "SETL-SETL-1", res.Transaction.TransactionRef)

	env.assertBalance(t, domain.AcctMerchantPayable, 0)
	env.assertBalance(t, domain.AcctMerchantSettlement, 975)
	env.assertBalance(t, domain.AcctEscrowBank, 25)
	env.assertBalance(t, domain.AcctEscrowLiability, 25)
}

// =============================================================================
// CHARGEBACKS
// =============================================================================

func TestHandleChargeback_DebitThenReversal(t *testing.T) {
	// GIVEN: A capture and a chargeback debited against it
	// WHEN: The merchant wins and the chargeback is reversed
	// THEN: The reversal restores the pre-chargeback balances

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.handler.HandlePaymentSuccess(ctx, paymentEvent(env.tenantID, "TXN-7", 1000, 20, 5))
	require.NoError(t, err)

	_, err = env.handler.HandleChargebackDebit(ctx, domain.ChargebackEvent{
		TenantID:      env.tenantID,
		ChargebackID:  "CB-1",
		OriginalTxnID: "TXN-7",
		OrderID:       "ORD-TXN-7",
		Amount:        decimal.NewFromInt(975),
		Currency:      "INR",
		OccurredAt:    time.Now().UTC(),
		Actor:         "bank",
	})
	require.NoError(t, err)

	// CHARGEBACK-LIABILITY is credit-normal; the debit hold shows as a
	// negative signed balance until resolution.
	env.assertBalance(t, domain.AcctChargebackLiability, -975)
	env.assertBalance(t, domain.AcctMerchantReceivable, 0)
	env.assertBalance(t, domain.AcctEscrowBank, 25)

	rev, err := env.handler.HandleChargebackReversal(ctx, env.tenantID, "CB-1", "ops")
	require.NoError(t, err)
	assert.Equal(t, "CHBK-CB-1-REV", rev.Transaction.TransactionRef)

	env.assertBalance(t, domain.AcctChargebackLiability, 0)
	env.assertBalance(t, domain.AcctMerchantReceivable, 975)
	env.assertBalance(t, domain.AcctEscrowBank, 1000)
}

func TestHandleChargebackReversal_UnknownChargeback(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.handler.HandleChargebackReversal(context.Background(), env.tenantID, "CB-NOPE", "ops")
	assert.True(t, errors.Is(err, domain.ErrTransactionNotFound))
}

// =============================================================================
// MANUAL ADJUSTMENT
// =============================================================================

func TestHandleManualAdjustment_RequiresApprovedOverride(t *testing.T) {
	// GIVEN: A manual adjustment without an override
	// WHEN: Handling it
	// THEN: OverrideRequired

	env := newTestEnv(t)

	ev := domain.ManualAdjustmentEvent{
		TenantID:          env.tenantID,
		AdjustmentID:      "ADJ-1",
		DebitAccountCode:  domain.AcctEscrowBank,
		CreditAccountCode: domain.AcctEscrowLiability,
		Amount:            decimal.NewFromInt(50),
		Currency:          "INR",
		Reason:            "bank statement correction",
		OccurredAt:        time.Now().UTC(),
		Actor:             "ops",
	}
	_, err := env.handler.HandleManualAdjustment(context.Background(), ev)
	assert.True(t, errors.Is(err, domain.ErrOverrideRequired))
}

func TestHandleManualAdjustment_WithApprovedOverride_Posts(t *testing.T) {
	// GIVEN: An override requested by one admin and approved by another
	// WHEN: Posting a manual adjustment that carries it
	// THEN: The correction posts between the two named accounts

	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.approval.Request(ctx, approval.RequestInput{
		TenantID:      env.tenantID,
		RequestType:   domain.OverrideExceptionalCorrection,
		RequestorID:   "alice",
		RequestorRole: domain.RoleFinanceAdmin,
		Justification: "correcting a mis-keyed bank entry",
	})
	require.NoError(t, err)
	_, err = env.approval.Approve(ctx, env.tenantID, req.ID, "bob", domain.RoleComplianceAdmin, "checked statement")
	require.NoError(t, err)

	res, err := env.handler.HandleManualAdjustment(ctx, domain.ManualAdjustmentEvent{
		TenantID:          env.tenantID,
		AdjustmentID:      "ADJ-2",
		DebitAccountCode:  domain.AcctEscrowBank,
		CreditAccountCode: domain.AcctEscrowLiability,
		Amount:            decimal.NewFromInt(50),
		Currency:          "INR",
		Reason:            "bank statement correction",
		OccurredAt:        time.Now().UTC(),
		Actor:             "ops",
		OverrideRequestID: &req.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "ADJ-ADJ-2", res.Transaction.TransactionRef)

	env.assertBalance(t, domain.AcctEscrowBank, 50)
	env.assertBalance(t, domain.AcctEscrowLiability, 50)
}

func TestHandleManualAdjustment_PendingOverride_Refused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.approval.Request(ctx, approval.RequestInput{
		TenantID:      env.tenantID,
		RequestType:   domain.OverrideExceptionalCorrection,
		RequestorID:   "alice",
		RequestorRole: domain.RoleFinanceAdmin,
		Justification: "still waiting for sign-off",
	})
	require.NoError(t, err)

	_, err = env.handler.HandleManualAdjustment(ctx, domain.ManualAdjustmentEvent{
		TenantID:          env.tenantID,
		AdjustmentID:      "ADJ-3",
		DebitAccountCode:  domain.AcctEscrowBank,
		CreditAccountCode: domain.AcctEscrowLiability,
		Amount:            decimal.NewFromInt(10),
		Currency:          "INR",
		Reason:            "premature",
		OccurredAt:        time.Now().UTC(),
		Actor:             "ops",
		OverrideRequestID: &req.ID,
	})
	assert.True(t, errors.Is(err, domain.ErrOverrideNotUsable))
}

// =============================================================================
// FEE SPLIT
// =============================================================================

func TestFeeSplit(t *testing.T) {
	// 2% MDR on 1000 = 20; gateway 2 fixed + 0.30% of 1000 = 5
	platform, gateway := events.FeeSplit(
		decimal.NewFromInt(1000),
		decimal.NewFromInt(2),
		decimal.NewFromInt(2),
		decimal.RequireFromString("0.30"),
	)
	assert.True(t, platform.Equal(decimal.NewFromInt(20)), "platform %s", platform)
	assert.True(t, gateway.Equal(decimal.NewFromInt(5)), "gateway %s", gateway)
}
