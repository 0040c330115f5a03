package settlement_test

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

	"github.com/arthapay/paycore/config"
	"github.com/arthapay/paycore/domain"
	"github.com/arthapay/paycore/events"
	"github.com/arthapay/paycore/ledger"
	"github.com/arthapay/paycore/period"
	"github.com/arthapay/paycore/settlement"
	"github.com/arthapay/paycore/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestMachine(t *testing.T) (*settlement.Machine, *ledger.Service, uuid.UUID) {
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
	cfg := config.Defaults()
	svc := ledger.NewService(store, cfg.Ledger, log)
	handler := events.NewHandler(store, svc, log)
	machine := settlement.NewMachine(store, handler, cfg.Settlement, log)
	return machine, svc, tenantID
}

func newTestMachineWithPeriods(t *testing.T) (*settlement.Machine, *period.Controller, uuid.UUID) {
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
	cfg := config.Defaults()
	svc := ledger.NewService(store, cfg.Ledger, log)
	handler := events.NewHandler(store, svc, log)
	machine := settlement.NewMachine(store, handler, cfg.Settlement, log)
	periods := period.NewController(store, cfg.Period, log)
	return machine, periods, tenantID
}

func newSettlement(t *testing.T, m *settlement.Machine, tenantID uuid.UUID, ref string, gross, fees int64) *domain.Settlement {
	t.Helper()
	now := time.Now().UTC()
	s, err := m.Create(context.Background(), settlement.CreateInput{
		TenantID:          tenantID,
		MerchantID:        uuid.New(),
		SettlementRef:     ref,
		SettlementDate:    now,
		PeriodFrom:        now.AddDate(0, 0, -7),
		PeriodTo:          now,
		GrossAmount:       decimal.NewFromInt(gross),
		FeesAmount:        decimal.NewFromInt(fees),
		Currency:          "INR",
		BankAccountNumber: "0012340001",
		BankIFSC:          "HDFC0000123",
		BankName:          "HDFC",
		Actor:             "test",
	})
	require.NoError(t, err)
	return s
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestSettlement_FullLifecycle(t *testing.T) {
	// GIVEN: A created settlement of 1000 gross, 25 fees
	// WHEN: Walking reserve -> send -> confirm -> settle
	// THEN: Each state stamps its timestamp, the UTR is recorded, and
	//       SETTLED posts the payout to the ledger

	machine, svc, tenantID := newTestMachine(t)
	ctx := context.Background()

	s := newSettlement(t, machine, tenantID, "SETL-1", 1000, 25)
	assert.Equal(t, domain.SettlementCreated, s.Status)
	assert.True(t, s.NetAmount.Equal(decimal.NewFromInt(975)))
	assert.False(t, s.Final())

	s, err := machine.ReserveFunds(ctx, tenantID, s.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementFundsReserved, s.Status)
	assert.NotNil(t, s.FundsReservedAt)

	s, err = machine.SendToBank(ctx, tenantID, s.ID, "BATCH-1", "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSentToBank, s.Status)
	assert.Equal(t, "BATCH-1", s.SettlementBatchID)

	s, err = machine.ConfirmByBank(ctx, tenantID, s.ID, "UTR-XYZ", "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementBankConfirmed, s.Status)
	assert.Equal(t, "UTR-XYZ", s.UTRNumber)
	assert.False(t, s.Final())

	s, err = machine.MarkSettled(ctx, tenantID, s.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSettled, s.Status)
	assert.NotNil(t, s.SettledAt)
	assert.True(t, s.Final())

	// The payout posted through the ledger.
	bal, err := svc.GetAccountBalance(ctx, tenantID, domain.AcctMerchantSettlement, nil)
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(decimal.NewFromInt(975)))

	// History carries every move, oldest first, starting from creation.
	history, err := machine.History(ctx, tenantID, s.ID)
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, domain.SettlementCreated, history[0].ToStatus)
	assert.Equal(t, domain.SettlementSettled, history[4].ToStatus)
}

// =============================================================================
// GUARDS
// =============================================================================

func TestSettlement_IllegalTransitions(t *testing.T) {
	machine, _, tenantID := newTestMachine(t)
	ctx := context.Background()
	s := newSettlement(t, machine, tenantID, "SETL-2", 500, 0)

	// CREATED cannot skip to SENT_TO_BANK.
	_, err := machine.Transition(ctx, tenantID, s.ID, domain.SettlementSentToBank, "ops", nil)
	var stateErr *domain.SettlementStateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, domain.SettlementCreated, stateErr.From)
	assert.Equal(t, domain.SettlementSentToBank, stateErr.To)

	// FUNDS_RESERVED cannot skip to BANK_CONFIRMED.
	_, err = machine.ReserveFunds(ctx, tenantID, s.ID, "ops")
	require.NoError(t, err)
	_, err = machine.ConfirmByBank(ctx, tenantID, s.ID, "UTR-1", "ops")
	assert.True(t, errors.As(err, &stateErr))
}

func TestSettlement_BankConfirmRequiresUTR(t *testing.T) {
	machine, _, tenantID := newTestMachine(t)
	ctx := context.Background()
	s := newSettlement(t, machine, tenantID, "SETL-3", 500, 0)

	_, err := machine.ReserveFunds(ctx, tenantID, s.ID, "ops")
	require.NoError(t, err)
	_, err = machine.SendToBank(ctx, tenantID, s.ID, "BATCH-1", "ops")
	require.NoError(t, err)

	_, err = machine.ConfirmByBank(ctx, tenantID, s.ID, "", "ops")
	assert.True(t, errors.Is(err, domain.ErrUTRNumberRequired))
}

func TestSettlement_SettledIsTerminal(t *testing.T) {
	machine, _, tenantID := newTestMachine(t)
	ctx := context.Background()
	s := newSettlement(t, machine, tenantID, "SETL-4", 500, 0)

	for _, step := range []func() error{
		func() error { _, err := machine.ReserveFunds(ctx, tenantID, s.ID, "ops"); return err },
		func() error { _, err := machine.SendToBank(ctx, tenantID, s.ID, "B", "ops"); return err },
		func() error { _, err := machine.ConfirmByBank(ctx, tenantID, s.ID, "UTR-4", "ops"); return err },
		func() error { _, err := machine.MarkSettled(ctx, tenantID, s.ID, "ops"); return err },
	} {
		require.NoError(t, step())
	}

	_, err := machine.MarkFailed(ctx, tenantID, s.ID, "too late", "ops")
	var stateErr *domain.SettlementStateError
	assert.True(t, errors.As(err, &stateErr))
}

func TestSettlement_CreateValidation(t *testing.T) {
	machine, _, tenantID := newTestMachine(t)
	ctx := context.Background()

	_, err := machine.Create(ctx, settlement.CreateInput{
		TenantID: tenantID, MerchantID: uuid.New(), SettlementRef: "",
		GrossAmount: decimal.NewFromInt(100), Actor: "test",
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	_, err = machine.Create(ctx, settlement.CreateInput{
		TenantID: tenantID, MerchantID: uuid.New(), SettlementRef: "SETL-X",
		GrossAmount: decimal.NewFromInt(100), FeesAmount: decimal.NewFromInt(100), Actor: "test",
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput), "fees swallowing the gross amount")
}

// =============================================================================
// RETRIES
// =============================================================================

func TestSettlement_RetryBudgetExhausts(t *testing.T) {
	// GIVEN: A settlement that keeps failing at the bank
	// WHEN: Retrying three times and failing each attempt
	// THEN: The fourth retry refuses with the budget exhausted and the
	//       settlement stays FAILED

	machine, _, tenantID := newTestMachine(t)
	ctx := context.Background()
	s := newSettlement(t, machine, tenantID, "SETL-5", 500, 0)

	_, err := machine.ReserveFunds(ctx, tenantID, s.ID, "ops")
	require.NoError(t, err)
	_, err = machine.MarkFailed(ctx, tenantID, s.ID, "bank rejected", "ops")
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		retried, err := machine.Retry(ctx, tenantID, s.ID, "retry-worker")
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementFundsReserved, retried.Status)
		assert.Equal(t, attempt, retried.RetryCount)
		require.NotNil(t, retried.NextRetryAt)

		_, err = machine.MarkFailed(ctx, tenantID, s.ID, "bank rejected again", "ops")
		require.NoError(t, err)
	}

	_, err = machine.Retry(ctx, tenantID, s.ID, "retry-worker")
	assert.True(t, errors.Is(err, domain.ErrSettlementRetryExhausted))

	final, err := machine.Get(ctx, tenantID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementFailed, final.Status)

	attempts, err := machine.RetryHistory(ctx, tenantID, s.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)
}

func TestSettlement_RetryOnlyFromFailed(t *testing.T) {
	machine, _, tenantID := newTestMachine(t)
	ctx := context.Background()
	s := newSettlement(t, machine, tenantID, "SETL-6", 500, 0)

	_, err := machine.Retry(ctx, tenantID, s.ID, "retry-worker")
	var stateErr *domain.SettlementStateError
	assert.True(t, errors.As(err, &stateErr))
}

func TestSettlement_DueForRetry_HonorsBackoff(t *testing.T) {
	// GIVEN: A failed settlement retried once (next attempt 15m out)
	//        and a fresh failed settlement
	// WHEN: Listing due retries
	// THEN: Only the settlement with no pending backoff is due

	machine, _, tenantID := newTestMachine(t)
	ctx := context.Background()

	waiting := newSettlement(t, machine, tenantID, "SETL-7", 500, 0)
	_, err := machine.ReserveFunds(ctx, tenantID, waiting.ID, "ops")
	require.NoError(t, err)
	_, err = machine.MarkFailed(ctx, tenantID, waiting.ID, "down", "ops")
	require.NoError(t, err)
	_, err = machine.Retry(ctx, tenantID, waiting.ID, "retry-worker")
	require.NoError(t, err)
	_, err = machine.MarkFailed(ctx, tenantID, waiting.ID, "down again", "ops")
	require.NoError(t, err)

	fresh := newSettlement(t, machine, tenantID, "SETL-8", 500, 0)
	_, err = machine.ReserveFunds(ctx, tenantID, fresh.ID, "ops")
	require.NoError(t, err)
	_, err = machine.MarkFailed(ctx, tenantID, fresh.ID, "down", "ops")
	require.NoError(t, err)

	due, err := machine.DueForRetry(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, fresh.ID, due[0].ID)
}

func TestMarkSettled_LedgerGateRefusal_RollsBackTransition(t *testing.T) {
	// GIVEN: A BANK_CONFIRMED settlement and a hard-closed period
	//        covering today (its PERIOD_LOCK installed)
	// WHEN: Marking it settled
	// THEN: The posting is refused and the state transition rolls back
	//       with it

	machine, periods, tenantID := newTestMachineWithPeriods(t)
	ctx := context.Background()

	s := newSettlement(t, machine, tenantID, "SETL-GATE", 1000, 25)
	_, err := machine.ReserveFunds(ctx, tenantID, s.ID, "ops")
	require.NoError(t, err)
	_, err = machine.SendToBank(ctx, tenantID, s.ID, "BATCH-1", "ops")
	require.NoError(t, err)
	_, err = machine.ConfirmByBank(ctx, tenantID, s.ID, "UTR-1", "ops")
	require.NoError(t, err)

	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	p, err := periods.CreatePeriod(ctx, period.CreatePeriodInput{
		TenantID:   tenantID,
		PeriodType: domain.PeriodMonthly,
		Start:      start,
		End:        start.AddDate(0, 1, -1),
		Actor:      "closer",
	})
	require.NoError(t, err)
	_, err = periods.ClosePeriod(ctx, tenantID, p.ID, domain.PeriodSoftClosed, "closer", "")
	require.NoError(t, err)
	_, err = periods.ClosePeriod(ctx, tenantID, p.ID, domain.PeriodHardClosed, "closer", "month-end close")
	require.NoError(t, err)

	_, err = machine.MarkSettled(ctx, tenantID, s.ID, "ops")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLedgerLocked)

	got, err := machine.Get(ctx, tenantID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementBankConfirmed, got.Status)
	assert.Nil(t, got.SettledAt)

	history, err := machine.History(ctx, tenantID, s.ID)
	require.NoError(t, err)
	for _, tr := range history {
		assert.NotEqual(t, domain.SettlementSettled, tr.ToStatus)
	}
}
