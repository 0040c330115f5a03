/*
demo.go - Tenant provisioning and demo seeding

PURPOSE:
  SeedTenant provisions the fixed chart of accounts for a tenant;
  accounts are never creatable through the API. SeedDemo additionally
  loads a small data set (a monthly period, one settlement, one
  captured payment) so a fresh local server has something to show.

USAGE:
  ./server -seed            seeds the demo tenant on startup
  The demo tenant id is printed at startup and fixed, so curl examples
  keep working across restarts.

SEE ALSO:
  - domain/chart.go: The seeded account set
  - cmd/server/main.go: The -seed flag
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/domain"
	"github.com/arthapay/paycore/period"
	"github.com/arthapay/paycore/settlement"
)

// DemoTenantID is the fixed tenant used by -seed.
var DemoTenantID = uuid.MustParse("11111111-1111-1111-1111-111111111111")

// SeedTenant inserts the fixed chart of accounts for a tenant. Already
// seeded accounts are left untouched.
func (h *Handler) SeedTenant(ctx context.Context, tenantID uuid.UUID) error {
	return h.DB.WithTx(ctx, func(st domain.Store) error {
		for _, a := range domain.SeededChart(tenantID) {
			existing, err := st.GetAccountByCode(ctx, tenantID, a.Code)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			if err := st.InsertAccount(ctx, a); err != nil {
				return fmt.Errorf("seed account %s: %w", a.Code, err)
			}
		}
		return nil
	})
}

// SeedDemo provisions the demo tenant with a chart, an open monthly
// period, one settlement in CREATED, and one captured payment.
func (h *Handler) SeedDemo(ctx context.Context) error {
	tenantID := DemoTenantID
	if err := h.SeedTenant(ctx, tenantID); err != nil {
		return err
	}

	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, -1)

	if _, err := h.Periods.CreatePeriod(ctx, period.CreatePeriodInput{
		TenantID:   tenantID,
		PeriodType: domain.PeriodMonthly,
		Start:      monthStart,
		End:        monthEnd,
		Actor:      "seed",
	}); err != nil && !isSeedIdempotent(err) {
		return err
	}

	if _, err := h.Events.HandlePaymentSuccess(ctx, domain.PaymentSuccessEvent{
		TenantID:      tenantID,
		TransactionID: "DEMO-TXN-1",
		OrderID:       "DEMO-ORDER-1",
		GatewayName:   "razorpay",
		Amount:        decimal.NewFromInt(1000),
		PlatformFee:   decimal.NewFromInt(20),
		GatewayFee:    decimal.NewFromInt(5),
		Currency:      h.Cfg.Ledger.DefaultCurrency,
		OccurredAt:    now,
		Actor:         "seed",
	}); err != nil {
		return err
	}

	existing, err := h.DB.GetSettlementByRef(ctx, tenantID, "DEMO-SETL-1")
	if err != nil {
		return err
	}
	if existing != nil {
		h.Log.Info("demo tenant already seeded", zap.String("tenant_id", tenantID.String()))
		return nil
	}

	if _, err := h.Settlements.Create(ctx, settlement.CreateInput{
		TenantID:       tenantID,
		MerchantID:     uuid.New(),
		SettlementRef:  "DEMO-SETL-1",
		SettlementDate: now,
		PeriodFrom:     monthStart,
		PeriodTo:       monthEnd,
		GrossAmount:    decimal.NewFromInt(975),
		FeesAmount:     decimal.Zero,
		Currency:       h.Cfg.Ledger.DefaultCurrency,
		BankName:       "Demo Bank",
		Actor:          "seed",
	}); err != nil && !isSeedIdempotent(err) {
		return err
	}

	h.Log.Info("demo tenant seeded", zap.String("tenant_id", tenantID.String()))
	return nil
}

// isSeedIdempotent treats already-present demo rows as success so -seed
// survives restarts against the same database file.
func isSeedIdempotent(err error) bool {
	return domain.IsClientError(err)
}
