package config_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthapay/paycore/config"
)

func TestDefaults_Valid(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "INR", cfg.Ledger.DefaultCurrency)
	assert.True(t, cfg.Ledger.BalanceTolerance.Equal(decimal.NewFromFloat(0.01)))
	assert.Equal(t, config.StrategyHealthBased, cfg.Router.Strategy)
	assert.Equal(t, []string{"razorpay", "payu", "ccavenue"}, cfg.Router.Priority)
	assert.Equal(t, []int{15, 60, 240}, cfg.Settlement.RetryBackoffMinutes)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ROUTING_STRATEGY", "round_robin")
	t.Setenv("GATEWAY_PRIORITY", "payu, razorpay")
	t.Setenv("SETTLEMENT_RETRY_BACKOFF_MINUTES", "5,10")
	t.Setenv("HEALTH_SCORE_THRESHOLD", "75")
	t.Setenv("WEBHOOK_SECRET", "prod-secret")

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, config.StrategyRoundRobin, cfg.Router.Strategy)
	assert.Equal(t, []string{"payu", "razorpay"}, cfg.Router.Priority)
	assert.Equal(t, []int{5, 10}, cfg.Settlement.RetryBackoffMinutes)
	assert.Equal(t, 75.0, cfg.Router.HealthScoreThreshold)
	assert.Equal(t, "prod-secret", cfg.Webhook.Secret)
}

func TestFromEnv_BadBackoffList(t *testing.T) {
	t.Setenv("SETTLEMENT_RETRY_BACKOFF_MINUTES", "15,sixty")

	_, err := config.FromEnv()
	assert.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := config.Defaults()
	cfg.Router.Strategy = "COIN_FLIP"
	assert.Error(t, cfg.Validate())

	cfg = config.Defaults()
	cfg.Router.HealthScoreThreshold = 150
	assert.Error(t, cfg.Validate())

	cfg = config.Defaults()
	cfg.Settlement.RetryBackoffMinutes = nil
	assert.Error(t, cfg.Validate())
}
