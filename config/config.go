/*
Package config loads runtime configuration.

PURPOSE:

	One Config struct covers the whole process: server, ledger tolerances,
	period close rules, settlement retry policy, gateway routing, and
	webhook verification. Defaults() returns a working configuration;
	FromEnv() layers environment variables on top (a .env file is loaded
	first when present). Command-line flags in cmd/server override both.

ENVIRONMENT VARIABLES:

	PORT, DB_PATH, LOG_LEVEL
	DEFAULT_CURRENCY, BALANCE_TOLERANCE, PLATFORM_MDR_PERCENT
	PERIOD_GAP_TOLERANCE_DAYS
	SETTLEMENT_MAX_RETRIES, SETTLEMENT_RETRY_BACKOFF_MINUTES,
	SETTLEMENT_RETRY_INTERVAL_SECONDS
	ROUTING_STRATEGY, GATEWAY_PRIORITY, HEALTH_SCORE_THRESHOLD,
	MAX_FALLBACK_ATTEMPTS, GATEWAY_TIMEOUT_SECONDS
	WEBHOOK_SECRET

SEE ALSO:
  - cmd/server/main.go: Flag handling and wiring
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// =============================================================================
// TYPES
// =============================================================================

// GatewayCost is the fee model used by cost-optimized routing.
// Cost of a payment = FixedFee + amount * PercentageFee / 100.
type GatewayCost struct {
	FixedFee      decimal.Decimal
	PercentageFee decimal.Decimal
}

// ServerConfig covers the HTTP listener and storage location.
type ServerConfig struct {
	Port     int
	DBPath   string
	LogLevel string
}

// LedgerConfig covers posting tolerances and currency defaults.
type LedgerConfig struct {
	DefaultCurrency    string
	BalanceTolerance   decimal.Decimal
	PlatformMDRPercent decimal.Decimal
}

// PeriodConfig covers the close calendar rules.
type PeriodConfig struct {
	// GapToleranceDays is the largest allowed gap, in days, between the
	// end of the latest period and the start of a new one.
	GapToleranceDays int
}

// SettlementConfig covers the retry policy for failed payouts.
type SettlementConfig struct {
	MaxRetries          int
	RetryBackoffMinutes []int
	// RetryInterval is how often the background worker scans for
	// settlements due for retry.
	RetryInterval  time.Duration
	RetryBatchSize int
}

// RouterConfig covers gateway selection.
type RouterConfig struct {
	Strategy             string
	Priority             []string
	Costs                map[string]GatewayCost
	HealthScoreThreshold float64
	MaxFallbackAttempts  int
	GatewayTimeout       time.Duration
}

// WebhookConfig covers inbound gateway webhook verification.
type WebhookConfig struct {
	Secret string
}

// Config is the full runtime configuration.
type Config struct {
	Server     ServerConfig
	Ledger     LedgerConfig
	Period     PeriodConfig
	Settlement SettlementConfig
	Router     RouterConfig
	Webhook    WebhookConfig
}

// Recognized routing strategies.
const (
	StrategyHealthBased   = "HEALTH_BASED"
	StrategyRoundRobin    = "ROUND_ROBIN"
	StrategyCostOptimized = "COST_OPTIMIZED"
	StrategyLatencyBased  = "LATENCY_BASED"
	StrategyPriority      = "PRIORITY"
)

// =============================================================================
// DEFAULTS
// =============================================================================

// Defaults returns a complete configuration that works out of the box
// with the three simulated gateways.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     8080,
			DBPath:   "paycore.db",
			LogLevel: "info",
		},
		Ledger: LedgerConfig{
			DefaultCurrency:    "INR",
			BalanceTolerance:   decimal.NewFromFloat(0.01),
			PlatformMDRPercent: decimal.NewFromFloat(2.0),
		},
		Period: PeriodConfig{
			GapToleranceDays: 2,
		},
		Settlement: SettlementConfig{
			MaxRetries:          3,
			RetryBackoffMinutes: []int{15, 60, 240},
			RetryInterval:       time.Minute,
			RetryBatchSize:      50,
		},
		Router: RouterConfig{
			Strategy: StrategyHealthBased,
			Priority: []string{"razorpay", "payu", "ccavenue"},
			Costs: map[string]GatewayCost{
				"razorpay": {FixedFee: decimal.Zero, PercentageFee: decimal.NewFromFloat(2.0)},
				"payu":     {FixedFee: decimal.NewFromInt(3), PercentageFee: decimal.NewFromFloat(1.8)},
				"ccavenue": {FixedFee: decimal.NewFromInt(5), PercentageFee: decimal.NewFromFloat(1.5)},
			},
			HealthScoreThreshold: 50,
			MaxFallbackAttempts:  3,
			GatewayTimeout:       30 * time.Second,
		},
		Webhook: WebhookConfig{
			Secret: "dev-webhook-secret",
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// FromEnv returns Defaults() overlaid with environment variables. A
// .env file in the working directory is loaded first when present;
// variables already set in the environment win over the file.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	cfg.Server.Port = envInt("PORT", cfg.Server.Port)
	cfg.Server.DBPath = envString("DB_PATH", cfg.Server.DBPath)
	cfg.Server.LogLevel = envString("LOG_LEVEL", cfg.Server.LogLevel)

	cfg.Ledger.DefaultCurrency = envString("DEFAULT_CURRENCY", cfg.Ledger.DefaultCurrency)
	var err error
	if cfg.Ledger.BalanceTolerance, err = envDecimal("BALANCE_TOLERANCE", cfg.Ledger.BalanceTolerance); err != nil {
		return cfg, err
	}
	if cfg.Ledger.PlatformMDRPercent, err = envDecimal("PLATFORM_MDR_PERCENT", cfg.Ledger.PlatformMDRPercent); err != nil {
		return cfg, err
	}

	cfg.Period.GapToleranceDays = envInt("PERIOD_GAP_TOLERANCE_DAYS", cfg.Period.GapToleranceDays)

	cfg.Settlement.MaxRetries = envInt("SETTLEMENT_MAX_RETRIES", cfg.Settlement.MaxRetries)
	if raw := os.Getenv("SETTLEMENT_RETRY_BACKOFF_MINUTES"); raw != "" {
		backoff, err := parseIntList(raw)
		if err != nil {
			return cfg, fmt.Errorf("SETTLEMENT_RETRY_BACKOFF_MINUTES: %w", err)
		}
		cfg.Settlement.RetryBackoffMinutes = backoff
	}
	if secs := envInt("SETTLEMENT_RETRY_INTERVAL_SECONDS", 0); secs > 0 {
		cfg.Settlement.RetryInterval = time.Duration(secs) * time.Second
	}

	cfg.Router.Strategy = strings.ToUpper(envString("ROUTING_STRATEGY", cfg.Router.Strategy))
	if raw := os.Getenv("GATEWAY_PRIORITY"); raw != "" {
		cfg.Router.Priority = splitTrimmed(raw)
	}
	cfg.Router.HealthScoreThreshold = envFloat("HEALTH_SCORE_THRESHOLD", cfg.Router.HealthScoreThreshold)
	cfg.Router.MaxFallbackAttempts = envInt("MAX_FALLBACK_ATTEMPTS", cfg.Router.MaxFallbackAttempts)
	if secs := envInt("GATEWAY_TIMEOUT_SECONDS", 0); secs > 0 {
		cfg.Router.GatewayTimeout = time.Duration(secs) * time.Second
	}

	cfg.Webhook.Secret = envString("WEBHOOK_SECRET", cfg.Webhook.Secret)

	return cfg, cfg.Validate()
}

// Validate rejects configurations the services cannot honor.
func (c Config) Validate() error {
	switch c.Router.Strategy {
	case StrategyHealthBased, StrategyRoundRobin, StrategyCostOptimized, StrategyLatencyBased, StrategyPriority:
	default:
		return fmt.Errorf("unknown routing strategy %q", c.Router.Strategy)
	}
	if c.Router.HealthScoreThreshold < 0 || c.Router.HealthScoreThreshold > 100 {
		return fmt.Errorf("health score threshold %v outside 0..100", c.Router.HealthScoreThreshold)
	}
	if c.Settlement.MaxRetries < 0 {
		return fmt.Errorf("settlement max retries must not be negative")
	}
	if len(c.Settlement.RetryBackoffMinutes) == 0 {
		return fmt.Errorf("settlement retry backoff must have at least one step")
	}
	if c.Period.GapToleranceDays < 0 {
		return fmt.Errorf("period gap tolerance must not be negative")
	}
	if c.Ledger.BalanceTolerance.IsNegative() {
		return fmt.Errorf("balance tolerance must not be negative")
	}
	return nil
}

// =============================================================================
// ENV HELPERS
// =============================================================================

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDecimal(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func parseIntList(raw string) ([]int, error) {
	parts := splitTrimmed(raw)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad integer %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

func splitTrimmed(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
