package router_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthapay/paycore/config"
	"github.com/arthapay/paycore/router"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestRouter(t *testing.T, strategy string) (*router.Router, *router.HealthTracker) {
	t.Helper()
	cfg := config.Defaults().Router
	cfg.Strategy = strategy
	tracker := router.NewHealthTracker(cfg.Priority, nil)
	return router.New(cfg, tracker, nil), tracker
}

func record(tracker *router.HealthTracker, gateway string, successes, failures int, responseMs float64) {
	for i := 0; i < successes; i++ {
		tracker.RecordSuccess(gateway, responseMs)
	}
	for i := 0; i < failures; i++ {
		tracker.RecordFailure(gateway, responseMs)
	}
}

func payment(amount int64) router.PaymentRequest {
	return router.PaymentRequest{
		OrderID:  "ORD-1",
		Amount:   decimal.NewFromInt(amount),
		Currency: "INR",
		Method:   "upi",
	}
}

// =============================================================================
// HEALTH MODEL
// =============================================================================

func TestSnapshot_ScoreAndStatus(t *testing.T) {
	// GIVEN: A gateway with 19 fast successes and 1 failure
	// WHEN: Snapshotting
	// THEN: Score = 70*0.95 + 30 and the gateway reads HEALTHY

	tracker := router.NewHealthTracker([]string{"razorpay"}, nil)
	record(tracker, "razorpay", 19, 1, 500)

	snap := tracker.Snapshot("razorpay")
	assert.Equal(t, int64(20), snap.Total)
	assert.InDelta(t, 0.95, snap.SuccessRate, 1e-9)
	assert.InDelta(t, 96.5, snap.Score, 1e-9)
	assert.Equal(t, router.StatusHealthy, snap.Status)
}

func TestSnapshot_ResponseScoreDecaysWithLatency(t *testing.T) {
	tracker := router.NewHealthTracker([]string{"a", "b", "c"}, nil)
	record(tracker, "a", 10, 0, 1000) // full 30 response points
	record(tracker, "b", 10, 0, 3000) // halfway down the ramp
	record(tracker, "c", 10, 0, 6000) // past the 5s floor

	assert.InDelta(t, 100.0, tracker.Snapshot("a").Score, 1e-9)
	assert.InDelta(t, 85.0, tracker.Snapshot("b").Score, 1e-9)
	assert.InDelta(t, 70.0, tracker.Snapshot("c").Score, 1e-9)
}

func TestSnapshot_NoTraffic_Optimistic(t *testing.T) {
	tracker := router.NewHealthTracker([]string{"new"}, nil)

	snap := tracker.Snapshot("new")
	assert.InDelta(t, 1.0, snap.SuccessRate, 1e-9)
	assert.InDelta(t, 100.0, snap.Score, 1e-9)
	assert.Equal(t, router.StatusHealthy, snap.Status)
}

func TestSnapshot_StatusBuckets(t *testing.T) {
	tracker := router.NewHealthTracker([]string{"degraded", "unhealthy"}, nil)
	record(tracker, "degraded", 17, 3, 2500) // rate 0.85, avg 2.5s
	record(tracker, "unhealthy", 1, 9, 500)  // rate 0.10

	assert.Equal(t, router.StatusDegraded, tracker.Snapshot("degraded").Status)
	assert.Equal(t, router.StatusUnhealthy, tracker.Snapshot("unhealthy").Status)
}

// =============================================================================
// STRATEGIES
// =============================================================================

func TestSelect_HealthBased_PicksBestScore(t *testing.T) {
	r, tracker := newTestRouter(t, config.StrategyHealthBased)
	record(tracker, "razorpay", 5, 5, 500)  // score 65
	record(tracker, "payu", 10, 0, 500)     // score 100
	record(tracker, "ccavenue", 8, 2, 500)  // score 86

	chosen, err := r.Select(payment(100), nil)
	require.NoError(t, err)
	assert.Equal(t, "payu", chosen)
}

func TestSelect_HealthBased_BelowThresholdStillServes(t *testing.T) {
	// When nobody clears the threshold the best remaining candidate
	// still serves traffic.
	r, tracker := newTestRouter(t, config.StrategyHealthBased)
	record(tracker, "razorpay", 1, 9, 6000)
	record(tracker, "payu", 2, 8, 6000)
	record(tracker, "ccavenue", 1, 9, 6000)

	chosen, err := r.Select(payment(100), nil)
	require.NoError(t, err)
	assert.Equal(t, "payu", chosen)
}

func TestSelect_RoundRobin_Cycles(t *testing.T) {
	r, _ := newTestRouter(t, config.StrategyRoundRobin)

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		chosen, err := r.Select(payment(100), nil)
		require.NoError(t, err)
		seen[chosen]++
	}
	assert.Equal(t, 2, seen["razorpay"])
	assert.Equal(t, 2, seen["payu"])
	assert.Equal(t, 2, seen["ccavenue"])
}

func TestSelect_CostOptimized_CheapestForAmount(t *testing.T) {
	cfg := config.Defaults().Router
	cfg.Strategy = config.StrategyCostOptimized
	cfg.Priority = []string{"flat", "percent"}
	cfg.Costs = map[string]config.GatewayCost{
		"flat":    {FixedFee: decimal.NewFromInt(5), PercentageFee: decimal.Zero},
		"percent": {FixedFee: decimal.Zero, PercentageFee: decimal.NewFromInt(1)},
	}
	tracker := router.NewHealthTracker(cfg.Priority, nil)
	r := router.New(cfg, tracker, nil)

	// 1% of 100 = 1 beats the flat 5.
	chosen, err := r.Select(payment(100), nil)
	require.NoError(t, err)
	assert.Equal(t, "percent", chosen)

	// 1% of 1000 = 10 loses to the flat 5.
	chosen, err = r.Select(payment(1000), nil)
	require.NoError(t, err)
	assert.Equal(t, "flat", chosen)
}

func TestSelect_LatencyBased_FastestWins(t *testing.T) {
	r, tracker := newTestRouter(t, config.StrategyLatencyBased)
	record(tracker, "razorpay", 10, 0, 900)
	record(tracker, "payu", 10, 0, 200)
	record(tracker, "ccavenue", 10, 0, 1500)

	chosen, err := r.Select(payment(100), nil)
	require.NoError(t, err)
	assert.Equal(t, "payu", chosen)
}

func TestSelect_Priority_FirstHealthyInOrder(t *testing.T) {
	r, tracker := newTestRouter(t, config.StrategyPriority)

	// razorpay tanks below the threshold; payu is next in line.
	record(tracker, "razorpay", 1, 9, 6000)
	record(tracker, "payu", 10, 0, 500)

	chosen, err := r.Select(payment(100), nil)
	require.NoError(t, err)
	assert.Equal(t, "payu", chosen)
}

func TestSelect_ExclusionsHonored(t *testing.T) {
	r, _ := newTestRouter(t, config.StrategyHealthBased)

	chosen, err := r.Select(payment(100), []string{"razorpay", "payu"})
	require.NoError(t, err)
	assert.Equal(t, "ccavenue", chosen)

	_, err = r.Select(payment(100), []string{"razorpay", "payu", "ccavenue"})
	assert.Error(t, err)
}

// =============================================================================
// FALLBACKS
// =============================================================================

func TestFallbackList_ScoreOrderedAndFiltered(t *testing.T) {
	// GIVEN: A failed primary and two alternatives, one below threshold
	// WHEN: Building the fallback list
	// THEN: Only the healthy alternative remains, best score first

	r, tracker := newTestRouter(t, config.StrategyHealthBased)
	record(tracker, "payu", 9, 1, 500)     // healthy
	record(tracker, "ccavenue", 1, 9, 6000) // below threshold

	list := r.FallbackList("razorpay", nil)
	assert.Equal(t, []string{"payu"}, list)
}

func TestFallbackList_SkipsAttempted(t *testing.T) {
	r, _ := newTestRouter(t, config.StrategyHealthBased)

	list := r.FallbackList("razorpay", []string{"payu"})
	assert.Equal(t, []string{"ccavenue"}, list)
}

func TestFallbackList_CappedAtMaxAttempts(t *testing.T) {
	cfg := config.Defaults().Router
	cfg.Priority = []string{"a", "b", "c", "d", "e"}
	cfg.MaxFallbackAttempts = 2
	tracker := router.NewHealthTracker(cfg.Priority, nil)
	r := router.New(cfg, tracker, nil)

	list := r.FallbackList("a", nil)
	assert.Len(t, list, 2)
}
