/*
router.go - Gateway selection strategies and fallback ordering

The router orders candidates; it performs no network I/O. Strategies:

	HEALTH_BASED   best composite score, threshold preferred (default)
	ROUND_ROBIN    per-process atomic cursor, not persisted
	COST_OPTIMIZED fixedFee + amount * percentageFee / 100, lowest wins
	LATENCY_BASED  lowest rolling-window average latency
	PRIORITY       first of the configured list at or above threshold

Select never returns an excluded gateway and fails with
ErrGatewayUnavailable when no candidate remains.
*/
package router

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/arthapay/paycore/config"
	"github.com/arthapay/paycore/domain"
)

// PaymentRequest carries what selection and processing need.
type PaymentRequest struct {
	TenantID string
	OrderID  string
	Amount   decimal.Decimal
	Currency string
	Method   string
	VPA      string
	Metadata map[string]string
}

// Router orders gateways by the configured strategy.
type Router struct {
	cfg      config.RouterConfig
	tracker  *HealthTracker
	gateways []string
	rrCursor atomic.Uint64
	metrics  *Metrics
}

// New builds a Router over the configured gateway set. The priority
// list doubles as the known-gateway universe.
func New(cfg config.RouterConfig, tracker *HealthTracker, metrics *Metrics) *Router {
	gateways := make([]string, len(cfg.Priority))
	copy(gateways, cfg.Priority)
	return &Router{cfg: cfg, tracker: tracker, gateways: gateways, metrics: metrics}
}

// Gateways returns the configured gateway names in priority order.
func (r *Router) Gateways() []string {
	out := make([]string, len(r.gateways))
	copy(out, r.gateways)
	return out
}

// Select picks the gateway for a payment, never returning one in
// exclude.
func (r *Router) Select(payment PaymentRequest, exclude []string) (string, error) {
	candidates := r.remaining(exclude)
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: all gateways excluded", domain.ErrGatewayUnavailable)
	}

	var chosen string
	switch r.cfg.Strategy {
	case config.StrategyRoundRobin:
		chosen = candidates[int(r.rrCursor.Add(1)-1)%len(candidates)]
	case config.StrategyCostOptimized:
		chosen = r.cheapest(payment.Amount, candidates)
	case config.StrategyLatencyBased:
		chosen = r.fastest(candidates)
	case config.StrategyPriority:
		chosen = r.firstHealthyByPriority(candidates)
	default: // HEALTH_BASED
		chosen = r.bestByScore(candidates)
	}

	if r.metrics != nil {
		r.metrics.Selections.WithLabelValues(chosen, r.cfg.Strategy).Inc()
	}
	return chosen, nil
}

// FallbackList returns up to MaxFallbackAttempts alternatives to try
// after the primary fails: score-ordered, threshold-filtered, minus the
// primary and everything already attempted.
func (r *Router) FallbackList(primary string, attempted []string) []string {
	exclude := append([]string{primary}, attempted...)
	candidates := r.remaining(exclude)

	sort.SliceStable(candidates, func(i, j int) bool {
		return r.tracker.Snapshot(candidates[i]).Score > r.tracker.Snapshot(candidates[j]).Score
	})

	out := make([]string, 0, len(candidates))
	for _, name := range candidates {
		if r.tracker.Snapshot(name).Score < r.cfg.HealthScoreThreshold {
			continue
		}
		out = append(out, name)
		if len(out) == r.cfg.MaxFallbackAttempts {
			break
		}
	}
	return out
}

func (r *Router) remaining(exclude []string) []string {
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}
	out := make([]string, 0, len(r.gateways))
	for _, name := range r.gateways {
		if !excluded[name] {
			out = append(out, name)
		}
	}
	return out
}

// bestByScore prefers the best candidate at or above the threshold and
// falls back to the best remaining when none clears it.
func (r *Router) bestByScore(candidates []string) string {
	best, bestScore := candidates[0], -1.0
	var aboveThreshold string
	aboveScore := -1.0

	for _, name := range candidates {
		score := r.tracker.Snapshot(name).Score
		if score > bestScore {
			best, bestScore = name, score
		}
		if score >= r.cfg.HealthScoreThreshold && score > aboveScore {
			aboveThreshold, aboveScore = name, score
		}
	}
	if aboveThreshold != "" {
		return aboveThreshold
	}
	return best
}

func (r *Router) cheapest(amount decimal.Decimal, candidates []string) string {
	hundred := decimal.NewFromInt(100)
	best := candidates[0]
	var bestCost decimal.Decimal
	first := true

	for _, name := range candidates {
		fees, ok := r.cfg.Costs[name]
		if !ok {
			continue
		}
		cost := fees.FixedFee.Add(amount.Mul(fees.PercentageFee).Div(hundred))
		if first || cost.LessThan(bestCost) {
			best, bestCost, first = name, cost, false
		}
	}
	return best
}

func (r *Router) fastest(candidates []string) string {
	best, bestAvg := candidates[0], -1.0
	for _, name := range candidates {
		avg := r.tracker.Snapshot(name).AvgMs
		if bestAvg < 0 || avg < bestAvg {
			best, bestAvg = name, avg
		}
	}
	return best
}

// firstHealthyByPriority honors the configured order, falling back to
// the best-scoring candidate when nobody clears the threshold.
func (r *Router) firstHealthyByPriority(candidates []string) string {
	inSet := make(map[string]bool, len(candidates))
	for _, name := range candidates {
		inSet[name] = true
	}
	for _, name := range r.cfg.Priority {
		if inSet[name] && r.tracker.Snapshot(name).Score >= r.cfg.HealthScoreThreshold {
			return name
		}
	}
	return r.bestByScore(candidates)
}
