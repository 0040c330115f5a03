/*
Package router selects payment gateways and tracks their health.

PURPOSE:

	The health tracker keeps per-gateway observations (a rolling window of
	the last 100 response times plus all-time counters); the router orders
	candidate gateways by strategy; the dispatcher walks that order with
	per-gateway circuit breakers and records every attempt back into the
	tracker.

HEALTH MODEL:

	success rate  = successes / total (1.0 with no traffic yet)
	responseScore = 30 at avg <= 1s, linearly down to 0 at avg >= 5s
	score         = 70*rate + responseScore           (0..100)
	HEALTHY   rate >= 0.95 and avg < 2s
	DEGRADED  rate >= 0.80 and avg < 5s
	UNHEALTHY otherwise

	Metrics are per-process: replicas each keep their own counters, and
	no cluster-wide consistency is attempted.

SEE ALSO:
  - router.go: Selection strategies and fallback ordering
  - dispatcher.go: Breaker-wrapped processor calls
*/
package router

import (
	"math"
	"sort"
	"sync"
	"time"
)

// windowSize is the number of recent response times kept per gateway.
const windowSize = 100

// HealthStatus buckets a gateway's observed behavior.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "HEALTHY"
	StatusDegraded  HealthStatus = "DEGRADED"
	StatusUnhealthy HealthStatus = "UNHEALTHY"
)

// Snapshot is a point-in-time view of one gateway's health.
type Snapshot struct {
	Gateway     string
	Successes   int64
	Failures    int64
	Total       int64
	SuccessRate float64
	AvgMs       float64
	P95Ms       float64
	Score       float64
	Status      HealthStatus
	LastSuccess time.Time
	LastFailure time.Time
}

// gatewayMetrics is the mutable record for one gateway. One mutex per
// gateway: recording on one never serializes recording on another.
type gatewayMetrics struct {
	mu          sync.Mutex
	window      [windowSize]float64
	windowLen   int
	windowNext  int
	successes   int64
	failures    int64
	lastSuccess time.Time
	lastFailure time.Time
}

func (g *gatewayMetrics) observe(responseMs float64, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.window[g.windowNext] = responseMs
	g.windowNext = (g.windowNext + 1) % windowSize
	if g.windowLen < windowSize {
		g.windowLen++
	}

	now := time.Now().UTC()
	if success {
		g.successes++
		g.lastSuccess = now
	} else {
		g.failures++
		g.lastFailure = now
	}
}

func (g *gatewayMetrics) snapshot(name string) Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Snapshot{
		Gateway:     name,
		Successes:   g.successes,
		Failures:    g.failures,
		Total:       g.successes + g.failures,
		LastSuccess: g.lastSuccess,
		LastFailure: g.lastFailure,
	}

	if s.Total == 0 {
		// No traffic yet: optimistic defaults keep new gateways
		// eligible for selection.
		s.SuccessRate = 1.0
	} else {
		s.SuccessRate = float64(g.successes) / float64(s.Total)
	}

	if g.windowLen > 0 {
		sum := 0.0
		sorted := make([]float64, g.windowLen)
		copy(sorted, g.window[:g.windowLen])
		for _, v := range sorted {
			sum += v
		}
		s.AvgMs = sum / float64(g.windowLen)
		sort.Float64s(sorted)
		idx := int(math.Ceil(0.95*float64(g.windowLen))) - 1
		if idx < 0 {
			idx = 0
		}
		s.P95Ms = sorted[idx]
	}

	s.Score = healthScore(s.SuccessRate, s.AvgMs)
	s.Status = healthStatus(s.SuccessRate, s.AvgMs, s.Total)
	return s
}

// healthScore combines success rate (70 points) and responsiveness (30
// points, full marks at avg <= 1s, none at avg >= 5s).
func healthScore(rate, avgMs float64) float64 {
	responseScore := 30.0
	switch {
	case avgMs >= 5000:
		responseScore = 0
	case avgMs > 1000:
		responseScore = 30 * (5000 - avgMs) / 4000
	}
	return 70*rate + responseScore
}

func healthStatus(rate, avgMs float64, total int64) HealthStatus {
	if total == 0 {
		return StatusHealthy
	}
	switch {
	case rate >= 0.95 && avgMs < 2000:
		return StatusHealthy
	case rate >= 0.80 && avgMs < 5000:
		return StatusDegraded
	}
	return StatusUnhealthy
}

// =============================================================================
// TRACKER
// =============================================================================

// HealthTracker holds per-gateway observations. Safe for concurrent
// use.
type HealthTracker struct {
	mu       sync.RWMutex
	gateways map[string]*gatewayMetrics
	metrics  *Metrics
}

// NewHealthTracker builds a tracker for the named gateways. Metrics may
// be nil when Prometheus export is not wanted (tests).
func NewHealthTracker(gateways []string, metrics *Metrics) *HealthTracker {
	t := &HealthTracker{gateways: make(map[string]*gatewayMetrics, len(gateways)), metrics: metrics}
	for _, name := range gateways {
		t.gateways[name] = &gatewayMetrics{}
	}
	return t
}

func (t *HealthTracker) get(name string) *gatewayMetrics {
	t.mu.RLock()
	g, ok := t.gateways[name]
	t.mu.RUnlock()
	if ok {
		return g
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok = t.gateways[name]; ok {
		return g
	}
	g = &gatewayMetrics{}
	t.gateways[name] = g
	return g
}

// RecordSuccess records one successful attempt. Callers record every
// attempt, success or failure, or the scores drift from reality.
func (t *HealthTracker) RecordSuccess(gateway string, responseMs float64) {
	t.get(gateway).observe(responseMs, true)
	t.export(gateway, "success")
}

// RecordFailure records one failed attempt (errors and deadline
// overruns alike).
func (t *HealthTracker) RecordFailure(gateway string, responseMs float64) {
	t.get(gateway).observe(responseMs, false)
	t.export(gateway, "failure")
}

func (t *HealthTracker) export(gateway, outcome string) {
	if t.metrics == nil {
		return
	}
	snap := t.get(gateway).snapshot(gateway)
	t.metrics.Attempts.WithLabelValues(gateway, outcome).Inc()
	t.metrics.HealthScore.WithLabelValues(gateway).Set(snap.Score)
	t.metrics.AvgLatencyMs.WithLabelValues(gateway).Set(snap.AvgMs)
}

// Snapshot returns the current view of one gateway.
func (t *HealthTracker) Snapshot(gateway string) Snapshot {
	return t.get(gateway).snapshot(gateway)
}

// All returns a snapshot per known gateway, sorted by name.
func (t *HealthTracker) All() []Snapshot {
	t.mu.RLock()
	names := make([]string, 0, len(t.gateways))
	for name := range t.gateways {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)

	snaps := make([]Snapshot, 0, len(names))
	for _, name := range names {
		snaps = append(snaps, t.Snapshot(name))
	}
	return snaps
}
