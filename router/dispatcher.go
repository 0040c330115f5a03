/*
dispatcher.go - Payment dispatch with circuit breaking and fallback

The dispatcher turns a selection into an outcome: pick the primary via
the router, call its processor behind a per-gateway circuit breaker,
record the result in the health tracker, and on failure walk the
fallback list until a gateway succeeds or the list runs out. No
database transaction is held across a gateway call.
*/
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/config"
	"github.com/arthapay/paycore/domain"
)

// Dispatcher routes a payment to processors until one succeeds.
type Dispatcher struct {
	router     *Router
	tracker    *HealthTracker
	processors map[string]Processor
	breakers   map[string]*gobreaker.CircuitBreaker
	timeout    time.Duration
	log        *zap.Logger
}

// NewDispatcher wires processors behind circuit breakers. Breakers
// open after 5 consecutive failures and probe again after 30 seconds;
// an open breaker counts as a gateway failure so the health score
// degrades with it.
func NewDispatcher(cfg config.RouterConfig, r *Router, tracker *HealthTracker, processors []Processor, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		router:     r,
		tracker:    tracker,
		processors: make(map[string]Processor, len(processors)),
		breakers:   make(map[string]*gobreaker.CircuitBreaker, len(processors)),
		timeout:    cfg.GatewayTimeout,
		log:        log,
	}
	for _, p := range processors {
		name := p.Name()
		d.processors[name] = p
		d.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("gateway breaker state change",
					zap.String("gateway", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return d
}

// Dispatch processes a payment through the selected gateway, falling
// back to the next healthy candidates when it fails.
func (d *Dispatcher) Dispatch(ctx context.Context, payment PaymentRequest) (*PaymentResult, error) {
	primary, err := d.router.Select(payment, nil)
	if err != nil {
		return nil, err
	}

	result, firstErr := d.attempt(ctx, primary, payment)
	if firstErr == nil {
		return result, nil
	}

	attempted := []string{primary}
	for _, name := range d.router.FallbackList(primary, nil) {
		if d.router.metrics != nil {
			d.router.metrics.Fallbacks.Inc()
		}
		d.log.Info("falling back to alternate gateway",
			zap.String("order_id", payment.OrderID),
			zap.String("failed", attempted[len(attempted)-1]),
			zap.String("next", name))

		result, err = d.attempt(ctx, name, payment)
		if err == nil {
			return result, nil
		}
		attempted = append(attempted, name)
	}

	return nil, fmt.Errorf("%w: %d gateways attempted, last error: %v",
		domain.ErrGatewayUnavailable, len(attempted), firstErr)
}

// attempt runs one breaker-wrapped processor call and records the
// outcome in the health tracker.
func (d *Dispatcher) attempt(ctx context.Context, gateway string, payment PaymentRequest) (*PaymentResult, error) {
	proc, ok := d.processors[gateway]
	if !ok {
		return nil, fmt.Errorf("%w: no processor registered for %s", domain.ErrGatewayUnavailable, gateway)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	started := time.Now()
	raw, err := d.breakers[gateway].Execute(func() (any, error) {
		return proc.Process(callCtx, payment)
	})
	elapsed := float64(time.Since(started).Milliseconds())

	if err != nil {
		d.tracker.RecordFailure(gateway, elapsed)
		d.log.Warn("gateway attempt failed",
			zap.String("gateway", gateway),
			zap.String("order_id", payment.OrderID),
			zap.Float64("elapsed_ms", elapsed),
			zap.Error(err))
		return nil, err
	}

	result := raw.(*PaymentResult)
	d.tracker.RecordSuccess(gateway, elapsed)
	d.log.Info("gateway attempt succeeded",
		zap.String("gateway", gateway),
		zap.String("order_id", payment.OrderID),
		zap.String("gateway_txn_id", result.GatewayTxnID),
		zap.Float64("elapsed_ms", elapsed))
	return result, nil
}
