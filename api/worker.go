/*
worker.go - Background settlement retry worker

PURPOSE:
  Periodically scans for FAILED settlements whose next_retry_at has
  passed and pushes them back to FUNDS_RESERVED through the state
  machine's Retry path. Retry is poll-based: no per-settlement timers,
  just one scan loop on a configurable interval.

DESIGN:
  - Runs a background goroutine on a time.Ticker
  - Scans across tenants with a batch cap per run
  - Each retry is its own database transaction; one bad settlement
    never stalls the rest of the batch
  - RunNow executes a single scan synchronously for tests and admin use

USAGE:
  worker := NewRetryWorker(machine, cfg.Settlement, log)
  worker.Start()
  // ... later
  worker.Stop()

SEE ALSO:
  - settlement/machine.go: Retry and ScanDueForRetry
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arthapay/paycore/config"
	"github.com/arthapay/paycore/domain"
	"github.com/arthapay/paycore/settlement"
)

// RetryWorker drives scheduled settlement retries.
type RetryWorker struct {
	machine *settlement.Machine
	cfg     config.SettlementConfig
	log     *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRetryWorker creates a worker over the settlement machine.
func NewRetryWorker(machine *settlement.Machine, cfg config.SettlementConfig, log *zap.Logger) *RetryWorker {
	return &RetryWorker{
		machine: machine,
		cfg:     cfg,
		log:     log,
		stop:    make(chan struct{}),
	}
}

// Start begins the scan loop.
func (rw *RetryWorker) Start() {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	rw.ticker = time.NewTicker(rw.cfg.RetryInterval)
	rw.wg.Add(1)
	go rw.run()

	rw.log.Info("retry worker started", zap.Duration("interval", rw.cfg.RetryInterval))
}

// Stop halts the loop and waits for an in-flight scan to finish.
func (rw *RetryWorker) Stop() {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.ticker != nil {
		rw.ticker.Stop()
		close(rw.stop)
		rw.wg.Wait()
		rw.log.Info("retry worker stopped")
	}
}

func (rw *RetryWorker) run() {
	defer rw.wg.Done()

	rw.RunNow(context.Background())

	for {
		select {
		case <-rw.ticker.C:
			rw.RunNow(context.Background())
		case <-rw.stop:
			return
		}
	}
}

// RunNow performs one scan pass and returns how many settlements were
// retried.
func (rw *RetryWorker) RunNow(ctx context.Context) int {
	due, err := rw.machine.ScanDueForRetry(ctx, rw.cfg.RetryBatchSize)
	if err != nil {
		rw.log.Error("retry scan failed", zap.Error(err))
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	retried, exhausted := 0, 0
	for _, s := range due {
		_, err := rw.machine.Retry(ctx, s.TenantID, s.ID, "retry-worker")
		switch {
		case err == nil:
			retried++
		case errors.Is(err, domain.ErrSettlementRetryExhausted):
			exhausted++
		default:
			rw.log.Warn("settlement retry failed",
				zap.String("settlement_id", s.ID.String()),
				zap.String("tenant_id", s.TenantID.String()),
				zap.Error(err))
		}
	}

	rw.log.Info("retry scan completed",
		zap.Int("due", len(due)),
		zap.Int("retried", retried),
		zap.Int("exhausted", exhausted))
	return retried
}
