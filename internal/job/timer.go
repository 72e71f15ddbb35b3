package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vladholos492-wq/mediagw/internal/metrics"
)

const (
	staleSweepInterval = time.Minute
	staleAfter         = 30 * time.Minute
	staleSweepBatch    = 100
)

// Timer periodically fails running jobs that never got a callback. Only
// the active instance sweeps; passive instances skip each tick.
type Timer struct {
	store   Store
	active  func() bool
	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
}

// NewTimer creates a stale-job sweeper. active gates each tick.
func NewTimer(store Store, active func() bool, logger *slog.Logger) *Timer {
	if active == nil {
		active = func() bool { return true }
	}
	return &Timer{
		store:  store,
		active: active,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.active() {
				continue
			}
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in stale-job sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	metrics.SweeperRunsTotal.WithLabelValues("stale_jobs").Inc()

	cutoff := time.Now().UTC().Add(-staleAfter)
	swept, err := t.store.SweepStale(ctx, cutoff, staleSweepBatch)
	if err != nil {
		t.logger.Warn("stale-job sweep failed", "error", err)
		return
	}
	for _, s := range swept {
		metrics.JobsTotal.WithLabelValues(StatusFailed).Inc()
		t.logger.Info("stale job failed, hold released",
			"jobId", s.Job.ID,
			"userId", s.Job.UserID,
			"priceRub", s.Job.PriceRUB.Format(),
			"balanceBefore", s.BalanceBefore,
			"balanceAfter", s.BalanceAfter)
	}
}
