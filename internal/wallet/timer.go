package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vladholos492-wq/mediagw/internal/metrics"
)

const (
	sweepInterval  = 10 * time.Minute
	topupStuckAge  = 24 * time.Hour
	sweepBatchSize = 100
)

// Timer periodically fails topup entries that sat pending too long.
// Pending topups are screenshot payments awaiting admin approval; after a
// day without one the entry is considered abandoned.
type Timer struct {
	store   Store
	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
}

// NewTimer creates a stuck-payment sweeper.
func NewTimer(store Store, logger *slog.Logger) *Timer {
	return &Timer{
		store:  store,
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

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
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
			t.logger.Error("panic in wallet timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	metrics.SweeperRunsTotal.WithLabelValues("wallet").Inc()

	cutoff := time.Now().UTC().Add(-topupStuckAge)
	n, err := t.store.SweepStuckTopups(ctx, cutoff, sweepBatchSize)
	if err != nil {
		t.logger.Warn("failed to sweep stuck topups", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("failed stuck pending topups", "count", n)
	}
}
