package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vladholos492-wq/mediagw/internal/job"
	"github.com/vladholos492-wq/mediagw/internal/metrics"
)

const (
	retryInterval  = 2 * time.Minute
	retryBatchSize = 50
)

// Timer periodically re-attempts delivery of finished jobs that never
// reached the chat. Covers crashes between charge and send, and expired
// delivery leases left by a dead peer.
type Timer struct {
	coord   *Coordinator
	logger  *slog.Logger
	active  func() bool
	stop    chan struct{}
	running atomic.Bool
}

// NewTimer creates a delivery retry loop. active gates each pass; passive
// instances skip so only the singleton leader delivers. A nil active means
// always active.
func NewTimer(coord *Coordinator, logger *slog.Logger, active func() bool) *Timer {
	return &Timer{
		coord:  coord,
		logger: logger,
		active: active,
		stop:   make(chan struct{}),
	}
}

// Running reports whether the retry loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the retry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRetry(ctx)
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

func (t *Timer) safeRetry(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in delivery timer", "panic", fmt.Sprint(r))
		}
	}()
	t.retry(ctx)
}

func (t *Timer) retry(ctx context.Context) {
	if t.active != nil && !t.active() {
		return
	}
	metrics.SweeperRunsTotal.WithLabelValues("delivery_retry").Inc()

	jobs, err := t.coord.store.ListUndelivered(ctx, retryBatchSize)
	if err != nil {
		t.logger.Warn("failed to list undelivered jobs", "error", err)
		return
	}
	for _, j := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := t.coord.Deliver(ctx, j.ID); err != nil {
			if errors.Is(err, job.ErrAlreadyDelivering) {
				continue
			}
			t.logger.Warn("delivery retry failed", "jobId", j.ID, "error", err)
		}
	}
}
