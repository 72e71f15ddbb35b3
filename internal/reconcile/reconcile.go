// Package reconcile re-applies orphaned callbacks once their job appears.
//
// Flow:
//  1. Every minute, list unprocessed orphans oldest first
//  2. If the job is now visible under the orphan's task ID, replay the
//     stored payload through the normal callback path
//  3. Orphans older than an hour with no matching job are expired; their
//     task IDs were never ours
//
// Replaying goes through the engine so money settlement and delivery
// enqueueing behave exactly as a live callback would.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vladholos492-wq/mediagw/internal/callback"
	"github.com/vladholos492-wq/mediagw/internal/job"
	"github.com/vladholos492-wq/mediagw/internal/metrics"
)

const (
	reconcileInterval = time.Minute
	orphanMaxAge      = time.Hour
	orphanBatchSize   = 50
)

// Store is the slice of the job store the reconciler needs.
type Store interface {
	GetByTaskID(ctx context.Context, taskID string) (*job.Job, error)
	ListUnprocessedOrphans(ctx context.Context, limit int) ([]*job.Orphan, error)
	MarkOrphanProcessed(ctx context.Context, taskID, errorText string) error
}

// Applier replays a callback. Satisfied by *job.Engine.
type Applier interface {
	ApplyCallback(ctx context.Context, cb *job.Callback) (*job.Applied, error)
}

// Reconciler periodically drains the orphan store.
type Reconciler struct {
	store   Store
	applier Applier
	logger  *slog.Logger
	active  func() bool
	stop    chan struct{}
	running atomic.Bool

	// now is swappable in tests
	now func() time.Time
}

// New creates an orphan reconciler. A nil active means always active.
func New(store Store, applier Applier, logger *slog.Logger, active func() bool) *Reconciler {
	return &Reconciler{
		store:   store,
		applier: applier,
		logger:  logger,
		active:  active,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

// Running reports whether the reconcile loop is actively running.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start begins the reconcile loop. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRun(ctx)
		}
	}
}

// Stop signals the reconciler to stop.
func (r *Reconciler) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reconciler) safeRun(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in orphan reconciler", "panic", fmt.Sprint(rec))
		}
	}()
	r.run(ctx)
}

func (r *Reconciler) run(ctx context.Context) {
	if r.active != nil && !r.active() {
		return
	}
	metrics.SweeperRunsTotal.WithLabelValues("orphan_reconcile").Inc()

	orphans, err := r.store.ListUnprocessedOrphans(ctx, orphanBatchSize)
	if err != nil {
		r.logger.Warn("failed to list orphans", "error", err)
		return
	}
	for _, o := range orphans {
		if ctx.Err() != nil {
			return
		}
		r.processOne(ctx, o)
	}
}

func (r *Reconciler) processOne(ctx context.Context, o *job.Orphan) {
	_, err := r.store.GetByTaskID(ctx, o.TaskID)
	switch {
	case err == nil:
		r.replay(ctx, o)
	case errors.Is(err, job.ErrNotFound):
		if r.now().UTC().Sub(o.ReceivedAt) > orphanMaxAge {
			if markErr := r.store.MarkOrphanProcessed(ctx, o.TaskID, "expired: no matching job"); markErr != nil {
				r.logger.Warn("failed to expire orphan", "taskId", o.TaskID, "error", markErr)
				return
			}
			metrics.CallbacksTotal.WithLabelValues("orphan_expired").Inc()
			r.logger.Warn("expired orphan callback", "taskId", o.TaskID, "receivedAt", o.ReceivedAt)
		}
	default:
		r.logger.Warn("failed to look up orphan job", "taskId", o.TaskID, "error", err)
	}
}

func (r *Reconciler) replay(ctx context.Context, o *job.Orphan) {
	cb := callback.Parse(o.Payload)
	if cb.TaskID == "" {
		cb.TaskID = o.TaskID
	}

	res, err := r.applier.ApplyCallback(ctx, cb)
	if err != nil {
		r.logger.Warn("failed to replay orphan callback", "taskId", o.TaskID, "error", err)
		return
	}
	if res.Outcome == job.OutcomeOrphaned {
		// still not matching; the task ID was extracted differently than
		// the one the job carries, leave it for expiry
		return
	}
	if err := r.store.MarkOrphanProcessed(ctx, o.TaskID, ""); err != nil {
		r.logger.Warn("failed to mark orphan processed", "taskId", o.TaskID, "error", err)
		return
	}
	metrics.CallbacksTotal.WithLabelValues("orphan_replayed").Inc()
	r.logger.Info("replayed orphan callback", "taskId", o.TaskID, "outcome", res.Outcome)
}
