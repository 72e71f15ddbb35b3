// Package singleton elects one active instance per deployment.
//
// Flow:
//  1. Each instance tries pg_try_advisory_lock on a pinned connection
//  2. The winner runs timers and delivery; losers serve HTTP and wait
//  3. A heartbeat loop refreshes a liveness row; losing the pinned
//     connection demotes immediately and the loop retries acquisition
//
// The advisory lock is session-scoped, so a crashed holder releases it
// the moment Postgres notices the dead connection.
package singleton

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vladholos492-wq/mediagw/internal/metrics"
)

// lockKey identifies the deployment-wide leader lock.
const lockKey int64 = 7764229157312870401

const heartbeatInterval = 10 * time.Second

// Lock states.
const (
	StateHolder  = "holder"
	StateWaiting = "waiting"
)

// Leader answers whether this instance should run singleton work.
type Leader interface {
	Active() bool
	LockState() string
	LockIdle() time.Duration
}

// Lock is the Postgres-backed leader election. Zero value is not usable;
// construct with New.
type Lock struct {
	db         *sql.DB
	instanceID string
	logger     *slog.Logger

	mu           sync.Mutex
	conn         *sql.Conn
	transitionAt time.Time

	active  atomic.Bool
	stop    chan struct{}
	running atomic.Bool
}

// New creates a leader lock for this instance.
func New(db *sql.DB, instanceID string, logger *slog.Logger) *Lock {
	return &Lock{
		db:           db,
		instanceID:   instanceID,
		logger:       logger,
		transitionAt: time.Now(),
		stop:         make(chan struct{}),
	}
}

// Active reports whether this instance currently holds the lock.
func (l *Lock) Active() bool { return l.active.Load() }

// LockState reports holder or waiting.
func (l *Lock) LockState() string {
	if l.active.Load() {
		return StateHolder
	}
	return StateWaiting
}

// LockIdle reports how long the lock state has been unchanged.
func (l *Lock) LockIdle() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.transitionAt)
}

// Running reports whether the election loop is actively running.
func (l *Lock) Running() bool { return l.running.Load() }

// Start runs the acquire/heartbeat loop. Call in a goroutine. Never
// fatal: a lock held elsewhere just means this instance stays passive.
func (l *Lock) Start(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	l.safeTick(ctx)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.release()
			return
		case <-l.stop:
			l.release()
			return
		case <-ticker.C:
			l.safeTick(ctx)
		}
	}
}

// Stop signals the loop to stop and releases the lock.
func (l *Lock) Stop() {
	select {
	case l.stop <- struct{}{}:
	default:
	}
}

func (l *Lock) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in singleton loop", "panic", fmt.Sprint(r))
		}
	}()
	if l.active.Load() {
		l.heartbeat(ctx)
	} else {
		l.tryAcquire(ctx)
	}
}

func (l *Lock) tryAcquire(ctx context.Context) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		l.logger.Warn("failed to open lock connection", "error", err)
		return
	}

	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey).Scan(&got); err != nil {
		l.logger.Warn("advisory lock query failed", "error", err)
		_ = conn.Close()
		return
	}
	if !got {
		_ = conn.Close()
		return
	}

	l.mu.Lock()
	l.conn = conn
	l.transitionAt = time.Now()
	l.mu.Unlock()
	l.active.Store(true)
	metrics.SingletonActive.Set(1)
	l.logger.Info("promoted to active singleton", "instanceId", l.instanceID)

	l.heartbeat(ctx)
}

// heartbeat refreshes the liveness row on the lock connection. Any error
// means the session (and with it the advisory lock) is suspect, so the
// instance demotes itself rather than run doubled timers.
func (l *Lock) heartbeat(ctx context.Context) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return
	}

	_, err := conn.ExecContext(ctx, `
		INSERT INTO singleton_heartbeat (id, instance_id, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET instance_id = EXCLUDED.instance_id, updated_at = NOW()`,
		l.instanceID)
	if err != nil {
		l.logger.Warn("singleton heartbeat failed, demoting", "error", err)
		l.demote()
	}
}

func (l *Lock) demote() {
	l.mu.Lock()
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.transitionAt = time.Now()
	l.mu.Unlock()

	if l.active.Swap(false) {
		metrics.SingletonActive.Set(0)
		l.logger.Info("demoted to passive instance", "instanceId", l.instanceID)
	}
}

func (l *Lock) release() {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, lockKey)
		cancel()
	}
	l.demote()
}

// Static is an always-active leader for single-instance JSON storage mode.
type Static struct{}

func (Static) Active() bool            { return true }
func (Static) LockState() string       { return StateHolder }
func (Static) LockIdle() time.Duration { return 0 }
