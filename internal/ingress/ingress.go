// Package ingress dispatches chat-platform updates to handlers.
//
// Flow:
//  1. Updates land in a bounded in-memory buffer; a full buffer drops
//     the update rather than block the poller
//  2. A worker pool claims each update exactly once across all
//     instances before handling it
//  3. Each update gets a correlation ID carried through the context,
//     tagging every log line it produces
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vladholos492-wq/mediagw/internal/idgen"
	"github.com/vladholos492-wq/mediagw/internal/logging"
	"github.com/vladholos492-wq/mediagw/internal/metrics"
)

const (
	defaultBufferSize = 512
	defaultWorkers    = 8
)

// Update is one inbound chat-platform event.
type Update struct {
	ID      int64
	Type    string
	UserID  int64
	ChatID  int64
	Payload json.RawMessage
}

// Handler processes one claimed update.
type Handler func(ctx context.Context, u *Update) error

// Dedup claims an update ID exactly once across all instances.
type Dedup interface {
	ClaimUpdate(ctx context.Context, updateID int64, workerID, updateType string) (bool, error)
}

// Config tunes the dispatcher.
type Config struct {
	BufferSize int
	Workers    int
}

// Dispatcher owns the buffer, the worker pool, and the handler registry.
type Dispatcher struct {
	dedup    Dedup
	workerID string
	logger   *slog.Logger
	queue    chan *Update
	workers  int

	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler

	wg   sync.WaitGroup
	once sync.Once
	stop chan struct{}
}

// New creates a dispatcher. workerID identifies this instance in the
// processed-updates table.
func New(dedup Dedup, workerID string, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Dispatcher{
		dedup:    dedup,
		workerID: workerID,
		logger:   logger,
		queue:    make(chan *Update, cfg.BufferSize),
		workers:  cfg.Workers,
		handlers: make(map[string]Handler),
		stop:     make(chan struct{}),
	}
}

// Register binds a handler to an update type. Must be called before Start.
func (d *Dispatcher) Register(updateType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[updateType] = h
}

// RegisterFallback binds the handler for update types with no explicit
// registration.
func (d *Dispatcher) RegisterFallback(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = h
}

// Submit enqueues an update. Returns false when the buffer is full.
func (d *Dispatcher) Submit(u *Update) bool {
	select {
	case d.queue <- u:
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		metrics.IngressUpdatesTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("ingress buffer full, dropping update", "updateId", u.ID, "type", u.Type)
		return false
	}
}

// QueueDepth reports the current buffer depth.
func (d *Dispatcher) QueueDepth() int { return len(d.queue) }

// Start launches the worker pool. Returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop drains no further updates and waits for in-flight handlers.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case u := <-d.queue:
			metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
			d.handle(ctx, u)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, u *Update) {
	ctx = logging.WithCorrelationID(ctx, idgen.Correlation())
	log := logging.L(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic handling update", "updateId", u.ID, "panic", fmt.Sprint(r))
		}
	}()

	claimed, err := d.dedup.ClaimUpdate(ctx, u.ID, d.workerID, u.Type)
	if err != nil {
		log.Error("failed to claim update", "updateId", u.ID, "error", err)
		return
	}
	if !claimed {
		metrics.IngressUpdatesTotal.WithLabelValues("duplicate").Inc()
		log.Debug("update already claimed elsewhere", "updateId", u.ID)
		return
	}

	h := d.handlerFor(u.Type)
	if h == nil {
		metrics.IngressUpdatesTotal.WithLabelValues("unhandled").Inc()
		log.Debug("no handler for update type", "updateId", u.ID, "type", u.Type)
		return
	}

	if err := h(ctx, u); err != nil {
		metrics.IngressUpdatesTotal.WithLabelValues("failed").Inc()
		log.Error("handler failed", "updateId", u.ID, "type", u.Type, "error", err)
		return
	}
	metrics.IngressUpdatesTotal.WithLabelValues("handled").Inc()
}

func (d *Dispatcher) handlerFor(updateType string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if h, ok := d.handlers[updateType]; ok {
		return h
	}
	return d.fallback
}
