package job

import (
	"context"
	"encoding/json"

	"github.com/vladholos492-wq/mediagw/internal/logging"
	"github.com/vladholos492-wq/mediagw/internal/metrics"
	"github.com/vladholos492-wq/mediagw/internal/traces"
)

// TaskCreator is the slice of the upstream client the engine needs.
type TaskCreator interface {
	CreateTask(ctx context.Context, model string, input json.RawMessage, callbackURL string) (string, error)
}

// Deliverer receives completed jobs for the chat-platform side effect.
type Deliverer interface {
	Enqueue(jobID string)
}

// FreeTierInfo tells the engine whether a model is free-tier, for the
// free_tier_mismatch signal on upstream validation failures.
type FreeTierInfo interface {
	IsFree(ctx context.Context, modelID string) bool
}

// Engine coordinates the job lifecycle: atomic creation, the upstream
// submit, callback application, and the delivery hand-off.
type Engine struct {
	store       Store
	api         TaskCreator
	deliverer   Deliverer
	freeTier    FreeTierInfo
	callbackURL string
}

// NewEngine creates an engine. deliverer and freeTier may be nil.
func NewEngine(store Store, api TaskCreator, deliverer Deliverer, freeTier FreeTierInfo, callbackURL string) *Engine {
	return &Engine{
		store:       store,
		api:         api,
		deliverer:   deliverer,
		freeTier:    freeTier,
		callbackURL: callbackURL,
	}
}

// Store exposes the underlying store for the sweepers and reconciler.
func (e *Engine) Store() Store { return e.store }

// Create atomically creates the job, then submits it upstream. The job row
// exists before the upstream call so a racing callback always has
// something to bind to (it lands in the orphan store until SetRunning
// writes the task ID). An upstream failure fails the job and releases the
// hold.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*Job, bool, error) {
	ctx, span := traces.StartSpan(ctx, "job.create",
		traces.UserID(params.UserID), traces.ModelID(params.ModelID),
		traces.Amount(params.PriceRUB.Format()), traces.Reference(params.IdempotencyKey))
	defer span.End()

	j, created, err := e.store.Create(ctx, params)
	if err != nil {
		return nil, false, err
	}
	span.SetAttributes(traces.JobID(j.ID))
	log := logging.L(ctx)
	if !created {
		log.Info("duplicate submit, returning existing job",
			"jobId", j.ID, "idempotencyKey", j.IdempotencyKey)
		return j, false, nil
	}
	metrics.JobsTotal.WithLabelValues(StatusPending).Inc()
	log.Info("job created",
		"jobId", j.ID, "userId", j.UserID, "model", j.ModelID, "priceRub", j.PriceRUB.Format())

	taskID, err := e.api.CreateTask(ctx, j.ModelID, j.Input, e.callbackURL)
	if err != nil {
		log.Warn("upstream task creation failed", "jobId", j.ID, "error", err)
		failed, failErr := e.store.Fail(ctx, j.ID, "upstream: "+err.Error())
		if failErr != nil {
			log.Error("failed to fail job after upstream error", "jobId", j.ID, "error", failErr)
			return j, true, err
		}
		metrics.JobsTotal.WithLabelValues(StatusFailed).Inc()
		return failed, true, err
	}

	running, err := e.store.SetRunning(ctx, j.ID, taskID)
	if err != nil {
		return j, true, err
	}
	log.Info("job running", "jobId", j.ID, "taskId", taskID)
	return running, true, nil
}

// ApplyResultNote values surfaced to the chat layer.
const NoteFreeTierMismatch = "free_tier_mismatch"

// Applied wraps the store outcome with the engine-level note.
type Applied struct {
	*ApplyResult
	Note string
}

// ApplyCallback normalizes the upstream state, applies it, and hands
// completed jobs to the delivery coordinator.
func (e *Engine) ApplyCallback(ctx context.Context, cb *Callback) (*Applied, error) {
	ctx, span := traces.StartSpan(ctx, "job.apply_callback", traces.TaskID(cb.TaskID))
	defer span.End()

	log := logging.L(ctx)

	state, ok := NormalizeState(cb.State)
	if !ok {
		log.Warn("unknown upstream state, ignoring", "taskId", cb.TaskID, "state", cb.State)
		return &Applied{ApplyResult: &ApplyResult{Outcome: OutcomeIgnored}}, nil
	}
	normalized := *cb
	normalized.State = state
	if normalized.UpstreamStatus == "" {
		normalized.UpstreamStatus = cb.State
	}

	res, err := e.store.ApplyCallback(ctx, &normalized)
	if err != nil {
		return nil, err
	}
	if res.Job != nil {
		span.SetAttributes(traces.JobID(res.Job.ID))
	}

	switch res.Outcome {
	case OutcomeOrphaned:
		metrics.CallbacksTotal.WithLabelValues("orphaned").Inc()
		log.Info("callback for unknown task stored as orphan", "taskId", cb.TaskID)
		return &Applied{ApplyResult: res}, nil
	case OutcomeIgnored:
		metrics.CallbacksTotal.WithLabelValues("ignored_terminal").Inc()
		if res.Job != nil && res.Job.Status != state {
			log.Warn("callback for terminal job ignored",
				"jobId", res.Job.ID, "status", res.Job.Status, "incoming", state)
		}
		return &Applied{ApplyResult: res}, nil
	}

	metrics.CallbacksTotal.WithLabelValues("applied").Inc()
	metrics.JobsTotal.WithLabelValues(state).Inc()
	j := res.Job
	log.Info("callback applied",
		"jobId", j.ID, "taskId", cb.TaskID, "status", state, "upstream", normalized.UpstreamStatus)

	out := &Applied{ApplyResult: res}
	switch state {
	case StatusDone:
		if j.ChatID != nil && e.deliverer != nil {
			e.deliverer.Enqueue(j.ID)
		}
	case StatusFailed:
		if e.freeTier != nil && !j.Paid() && e.freeTier.IsFree(ctx, j.ModelID) {
			out.Note = NoteFreeTierMismatch
		}
	}
	return out, nil
}

// Cancel applies a user-initiated cancel through the callback path so the
// hold release shares the transaction.
func (e *Engine) Cancel(ctx context.Context, jobID string) (*Job, error) {
	j, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if IsTerminal(j.Status) {
		return j, nil
	}
	if j.ExternalTaskID == "" {
		return e.store.Fail(ctx, jobID, "canceled before dispatch")
	}
	res, err := e.store.ApplyCallback(ctx, &Callback{
		TaskID:         j.ExternalTaskID,
		State:          StatusCanceled,
		UpstreamStatus: "canceled",
		ErrorText:      "canceled by user",
	})
	if err != nil {
		return nil, err
	}
	if res.Job != nil {
		return res.Job, nil
	}
	return j, nil
}
