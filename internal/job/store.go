package job

import (
	"context"
	"time"
)

// SweptJob reports one job failed by the stale sweeper, with the wallet
// balances around the hold release for the audit log.
type SweptJob struct {
	Job           *Job
	BalanceBefore string
	BalanceAfter  string
}

// Store persists jobs and composes every money move with the status
// change that caused it, in one transaction.
type Store interface {
	// Create runs atomic creation. When the idempotency key already names
	// a job, that job is returned with created=false and no new hold.
	Create(ctx context.Context, params CreateParams) (j *Job, created bool, err error)

	Get(ctx context.Context, id string) (*Job, error)
	GetByTaskID(ctx context.Context, taskID string) (*Job, error)

	// SetRunning binds the upstream task ID and moves pending → running.
	SetRunning(ctx context.Context, id, externalTaskID string) (*Job, error)

	// Fail moves a non-terminal job to failed and releases its hold.
	Fail(ctx context.Context, id, errorText string) (*Job, error)

	// ApplyCallback locks the job by task ID and applies the state change
	// plus charge or release. Unknown task IDs become orphans.
	ApplyCallback(ctx context.Context, cb *Callback) (*ApplyResult, error)

	// AcquireDelivery wins the delivery lease for a done, undelivered job
	// addressed by job ID or external task ID. Losers get
	// ErrAlreadyDelivering.
	AcquireDelivery(ctx context.Context, key string) (*Job, error)
	MarkDelivered(ctx context.Context, id string) error
	// ReleaseDeliveryLock clears the lease so a later retry can re-acquire,
	// appending a short error note.
	ReleaseDeliveryLock(ctx context.Context, id, note string) error
	ListUndelivered(ctx context.Context, limit int) ([]*Job, error)

	// SweepStale fails running jobs idle since before the cutoff and
	// releases their holds.
	SweepStale(ctx context.Context, cutoff time.Time, limit int) ([]*SweptJob, error)

	ListUnprocessedOrphans(ctx context.Context, limit int) ([]*Orphan, error)
	MarkOrphanProcessed(ctx context.Context, taskID, errorText string) error
}
