// Package job drives the generation-job lifecycle.
//
// Flow:
//  1. Create opens one transaction: idempotency-key lookup, user check,
//     wallet hold, input size check, insert pending
//  2. After commit the engine submits the task upstream and moves the job
//     to running (or fails it and releases the hold)
//  3. ApplyCallback binds an upstream callback to the job row under lock,
//     charges or releases the hold, and hands completed jobs to delivery
//  4. Sweepers fail running jobs that never got a callback and expire
//     orphan callbacks nothing claimed
//
// Terminal states are absorbing. Every money move shares the transaction
// of the status change that caused it.
package job

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vladholos492-wq/mediagw/internal/catalog"
	"github.com/vladholos492-wq/mediagw/internal/money"
)

var (
	ErrNotFound          = errors.New("job: not found")
	ErrUserUnknown       = errors.New("job: user unknown")
	ErrInputTooLarge     = errors.New("job: input too large")
	ErrInvalidTransition = errors.New("job: invalid status transition")
	ErrAlreadyDelivering = errors.New("job: already delivered or in flight")
)

// Job statuses.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// MaxInputBytes caps the serialized job input.
const MaxInputBytes = 10 << 20

// IsTerminal reports whether a status is absorbing.
func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusFailed || status == StatusCanceled
}

// upstreamAliases maps upstream state names onto our statuses.
var upstreamAliases = map[string]string{
	"success":    StatusDone,
	"completed":  StatusDone,
	"succeeded":  StatusDone,
	"done":       StatusDone,
	"fail":       StatusFailed,
	"failed":     StatusFailed,
	"error":      StatusFailed,
	"timeout":    StatusFailed,
	"canceled":   StatusCanceled,
	"cancelled":  StatusCanceled,
	"pending":    StatusRunning,
	"waiting":    StatusRunning,
	"queued":     StatusRunning,
	"queueing":   StatusRunning,
	"processing": StatusRunning,
	"running":    StatusRunning,
}

// NormalizeState maps an upstream state onto a job status. Unknown states
// report ok=false and must be ignored by the caller.
func NormalizeState(state string) (string, bool) {
	s, ok := upstreamAliases[state]
	return s, ok
}

// Job is one generation request.
type Job struct {
	ID             string           `json:"id"`
	UserID         int64            `json:"userId"`
	ModelID        string           `json:"modelId"`
	Category       catalog.Category `json:"category"`
	Input          json.RawMessage  `json:"input,omitempty"`
	PriceRUB       money.RUB        `json:"priceRub"`
	Status         string           `json:"status"`
	ExternalTaskID string           `json:"externalTaskId,omitempty"`
	UpstreamStatus string           `json:"upstreamStatus,omitempty"`
	Result         json.RawMessage  `json:"result,omitempty"`
	ErrorText      string           `json:"errorText,omitempty"`
	IdempotencyKey string           `json:"idempotencyKey"`
	ChatID         *int64           `json:"chatId,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	FinishedAt     *time.Time       `json:"finishedAt,omitempty"`
	DeliveredAt    *time.Time       `json:"deliveredAt,omitempty"`
	DeliveringAt   *time.Time       `json:"deliveringAt,omitempty"`
}

// HoldRef is the ledger ref for this job's hold and charge.
func (j *Job) HoldRef() string { return j.IdempotencyKey }

// ChargeRef is the ledger ref used when the hold is consumed.
func (j *Job) ChargeRef() string { return "job:" + j.ID }

// RefundRef is the ledger ref used when the hold is released.
func (j *Job) RefundRef() string { return "job:" + j.ID + ":refund" }

// Paid reports whether money is at stake for this job.
func (j *Job) Paid() bool { return j.PriceRUB > 0 }

// CreateParams is the input to atomic creation.
type CreateParams struct {
	UserID         int64
	ModelID        string
	Category       catalog.Category
	Input          json.RawMessage
	PriceRUB       money.RUB
	ChatID         *int64
	IdempotencyKey string
}

// Callback is a normalized upstream completion event.
type Callback struct {
	TaskID         string
	State          string // normalized job status
	UpstreamStatus string // raw upstream state
	Result         json.RawMessage
	ErrorText      string
	Payload        json.RawMessage // full envelope, persisted for orphans
}

// Apply outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeOrphaned = "orphaned"
	OutcomeIgnored  = "ignored_terminal"
)

// ApplyResult reports what a callback did.
type ApplyResult struct {
	Outcome string
	Job     *Job // nil when orphaned
}

// Orphan is a callback that arrived before its job was visible.
type Orphan struct {
	TaskID      string          `json:"taskId"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"receivedAt"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	ErrorText   string          `json:"errorText,omitempty"`
}
