// Package freetier accounts free-model usage against daily and hourly quotas.
//
// Flow:
//  1. A handler asks CheckAndReserve before creating a zero-price job
//  2. Inside one transaction the store reads the model's quota config,
//     counts usage in the current UTC day and hour, and (when a job ID is
//     supplied) inserts the usage row
//
// Read-then-write outside a transaction would let two concurrent requests
// slip past the same limit, so the check and the insert share one
// transaction.
package freetier

import (
	"context"
	"time"
)

// Decision reasons.
const (
	ReasonOK             = "ok"
	ReasonNotFree        = "not_free"
	ReasonDailyExceeded  = "daily_exceeded"
	ReasonHourlyExceeded = "hourly_exceeded"
)

// Config is one model's free-tier quota.
type Config struct {
	ModelID     string                 `json:"modelId"`
	Enabled     bool                   `json:"enabled"`
	DailyLimit  int                    `json:"dailyLimit"`
	HourlyLimit int                    `json:"hourlyLimit"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
}

// Usage is one recorded free generation.
type Usage struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	ModelID   string    `json:"modelId"`
	JobID     string    `json:"jobId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	DayUsed     int    `json:"dayUsed"`
	HourUsed    int    `json:"hourUsed"`
	DailyLimit  int    `json:"dailyLimit"`
	HourlyLimit int    `json:"hourlyLimit"`
}

// Store persists free-model configs and usage events.
//
// CheckAndReserve performs the combined check-and-insert. With an empty
// jobID it only checks; the caller reserves later with the real job ID.
// The usage insert is idempotent on (user, model, job).
type Store interface {
	CheckAndReserve(ctx context.Context, userID int64, modelID, jobID string) (*Decision, error)
	GetConfig(ctx context.Context, modelID string) (*Config, error)
	UpsertConfig(ctx context.Context, cfg *Config) error
	ListConfigs(ctx context.Context) ([]*Config, error)
}

// windowStarts returns the beginnings of the current UTC day and hour.
func windowStarts(now time.Time) (dayStart, hourStart time.Time) {
	now = now.UTC()
	dayStart = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	hourStart = now.Truncate(time.Hour)
	return dayStart, hourStart
}

func denied(reason string, dayUsed, hourUsed int, cfg *Config) *Decision {
	d := &Decision{Reason: reason, DayUsed: dayUsed, HourUsed: hourUsed}
	if cfg != nil {
		d.DailyLimit = cfg.DailyLimit
		d.HourlyLimit = cfg.HourlyLimit
	}
	return d
}
