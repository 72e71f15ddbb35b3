// Package ratelimit throttles generation requests per user.
//
// Three per-user constraints apply: a cooldown after the last paid
// generation, a sliding one-minute window, and a sliding one-hour window.
// State is process-local; the active/passive model guarantees only one
// process does paid work, so local state is authoritative. A restart loses
// the windows, which at worst grants one grace burst.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reasons.
const (
	ReasonOK          = "ok"
	ReasonCooldown    = "cooldown"
	ReasonMinuteLimit = "minute_limit"
	ReasonHourLimit   = "hour_limit"
)

// Config configures the limiter.
type Config struct {
	// Cooldown is the minimum gap between paid generations.
	Cooldown time.Duration
	// PerMinute is the max generations in any 60 second window.
	PerMinute int
	// PerHour is the max generations in any 3600 second window.
	PerHour int
	// CleanupInterval is how often idle users are evicted.
	CleanupInterval time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		Cooldown:        10 * time.Second,
		PerMinute:       5,
		PerHour:         20,
		CleanupInterval: 5 * time.Minute,
	}
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	WaitSeconds int    `json:"waitSeconds"`
	MinuteUsed  int    `json:"minuteUsed"`
	HourUsed    int    `json:"hourUsed"`
}

type userState struct {
	lastGeneration time.Time
	timestamps     []time.Time // all generations within the last hour
}

// Limiter tracks per-user sliding windows.
type Limiter struct {
	cfg   Config
	mu    sync.Mutex
	users map[int64]*userState
	stop  chan struct{}
	once  sync.Once
	now   func() time.Time
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:   cfg,
		users: make(map[int64]*userState),
		stop:  make(chan struct{}),
		now:   time.Now,
	}
	go l.cleanup()
	return l
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanup() {
	interval := l.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * time.Hour)
			for id, state := range l.users {
				if state.lastGeneration.Before(cutoff) {
					delete(l.users, id)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// trim drops timestamps older than one hour. Called with the lock held.
func (s *userState) trim(now time.Time) {
	hourAgo := now.Add(-time.Hour)
	i := 0
	for i < len(s.timestamps) && s.timestamps[i].Before(hourAgo) {
		i++
	}
	if i > 0 {
		s.timestamps = append(s.timestamps[:0], s.timestamps[i:]...)
	}
}

func (s *userState) counts(now time.Time) (minute, hour int) {
	minuteAgo := now.Add(-time.Minute)
	for _, ts := range s.timestamps {
		if !ts.Before(minuteAgo) {
			minute++
		}
	}
	return minute, len(s.timestamps)
}

// Check evaluates the user's windows without recording anything. The
// cooldown applies only to paid generations.
func (l *Limiter) Check(userID int64, paid bool) *Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, ok := l.users[userID]
	if !ok {
		return &Decision{Allowed: true, Reason: ReasonOK}
	}
	state.trim(now)
	minuteUsed, hourUsed := state.counts(now)

	if paid && l.cfg.Cooldown > 0 && !state.lastGeneration.IsZero() {
		elapsed := now.Sub(state.lastGeneration)
		if elapsed < l.cfg.Cooldown {
			return &Decision{
				Reason:      ReasonCooldown,
				WaitSeconds: ceilSeconds(l.cfg.Cooldown - elapsed),
				MinuteUsed:  minuteUsed,
				HourUsed:    hourUsed,
			}
		}
	}

	if l.cfg.PerMinute > 0 && minuteUsed >= l.cfg.PerMinute {
		oldest := oldestInWindow(state.timestamps, now.Add(-time.Minute))
		return &Decision{
			Reason:      ReasonMinuteLimit,
			WaitSeconds: ceilSeconds(oldest.Add(time.Minute).Sub(now)),
			MinuteUsed:  minuteUsed,
			HourUsed:    hourUsed,
		}
	}

	if l.cfg.PerHour > 0 && hourUsed >= l.cfg.PerHour {
		oldest := oldestInWindow(state.timestamps, now.Add(-time.Hour))
		return &Decision{
			Reason:      ReasonHourLimit,
			WaitSeconds: ceilSeconds(oldest.Add(time.Hour).Sub(now)),
			MinuteUsed:  minuteUsed,
			HourUsed:    hourUsed,
		}
	}

	return &Decision{Allowed: true, Reason: ReasonOK, MinuteUsed: minuteUsed, HourUsed: hourUsed}
}

// Record appends a generation timestamp for the user.
func (l *Limiter) Record(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, ok := l.users[userID]
	if !ok {
		state = &userState{}
		l.users[userID] = state
	}
	state.trim(now)
	state.lastGeneration = now
	state.timestamps = append(state.timestamps, now)
}

func oldestInWindow(timestamps []time.Time, since time.Time) time.Time {
	for _, ts := range timestamps {
		if !ts.Before(since) {
			return ts
		}
	}
	return since
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
