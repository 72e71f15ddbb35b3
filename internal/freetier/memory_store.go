package freetier

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. The mutex makes the
// check-and-insert atomic the same way the Postgres transaction does.
type MemoryStore struct {
	mu      sync.Mutex
	configs map[string]*Config
	usage   []*Usage
	nextID  int64
	now     func() time.Time
}

// NewMemoryStore creates an in-memory free-tier store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(map[string]*Config),
		nextID:  1,
		now:     time.Now,
	}
}

func (m *MemoryStore) CheckAndReserve(ctx context.Context, userID int64, modelID, jobID string) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[modelID]
	if !ok || !cfg.Enabled {
		return denied(ReasonNotFree, 0, 0, cfg), nil
	}

	dayStart, hourStart := windowStarts(m.now())

	var dayUsed, hourUsed int
	replay := false
	for _, u := range m.usage {
		if u.UserID != userID || u.ModelID != modelID {
			continue
		}
		if jobID != "" && u.JobID == jobID {
			replay = true
		}
		if !u.CreatedAt.Before(dayStart) {
			dayUsed++
		}
		if !u.CreatedAt.Before(hourStart) {
			hourUsed++
		}
	}
	if replay {
		return &Decision{Allowed: true, Reason: ReasonOK, DayUsed: dayUsed, HourUsed: hourUsed,
			DailyLimit: cfg.DailyLimit, HourlyLimit: cfg.HourlyLimit}, nil
	}

	if cfg.DailyLimit > 0 && dayUsed >= cfg.DailyLimit {
		return denied(ReasonDailyExceeded, dayUsed, hourUsed, cfg), nil
	}
	if cfg.HourlyLimit > 0 && hourUsed >= cfg.HourlyLimit {
		return denied(ReasonHourlyExceeded, dayUsed, hourUsed, cfg), nil
	}

	if jobID != "" {
		m.usage = append(m.usage, &Usage{
			ID:        m.nextID,
			UserID:    userID,
			ModelID:   modelID,
			JobID:     jobID,
			CreatedAt: m.now().UTC(),
		})
		m.nextID++
	}

	return &Decision{
		Allowed:     true,
		Reason:      ReasonOK,
		DayUsed:     dayUsed,
		HourUsed:    hourUsed,
		DailyLimit:  cfg.DailyLimit,
		HourlyLimit: cfg.HourlyLimit,
	}, nil
}

func (m *MemoryStore) GetConfig(ctx context.Context, modelID string) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.configs[modelID]; ok {
		cp := *cfg
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) UpsertConfig(ctx context.Context, cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cfg
	m.configs[cfg.ModelID] = &cp
	return nil
}

func (m *MemoryStore) ListConfigs(ctx context.Context) ([]*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Config, 0, len(m.configs))
	for _, cfg := range m.configs {
		cp := *cfg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}
