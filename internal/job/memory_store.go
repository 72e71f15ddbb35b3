package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladholos492-wq/mediagw/internal/wallet"
)

// MemoryStore implements Store with in-process maps, composing money moves
// through the in-memory wallet store. One mutex serializes everything,
// which stands in for the row locks of the Postgres store.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job    // by ID
	byKey   map[string]string  // idempotency key -> ID
	byTask  map[string]string  // external task ID -> ID
	orphans map[string]*Orphan // by task ID
	users   map[int64]bool
	wallets *wallet.MemoryStore
	now     func() time.Time
}

// NewMemoryStore creates an in-memory job store over the given wallet
// store.
func NewMemoryStore(wallets *wallet.MemoryStore) *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*Job),
		byKey:   make(map[string]string),
		byTask:  make(map[string]string),
		orphans: make(map[string]*Orphan),
		users:   make(map[int64]bool),
		wallets: wallets,
		now:     time.Now,
	}
}

// AddUser registers a user so Create's existence check passes. The
// Postgres store reads the users table instead.
func (m *MemoryStore) AddUser(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = true
}

func copyJob(j *Job) *Job {
	cp := *j
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, params CreateParams) (*Job, bool, error) {
	if len(params.Input) > MaxInputBytes {
		return nil, false, fmt.Errorf("%w: %d bytes", ErrInputTooLarge, len(params.Input))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := params.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("job:%d:%s", params.UserID, uuid.NewString())
	}
	if id, ok := m.byKey[key]; ok {
		return copyJob(m.jobs[id]), false, nil
	}
	if !m.users[params.UserID] {
		return nil, false, fmt.Errorf("%w: %d", ErrUserUnknown, params.UserID)
	}

	id := uuid.NewString()
	if params.PriceRUB > 0 {
		if _, err := m.wallets.HoldFunds(params.UserID, params.PriceRUB, key,
			wallet.Meta{"job_id": id, "model_id": params.ModelID}); err != nil {
			return nil, false, err
		}
	}

	now := m.now().UTC()
	j := &Job{
		ID:             id,
		UserID:         params.UserID,
		ModelID:        params.ModelID,
		Category:       params.Category,
		Input:          params.Input,
		PriceRUB:       params.PriceRUB,
		Status:         StatusPending,
		IdempotencyKey: key,
		ChatID:         params.ChatID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[id] = j
	m.byKey[key] = id
	return copyJob(j), true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (m *MemoryStore) GetByTaskID(ctx context.Context, taskID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTask[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(m.jobs[id]), nil
}

func (m *MemoryStore) SetRunning(ctx context.Context, id, externalTaskID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != StatusPending {
		return copyJob(j), nil
	}
	j.ExternalTaskID = externalTaskID
	j.Status = StatusRunning
	j.UpdatedAt = m.now().UTC()
	m.byTask[externalTaskID] = id
	return copyJob(j), nil
}

func (m *MemoryStore) Fail(ctx context.Context, id, errorText string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if IsTerminal(j.Status) {
		return nil, fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, j.ID, j.Status)
	}
	if err := m.finishLocked(j, StatusFailed, j.UpstreamStatus, nil, errorText); err != nil {
		return nil, err
	}
	return copyJob(j), nil
}

func (m *MemoryStore) ApplyCallback(ctx context.Context, cb *Callback) (*ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byTask[cb.TaskID]
	if !ok {
		payload := cb.Payload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		m.orphans[cb.TaskID] = &Orphan{
			TaskID:     cb.TaskID,
			Payload:    payload,
			ReceivedAt: m.now().UTC(),
		}
		return &ApplyResult{Outcome: OutcomeOrphaned}, nil
	}

	j := m.jobs[id]
	if IsTerminal(j.Status) {
		return &ApplyResult{Outcome: OutcomeIgnored, Job: copyJob(j)}, nil
	}
	if err := m.finishLocked(j, cb.State, cb.UpstreamStatus, cb.Result, cb.ErrorText); err != nil {
		return nil, err
	}
	return &ApplyResult{Outcome: OutcomeApplied, Job: copyJob(j)}, nil
}

func (m *MemoryStore) finishLocked(j *Job, status, upstream string, result []byte, errorText string) error {
	terminal := IsTerminal(status)

	if j.Paid() && terminal {
		var err error
		switch status {
		case StatusDone:
			_, err = m.wallets.ChargeFunds(j.UserID, j.PriceRUB, j.HoldRef(), j.ChargeRef(),
				wallet.Meta{"job_id": j.ID})
		case StatusFailed, StatusCanceled:
			_, err = m.wallets.ReleaseFunds(j.UserID, j.PriceRUB, wallet.KindRelease, j.RefundRef(),
				wallet.Meta{"job_id": j.ID, "reason": errorText})
		}
		if err != nil {
			return err
		}
	}

	j.Status = status
	if upstream != "" {
		j.UpstreamStatus = upstream
	}
	if len(result) > 0 {
		j.Result = result
	}
	if errorText != "" {
		j.ErrorText = errorText
	}
	now := m.now().UTC()
	j.UpdatedAt = now
	if terminal {
		j.FinishedAt = &now
	}
	return nil
}

func (m *MemoryStore) AcquireDelivery(ctx context.Context, key string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[key]
	if !ok {
		if id, found := m.byTask[key]; found {
			j = m.jobs[id]
			ok = true
		}
	}
	if !ok {
		return nil, ErrAlreadyDelivering
	}

	now := m.now().UTC()
	if j.Status != StatusDone || j.DeliveredAt != nil {
		return nil, ErrAlreadyDelivering
	}
	if j.DeliveringAt != nil && now.Sub(*j.DeliveringAt) < deliveryLease {
		return nil, ErrAlreadyDelivering
	}
	j.DeliveringAt = &now
	j.UpdatedAt = now
	return copyJob(j), nil
}

func (m *MemoryStore) MarkDelivered(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	now := m.now().UTC()
	j.DeliveredAt = &now
	j.DeliveringAt = nil
	j.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ReleaseDeliveryLock(ctx context.Context, id, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.DeliveringAt = nil
	if note != "" {
		j.ErrorText = note
	}
	j.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) ListUndelivered(ctx context.Context, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Job
	for _, j := range m.jobs {
		if j.Status == StatusDone && j.DeliveredAt == nil && j.ChatID != nil {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SweepStale(ctx context.Context, cutoff time.Time, limit int) ([]*SweptJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []*Job
	for _, j := range m.jobs {
		if j.Status == StatusRunning && j.UpdatedAt.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	sort.Slice(stale, func(i, k int) bool { return stale[i].UpdatedAt.Before(stale[k].UpdatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}

	var swept []*SweptJob
	for _, j := range stale {
		before, _ := m.wallets.GetWallet(ctx, j.UserID)
		if err := m.finishLocked(j, StatusFailed, "", nil, "no callback after 30 min"); err != nil {
			return swept, err
		}
		after, _ := m.wallets.GetWallet(ctx, j.UserID)
		swept = append(swept, &SweptJob{
			Job:           copyJob(j),
			BalanceBefore: before.Balance.Format(),
			BalanceAfter:  after.Balance.Format(),
		})
	}
	return swept, nil
}

func (m *MemoryStore) ListUnprocessedOrphans(ctx context.Context, limit int) ([]*Orphan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Orphan
	for _, o := range m.orphans {
		if !o.Processed {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ReceivedAt.Before(out[k].ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkOrphanProcessed(ctx context.Context, taskID, errorText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orphans[taskID]
	if !ok {
		return ErrNotFound
	}
	now := m.now().UTC()
	o.Processed = true
	o.ProcessedAt = &now
	if errorText != "" {
		o.ErrorText = errorText
	}
	return nil
}
