package users

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps users in process, optionally persisted as JSON.
type MemoryStore struct {
	mu      sync.Mutex
	users   map[int64]*User
	actions []*AdminAction
	uiState map[int64]json.RawMessage
	nextID  int64
	path    string

	// now is swappable in tests
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[int64]*User),
		uiState: make(map[int64]json.RawMessage),
		now:     time.Now,
	}
}

// NewFileStore loads users.json from dir, creating it on first save.
func NewFileStore(dir string) (*MemoryStore, error) {
	m := NewMemoryStore()
	m.path = filepath.Join(dir, "users.json")

	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	var snap userSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	for _, u := range snap.Users {
		m.users[u.ID] = u
	}
	m.actions = snap.Actions
	m.nextID = snap.NextID
	for id, st := range snap.UIState {
		m.uiState[id] = st
	}
	return m, nil
}

type userSnapshot struct {
	Users   []*User                   `json:"users"`
	Actions []*AdminAction            `json:"actions"`
	UIState map[int64]json.RawMessage `json:"uiState,omitempty"`
	NextID  int64                     `json:"nextId"`
}

func (m *MemoryStore) persist() {
	if m.path == "" {
		return
	}
	snap := userSnapshot{Actions: m.actions, UIState: m.uiState, NextID: m.nextID}
	for _, u := range m.users {
		snap.Users = append(snap.Users, u)
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].ID < snap.Users[j].ID })

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, m.path)
}

func copyUser(u *User) *User {
	c := *u
	return &c
}

func (m *MemoryStore) EnsureUser(ctx context.Context, id int64, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	u, ok := m.users[id]
	if !ok {
		u = &User{ID: id, Username: username, Role: RoleUser, CreatedAt: now, LastSeenAt: now}
		m.users[id] = u
	} else {
		if username != "" {
			u.Username = username
		}
		u.LastSeenAt = now
	}
	m.persist()
	return copyUser(u), nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (m *MemoryStore) SetRole(ctx context.Context, adminID, targetID int64, role string) error {
	if !ValidRole(role) {
		return ErrInvalidRole
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[targetID]
	if !ok {
		return ErrNotFound
	}
	u.Role = role
	m.appendActionLocked(adminID, "set_role", targetID, role)
	m.persist()
	return nil
}

func (m *MemoryStore) Audit(ctx context.Context, adminID int64, action string, targetID int64, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendActionLocked(adminID, action, targetID, details)
	m.persist()
	return nil
}

func (m *MemoryStore) appendActionLocked(adminID int64, action string, targetID int64, details string) {
	m.nextID++
	m.actions = append(m.actions, &AdminAction{
		ID:        m.nextID,
		AdminID:   adminID,
		Action:    action,
		TargetID:  targetID,
		Details:   details,
		CreatedAt: m.now().UTC(),
	})
}

func (m *MemoryStore) GetUIState(ctx context.Context, userID int64) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.uiState[userID]
	if !ok {
		return nil, nil
	}
	out := make(json.RawMessage, len(st))
	copy(out, st)
	return out, nil
}

func (m *MemoryStore) SetUIState(ctx context.Context, userID int64, state json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := make(json.RawMessage, len(state))
	copy(st, state)
	m.uiState[userID] = st
	m.persist()
	return nil
}

func (m *MemoryStore) ListByRole(ctx context.Context, role string) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*User
	for _, u := range m.users {
		if u.Role == role {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListActions(ctx context.Context, limit int) ([]*AdminAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*AdminAction
	for i := len(m.actions) - 1; i >= 0 && len(out) < limit; i-- {
		a := *m.actions[i]
		out = append(out, &a)
	}
	return out, nil
}
