package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vladholos492-wq/mediagw/internal/money"
)

// MemoryStore implements Store with in-process maps. With a data directory
// it snapshots state to wallet.json after every mutation, which is the
// fallback mode when no DATABASE_URL is configured.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[int64]*Wallet
	entries []*Entry
	nextID  int64
	path    string
}

// NewMemoryStore creates an ephemeral in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[int64]*Wallet), nextID: 1}
}

// NewFileStore creates a wallet store persisted as JSON under dir.
// Existing state is loaded; a missing file starts empty.
func NewFileStore(dir string) (*MemoryStore, error) {
	m := NewMemoryStore()
	m.path = filepath.Join(dir, "wallet.json")
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

type walletSnapshot struct {
	Wallets map[int64]*Wallet `json:"wallets"`
	Entries []*Entry          `json:"entries"`
	NextID  int64             `json:"next_id"`
}

func (m *MemoryStore) load() error {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap walletSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("load %s: %w", m.path, err)
	}
	if snap.Wallets != nil {
		m.wallets = snap.Wallets
	}
	m.entries = snap.Entries
	if snap.NextID > 0 {
		m.nextID = snap.NextID
	}
	return nil
}

// persist is called with the lock held. Write errors are returned so the
// caller can surface them; the in-memory mutation has already happened.
func (m *MemoryStore) persist() error {
	if m.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(walletSnapshot{
		Wallets: m.wallets,
		Entries: m.entries,
		NextID:  m.nextID,
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func (m *MemoryStore) wallet(userID int64) *Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		w = &Wallet{UserID: userID, UpdatedAt: time.Now().UTC()}
		m.wallets[userID] = w
	}
	return w
}

func (m *MemoryStore) done(userID int64, kind, ref string) bool {
	if ref == "" {
		return false
	}
	for _, e := range m.entries {
		if e.UserID == userID && e.Kind == kind && e.Ref == ref && e.Status == StatusDone {
			return true
		}
	}
	return false
}

func (m *MemoryStore) append(userID int64, kind string, amount money.RUB, status, ref string, meta Meta) {
	m.entries = append(m.entries, &Entry{
		ID:        m.nextID,
		UserID:    userID,
		Kind:      kind,
		Amount:    amount,
		Status:    status,
		Ref:       ref,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	})
	m.nextID++
}

// GetWallet retrieves a wallet snapshot, zero for unknown users.
func (m *MemoryStore) GetWallet(ctx context.Context, userID int64) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[userID]; ok {
		cp := *w
		return &cp, nil
	}
	return &Wallet{UserID: userID, UpdatedAt: time.Now().UTC()}, nil
}

func (m *MemoryStore) Topup(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done(userID, KindTopup, ref) {
		return false, nil
	}
	w := m.wallet(userID)
	m.append(userID, KindTopup, amount, StatusDone, ref, meta)
	w.Balance += amount
	w.UpdatedAt = time.Now().UTC()
	return true, m.persist()
}

func (m *MemoryStore) Hold(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holdLocked(userID, amount, ref, meta)
}

func (m *MemoryStore) holdLocked(userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	if m.done(userID, KindHold, ref) {
		return false, nil
	}
	w := m.wallet(userID)
	if w.Balance < amount {
		return false, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, amount, w.Balance)
	}
	m.append(userID, KindHold, amount, StatusDone, ref, meta)
	w.Balance -= amount
	w.Hold += amount
	w.UpdatedAt = time.Now().UTC()
	return true, m.persist()
}

func (m *MemoryStore) Charge(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chargeLocked(userID, amount, ref, ref, meta)
}

func (m *MemoryStore) chargeLocked(userID int64, amount money.RUB, holdRef, ref string, meta Meta) (bool, error) {
	if m.done(userID, KindCharge, ref) {
		return false, nil
	}
	var held money.RUB
	found := false
	for _, e := range m.entries {
		if e.UserID == userID && e.Kind == KindHold && e.Ref == holdRef && e.Status == StatusDone {
			held, found = e.Amount, true
			break
		}
	}
	if !found || held < amount {
		return false, fmt.Errorf("%w: ref %s", ErrHoldMissing, holdRef)
	}
	w := m.wallet(userID)
	if w.Hold < amount {
		return false, fmt.Errorf("%w: hold %s below charge %s", ErrHoldMissing, w.Hold, amount)
	}
	m.append(userID, KindCharge, amount, StatusDone, ref, meta)
	w.Hold -= amount
	w.UpdatedAt = time.Now().UTC()
	return true, m.persist()
}

func (m *MemoryStore) Release(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.returnHoldLocked(userID, amount, KindRelease, ref, meta)
}

func (m *MemoryStore) Refund(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.returnHoldLocked(userID, amount, KindRefund, ref, meta)
}

func (m *MemoryStore) returnHoldLocked(userID int64, amount money.RUB, kind, ref string, meta Meta) (bool, error) {
	if m.done(userID, kind, ref) {
		return false, nil
	}
	w := m.wallet(userID)
	if w.Hold < amount {
		return false, fmt.Errorf("%w: hold %s below %s %s", ErrHoldMissing, w.Hold, kind, amount)
	}
	m.append(userID, kind, amount, StatusDone, ref, meta)
	w.Hold -= amount
	w.Balance += amount
	w.UpdatedAt = time.Now().UTC()
	return true, m.persist()
}

func (m *MemoryStore) Adjust(ctx context.Context, userID int64, amount money.RUB, credit bool, ref string, meta Meta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done(userID, KindAdjust, ref) {
		return false, nil
	}
	w := m.wallet(userID)
	if !credit && w.Balance < amount {
		return false, ErrInsufficientFunds
	}
	if meta == nil {
		meta = Meta{}
	}
	if credit {
		meta["direction"] = "credit"
		w.Balance += amount
	} else {
		meta["direction"] = "debit"
		w.Balance -= amount
	}
	m.append(userID, KindAdjust, amount, StatusDone, ref, meta)
	w.UpdatedAt = time.Now().UTC()
	return true, m.persist()
}

func (m *MemoryStore) History(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SweepStuckTopups(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stuck []*Entry
	for _, e := range m.entries {
		if e.Kind == KindTopup && e.Status == StatusPending && e.CreatedAt.Before(olderThan) {
			stuck = append(stuck, e)
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].CreatedAt.Before(stuck[j].CreatedAt) })
	if len(stuck) > limit {
		stuck = stuck[:limit]
	}
	for _, e := range stuck {
		e.Status = StatusFailed
		if e.Meta == nil {
			e.Meta = Meta{}
		}
		e.Meta["note"] = "payment pending over 24h"
	}
	if len(stuck) > 0 {
		if err := m.persist(); err != nil {
			return len(stuck), err
		}
	}
	return len(stuck), nil
}

// HoldFunds, ChargeFunds and ReleaseFunds are the non-context entry points
// the in-memory job store composes with its own mutations.
func (m *MemoryStore) HoldFunds(userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holdLocked(userID, amount, ref, meta)
}

func (m *MemoryStore) ChargeFunds(userID int64, amount money.RUB, holdRef, ref string, meta Meta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chargeLocked(userID, amount, holdRef, ref, meta)
}

func (m *MemoryStore) ReleaseFunds(userID int64, amount money.RUB, kind, ref string, meta Meta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.returnHoldLocked(userID, amount, kind, ref, meta)
}
