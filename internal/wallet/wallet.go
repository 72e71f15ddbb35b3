// Package wallet tracks user balances with double-entry style bookkeeping.
//
// Flow:
//  1. Topup credits balance_rub (admin-approved payment)
//  2. Job creation places a hold: balance_rub -> hold_rub
//  3. Job success charges the hold: hold_rub is consumed
//  4. Job failure releases the hold: hold_rub -> balance_rub
//
// A hold MOVES funds out of balance_rub, so the spendable amount is simply
// balance_rub. Every mutation appends a ledger entry; for any (kind, ref)
// at most one entry reaches status=done, which makes retried mutations
// no-ops instead of duplicates.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/vladholos492-wq/mediagw/internal/logging"
	"github.com/vladholos492-wq/mediagw/internal/metrics"
	"github.com/vladholos492-wq/mediagw/internal/money"
)

var (
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrHoldMissing       = errors.New("wallet: no matching hold")
	ErrUserNotFound      = errors.New("wallet: user not found")
)

// Entry kinds.
const (
	KindTopup   = "topup"
	KindHold    = "hold"
	KindCharge  = "charge"
	KindRelease = "release"
	KindRefund  = "refund"
	KindAdjust  = "adjust"
)

// Entry statuses.
const (
	StatusPending   = "pending"
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Meta is free-form context attached to a ledger entry.
type Meta map[string]interface{}

// Wallet is one user's balance snapshot.
type Wallet struct {
	UserID    int64     `json:"userId"`
	Balance   money.RUB `json:"balanceRub"`
	Hold      money.RUB `json:"holdRub"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Available is the spendable amount. Held funds already left Balance, so
// Available equals Balance.
func (w *Wallet) Available() money.RUB { return w.Balance }

// Entry is one append-only ledger row. Entries are never mutated after
// insert except for pending topups swept to failed.
type Entry struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Kind      string    `json:"kind"`
	Amount    money.RUB `json:"amountRub"`
	Status    string    `json:"status"`
	Ref       string    `json:"ref,omitempty"`
	Meta      Meta      `json:"meta,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists wallets and the ledger. Mutations return applied=false
// with a nil error when the (kind, ref) pair was already done — an
// idempotent replay.
type Store interface {
	GetWallet(ctx context.Context, userID int64) (*Wallet, error)
	Topup(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error)
	Hold(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error)
	Charge(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error)
	Release(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error)
	Refund(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error)
	Adjust(ctx context.Context, userID int64, amount money.RUB, credit bool, ref string, meta Meta) (bool, error)
	History(ctx context.Context, userID int64, limit int) ([]*Entry, error)
	SweepStuckTopups(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// Service wraps a Store with validation and metrics.
type Service struct {
	store Store
}

// NewService creates a wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Store exposes the underlying store for transactional composition.
func (s *Service) Store() Store { return s.store }

// GetBalance returns the user's wallet, lazily zero-valued. Takes no lock.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*Wallet, error) {
	return s.store.GetWallet(ctx, userID)
}

// History returns the most recent ledger entries for the user.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, userID, limit)
}

func (s *Service) run(ctx context.Context, kind string, fn func() (bool, error)) (bool, error) {
	applied, err := fn()
	switch {
	case err != nil:
		metrics.LedgerOpsTotal.WithLabelValues(kind, "rejected").Inc()
	case !applied:
		metrics.LedgerOpsTotal.WithLabelValues(kind, "replayed").Inc()
		logging.L(ctx).Debug("ledger replay short-circuit", "kind", kind)
	default:
		metrics.LedgerOpsTotal.WithLabelValues(kind, "applied").Inc()
	}
	return applied, err
}

// Topup credits the balance. Idempotent on (topup, ref).
func (s *Service) Topup(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	if !amount.Positive() {
		return false, ErrInvalidAmount
	}
	return s.run(ctx, KindTopup, func() (bool, error) {
		return s.store.Topup(ctx, userID, amount, ref, meta)
	})
}

// Hold earmarks funds for a pending job. Fails with ErrInsufficientFunds
// when the spendable balance is short. Idempotent on (hold, ref).
func (s *Service) Hold(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	if !amount.Positive() {
		return false, ErrInvalidAmount
	}
	return s.run(ctx, KindHold, func() (bool, error) {
		return s.store.Hold(ctx, userID, amount, ref, meta)
	})
}

// Charge consumes a previously placed hold; nothing returns to balance.
// Requires a done (hold, ref) entry of at least the charged amount.
func (s *Service) Charge(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	if !amount.Positive() {
		return false, ErrInvalidAmount
	}
	return s.run(ctx, KindCharge, func() (bool, error) {
		return s.store.Charge(ctx, userID, amount, ref, meta)
	})
}

// Release returns held funds to balance (job failed or canceled).
func (s *Service) Release(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	if !amount.Positive() {
		return false, ErrInvalidAmount
	}
	return s.run(ctx, KindRelease, func() (bool, error) {
		return s.store.Release(ctx, userID, amount, ref, meta)
	})
}

// Refund reverses a charged item: held funds return to balance.
func (s *Service) Refund(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	if !amount.Positive() {
		return false, ErrInvalidAmount
	}
	return s.run(ctx, KindRefund, func() (bool, error) {
		return s.store.Refund(ctx, userID, amount, ref, meta)
	})
}

// Adjust applies an admin correction in either direction.
func (s *Service) Adjust(ctx context.Context, userID int64, amount money.RUB, credit bool, ref string, meta Meta) (bool, error) {
	if !amount.Positive() {
		return false, ErrInvalidAmount
	}
	return s.run(ctx, KindAdjust, func() (bool, error) {
		return s.store.Adjust(ctx, userID, amount, credit, ref, meta)
	})
}
