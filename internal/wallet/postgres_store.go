package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladholos492-wq/mediagw/internal/money"
	"github.com/vladholos492-wq/mediagw/internal/storage"
)

// PostgresStore implements Store with PostgreSQL.
//
// Every mutation runs in a single transaction with SELECT ... FOR UPDATE on
// the wallet row, which prevents TOCTOU between the balance check and the
// deduction when multiple ingress workers serve the same user. The *InTx
// variants let the job engine compose a hold/charge/release with its own
// job-row mutation inside one transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the pool for transactional composition by other stores.
func (p *PostgresStore) DB() *sql.DB { return p.db }

// GetWallet retrieves a wallet snapshot without locking. Users without a
// wallet row get a zero wallet (wallets are created lazily).
func (p *PostgresStore) GetWallet(ctx context.Context, userID int64) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	var bal, hold string

	err := p.db.QueryRowContext(ctx, `
		SELECT balance_rub, hold_rub, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&bal, &hold, &w.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Wallet{UserID: userID, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, err
	}

	w.Balance, _ = money.Parse(bal)
	w.Hold, _ = money.Parse(hold)
	return w, nil
}

func (p *PostgresStore) mutate(ctx context.Context, op string, fn func(tx *sql.Tx) (bool, error)) (bool, error) {
	var applied bool
	err := storage.Retry(ctx, op, func() error {
		return storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
			var err error
			applied, err = fn(tx)
			return err
		})
	})
	return applied, err
}

// Topup credits the balance. Idempotent on (topup, ref).
func (p *PostgresStore) Topup(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	return p.mutate(ctx, "wallet.topup", func(tx *sql.Tx) (bool, error) {
		return p.TopupInTx(ctx, tx, userID, amount, ref, meta)
	})
}

// Hold moves funds from balance to hold. Idempotent on (hold, ref).
func (p *PostgresStore) Hold(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	return p.mutate(ctx, "wallet.hold", func(tx *sql.Tx) (bool, error) {
		return p.HoldInTx(ctx, tx, userID, amount, ref, meta)
	})
}

// Charge consumes a hold placed under the same ref. Idempotent on
// (charge, ref).
func (p *PostgresStore) Charge(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	return p.mutate(ctx, "wallet.charge", func(tx *sql.Tx) (bool, error) {
		return p.ChargeInTx(ctx, tx, userID, amount, ref, ref, meta)
	})
}

// Release returns held funds to balance. Idempotent on (release, ref).
func (p *PostgresStore) Release(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	return p.mutate(ctx, "wallet.release", func(tx *sql.Tx) (bool, error) {
		return p.ReleaseInTx(ctx, tx, userID, amount, ref, meta)
	})
}

// Refund reverses a charged item back to balance. Idempotent on (refund, ref).
func (p *PostgresStore) Refund(ctx context.Context, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	return p.mutate(ctx, "wallet.refund", func(tx *sql.Tx) (bool, error) {
		return p.returnHoldInTx(ctx, tx, userID, amount, KindRefund, ref, meta)
	})
}

// Adjust applies an admin correction. credit=true adds to balance,
// credit=false subtracts (bounded by the current balance).
func (p *PostgresStore) Adjust(ctx context.Context, userID int64, amount money.RUB, credit bool, ref string, meta Meta) (bool, error) {
	return p.mutate(ctx, "wallet.adjust", func(tx *sql.Tx) (bool, error) {
		if done, err := entryDone(ctx, tx, userID, KindAdjust, ref); err != nil || done {
			return false, err
		}
		bal, _, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return false, err
		}
		if !credit && bal < amount {
			return false, ErrInsufficientFunds
		}
		if meta == nil {
			meta = Meta{}
		}
		if credit {
			meta["direction"] = "credit"
		} else {
			meta["direction"] = "debit"
		}
		if err := insertEntry(ctx, tx, userID, KindAdjust, amount, StatusDone, ref, meta); err != nil {
			return false, err
		}
		delta := amount.Format()
		if !credit {
			delta = "-" + delta
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE wallets SET
				balance_rub = balance_rub + $2::NUMERIC(12,2),
				updated_at  = NOW()
			WHERE user_id = $1
		`, userID, delta)
		return err == nil, err
	})
}

// TopupInTx credits the balance inside the caller's transaction.
func (p *PostgresStore) TopupInTx(ctx context.Context, tx *sql.Tx, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	if done, err := entryDone(ctx, tx, userID, KindTopup, ref); err != nil || done {
		return false, err
	}
	if _, _, err := lockWallet(ctx, tx, userID); err != nil {
		return false, err
	}
	if err := insertEntry(ctx, tx, userID, KindTopup, amount, StatusDone, ref, meta); err != nil {
		return false, err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance_rub = balance_rub + $2::NUMERIC(12,2),
			updated_at  = NOW()
		WHERE user_id = $1
	`, userID, amount.Format())
	return err == nil, err
}

// HoldInTx places a hold inside the caller's transaction: the wallet row is
// locked, the spendable balance checked, and balance moves into hold.
func (p *PostgresStore) HoldInTx(ctx context.Context, tx *sql.Tx, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	if done, err := entryDone(ctx, tx, userID, KindHold, ref); err != nil || done {
		return false, err
	}
	bal, _, err := lockWallet(ctx, tx, userID)
	if err != nil {
		return false, err
	}
	if bal < amount {
		return false, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, amount, bal)
	}
	if err := insertEntry(ctx, tx, userID, KindHold, amount, StatusDone, ref, meta); err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance_rub = balance_rub - $2::NUMERIC(12,2),
			hold_rub    = hold_rub    + $2::NUMERIC(12,2),
			updated_at  = NOW()
		WHERE user_id = $1
	`, userID, amount.Format())
	return err == nil, err
}

// ChargeInTx consumes a hold inside the caller's transaction. A done
// (hold, holdRef) entry of at least the charged amount must exist; the
// charge itself is recorded under ref.
func (p *PostgresStore) ChargeInTx(ctx context.Context, tx *sql.Tx, userID int64, amount money.RUB, holdRef, ref string, meta Meta) (bool, error) {
	if done, err := entryDone(ctx, tx, userID, KindCharge, ref); err != nil || done {
		return false, err
	}

	var heldStr string
	err := tx.QueryRowContext(ctx, `
		SELECT amount_rub FROM ledger
		WHERE user_id = $1 AND ref = $2 AND kind = 'hold' AND status = 'done'
	`, userID, holdRef).Scan(&heldStr)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: ref %s", ErrHoldMissing, holdRef)
	}
	if err != nil {
		return false, err
	}
	held, _ := money.Parse(heldStr)
	if held < amount {
		return false, fmt.Errorf("%w: hold %s smaller than charge %s", ErrHoldMissing, held, amount)
	}

	_, hold, err := lockWallet(ctx, tx, userID)
	if err != nil {
		return false, err
	}
	if hold < amount {
		return false, fmt.Errorf("%w: hold_rub %s below charge %s", ErrHoldMissing, hold, amount)
	}
	if err := insertEntry(ctx, tx, userID, KindCharge, amount, StatusDone, ref, meta); err != nil {
		return false, err
	}
	// The hold is consumed; nothing returns to balance.
	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			hold_rub   = hold_rub - $2::NUMERIC(12,2),
			updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount.Format())
	return err == nil, err
}

// ReleaseInTx returns held funds to balance inside the caller's transaction.
func (p *PostgresStore) ReleaseInTx(ctx context.Context, tx *sql.Tx, userID int64, amount money.RUB, ref string, meta Meta) (bool, error) {
	return p.returnHoldInTx(ctx, tx, userID, amount, KindRelease, ref, meta)
}

func (p *PostgresStore) returnHoldInTx(ctx context.Context, tx *sql.Tx, userID int64, amount money.RUB, kind, ref string, meta Meta) (bool, error) {
	if done, err := entryDone(ctx, tx, userID, kind, ref); err != nil || done {
		return false, err
	}
	_, hold, err := lockWallet(ctx, tx, userID)
	if err != nil {
		return false, err
	}
	if hold < amount {
		return false, fmt.Errorf("%w: hold_rub %s below %s %s", ErrHoldMissing, hold, kind, amount)
	}
	if err := insertEntry(ctx, tx, userID, kind, amount, StatusDone, ref, meta); err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			hold_rub    = hold_rub    - $2::NUMERIC(12,2),
			balance_rub = balance_rub + $2::NUMERIC(12,2),
			updated_at  = NOW()
		WHERE user_id = $1
	`, userID, amount.Format())
	return err == nil, err
}

// History retrieves the most recent ledger entries for a user.
func (p *PostgresStore) History(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, kind, amount_rub, status, ref, meta, created_at
		FROM ledger
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var amt string
		var ref sql.NullString
		var metaRaw []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &amt, &e.Status, &ref, &metaRaw, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = money.Parse(amt)
		e.Ref = ref.String
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &e.Meta)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SweepStuckTopups fails pending topup entries older than the cutoff
// (admin-screenshot payments nobody approved). Bounded batch.
func (p *PostgresStore) SweepStuckTopups(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ledger SET
			status = 'failed',
			meta   = COALESCE(meta, '{}'::jsonb) || '{"note":"payment pending over 24h"}'::jsonb
		WHERE id IN (
			SELECT id FROM ledger
			WHERE kind = 'topup' AND status = 'pending' AND created_at < $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, olderThan.UTC(), limit)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// lockWallet ensures the wallet row exists and locks it, returning the
// current balance and hold.
func lockWallet(ctx context.Context, tx *sql.Tx, userID int64) (money.RUB, money.RUB, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("ensure wallet: %w", err)
	}

	var balStr, holdStr string
	err = tx.QueryRowContext(ctx, `
		SELECT balance_rub, hold_rub FROM wallets
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&balStr, &holdStr)
	if err != nil {
		return 0, 0, fmt.Errorf("lock wallet: %w", err)
	}

	bal, _ := money.Parse(balStr)
	hold, _ := money.Parse(holdStr)
	return bal, hold, nil
}

// entryDone reports whether a done entry with this (kind, ref) already
// exists — the replay short-circuit. Empty refs never match.
func entryDone(ctx context.Context, tx *sql.Tx, userID int64, kind, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	var one int
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM ledger
		WHERE user_id = $1 AND kind = $2 AND ref = $3 AND status = 'done'
	`, userID, kind, ref).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// insertEntry appends a ledger row.
func insertEntry(ctx context.Context, tx *sql.Tx, userID int64, kind string, amount money.RUB, status, ref string, meta Meta) error {
	var refVal sql.NullString
	if ref != "" {
		refVal = sql.NullString{String: ref, Valid: true}
	}
	metaRaw := []byte("{}")
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
		metaRaw = b
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger (user_id, kind, amount_rub, status, ref, meta, created_at)
		VALUES ($1, $2, $3::NUMERIC(12,2), $4, $5, $6, NOW())
	`, userID, kind, amount.Format(), status, refVal, metaRaw)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
