package ingress

import (
	"context"
	"database/sql"
	"sync"

	"github.com/vladholos492-wq/mediagw/internal/storage"
)

// dedupLockSpace namespaces the per-update advisory locks away from the
// singleton lock key.
const dedupLockSpace int32 = 0x6d67

// PostgresDedup claims updates through the processed_updates table.
// The claim runs in one transaction: a transaction-scoped advisory lock
// serializes racing claims for the same update ID, then an insert with
// ON CONFLICT DO NOTHING decides the winner.
type PostgresDedup struct {
	db *sql.DB
}

func NewPostgresDedup(db *sql.DB) *PostgresDedup {
	return &PostgresDedup{db: db}
}

func (p *PostgresDedup) ClaimUpdate(ctx context.Context, updateID int64, workerID, updateType string) (bool, error) {
	var claimed bool
	err := storage.Retry(ctx, "ingress.claim_update", func() error {
		return storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`SELECT pg_advisory_xact_lock($1, $2)`, dedupLockSpace, int32(updateID)); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO processed_updates (update_id, worker_id, update_type)
				VALUES ($1, $2, $3)
				ON CONFLICT (update_id) DO NOTHING`,
				updateID, workerID, updateType)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			claimed = n == 1
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// MemoryDedup is the in-process claim table for JSON storage mode.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[int64]struct{}
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: make(map[int64]struct{})}
}

func (m *MemoryDedup) ClaimUpdate(ctx context.Context, updateID int64, workerID, updateType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[updateID]; dup {
		return false, nil
	}
	m.seen[updateID] = struct{}{}
	return true, nil
}
