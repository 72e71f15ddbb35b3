package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/vladholos492-wq/mediagw/internal/money"
	"github.com/vladholos492-wq/mediagw/internal/storage"
	"github.com/vladholos492-wq/mediagw/internal/wallet"
)

const deliveryLease = 5 * time.Minute

// PostgresStore implements Store with PostgreSQL. Money moves compose with
// job mutations through the wallet store's InTx methods, so a charge or
// release commits in the same transaction as the status change.
type PostgresStore struct {
	db      *sql.DB
	wallets *wallet.PostgresStore
}

// NewPostgresStore creates a PostgreSQL-backed job store.
func NewPostgresStore(db *sql.DB, wallets *wallet.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, wallets: wallets}
}

const jobColumns = `
	id, user_id, model_id, category, input, price_rub, status,
	external_task_id, upstream_status, result, error_text,
	idempotency_key, chat_id, created_at, updated_at,
	finished_at, delivered_at, delivering_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var price string
	var taskID, upstream, errText sql.NullString
	var chatID sql.NullInt64
	var finished, delivered, delivering sql.NullTime

	err := row.Scan(
		&j.ID, &j.UserID, &j.ModelID, &j.Category, &j.Input, &price, &j.Status,
		&taskID, &upstream, &j.Result, &errText,
		&j.IdempotencyKey, &chatID, &j.CreatedAt, &j.UpdatedAt,
		&finished, &delivered, &delivering,
	)
	if err != nil {
		return nil, err
	}
	j.PriceRUB, _ = money.Parse(price)
	j.ExternalTaskID = taskID.String
	j.UpstreamStatus = upstream.String
	j.ErrorText = errText.String
	if chatID.Valid {
		j.ChatID = &chatID.Int64
	}
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	if delivered.Valid {
		j.DeliveredAt = &delivered.Time
	}
	if delivering.Valid {
		j.DeliveringAt = &delivering.Time
	}
	return j, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create runs atomic creation per the lifecycle contract.
func (p *PostgresStore) Create(ctx context.Context, params CreateParams) (*Job, bool, error) {
	if len(params.Input) > MaxInputBytes {
		return nil, false, fmt.Errorf("%w: %d bytes", ErrInputTooLarge, len(params.Input))
	}
	key := params.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("job:%d:%s", params.UserID, uuid.NewString())
	}

	var created bool
	var j *Job
	err := storage.Retry(ctx, "job.create", func() error {
		return storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
			existing, err := p.getByKeyInTx(ctx, tx, key)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			if err == nil {
				j, created = existing, false
				return nil
			}

			var one int
			err = tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE user_id = $1`, params.UserID).Scan(&one)
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: %d", ErrUserUnknown, params.UserID)
			}
			if err != nil {
				return err
			}

			id := uuid.NewString()
			if params.PriceRUB > 0 {
				_, err = p.wallets.HoldInTx(ctx, tx, params.UserID, params.PriceRUB, key,
					wallet.Meta{"job_id": id, "model_id": params.ModelID})
				if err != nil {
					return err
				}
			}

			var chatID sql.NullInt64
			if params.ChatID != nil {
				chatID = sql.NullInt64{Int64: *params.ChatID, Valid: true}
			}
			row := tx.QueryRowContext(ctx, `
				INSERT INTO jobs (
					id, user_id, model_id, category, input, price_rub, status,
					idempotency_key, chat_id, created_at, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(12,2), 'pending', $7, $8, NOW(), NOW())
				RETURNING `+jobColumns, id, params.UserID, params.ModelID, params.Category,
				[]byte(params.Input), params.PriceRUB.Format(), key, chatID)
			j, err = scanJob(row)
			created = err == nil
			return err
		})
	})

	// Two concurrent submits with the same key: the loser hits the unique
	// index and returns the winner's row.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		existing, getErr := p.getByKey(ctx, key)
		if getErr == nil {
			return existing, false, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return j, created, nil
}

func (p *PostgresStore) getByKeyInTx(ctx context.Context, tx *sql.Tx, key string) (*Job, error) {
	return scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key))
}

func (p *PostgresStore) getByKey(ctx context.Context, key string) (*Job, error) {
	return scanJob(p.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key))
}

// Get retrieves a job by ID.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

// GetByTaskID retrieves a job by its upstream task ID.
func (p *PostgresStore) GetByTaskID(ctx context.Context, taskID string) (*Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE external_task_id = $1`, taskID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

// SetRunning binds the upstream task ID and moves pending → running. A job
// already past pending is returned unchanged; the callback applier owns
// later transitions.
func (p *PostgresStore) SetRunning(ctx context.Context, id, externalTaskID string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			external_task_id = $2,
			status           = 'running',
			updated_at       = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+jobColumns, id, externalTaskID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return p.Get(ctx, id)
	}
	return j, err
}

// Fail moves a non-terminal job to failed and releases its hold.
func (p *PostgresStore) Fail(ctx context.Context, id, errorText string) (*Job, error) {
	var j *Job
	err := storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		var err error
		j, err = scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if IsTerminal(j.Status) {
			return fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, j.ID, j.Status)
		}
		return p.finishInTx(ctx, tx, j, StatusFailed, j.UpstreamStatus, nil, errorText)
	})
	return j, err
}

// ApplyCallback applies an upstream completion under the job row lock.
func (p *PostgresStore) ApplyCallback(ctx context.Context, cb *Callback) (*ApplyResult, error) {
	var res *ApplyResult
	err := storage.Retry(ctx, "job.apply_callback", func() error {
		return storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
			var err error
			res, err = p.applyCallbackInTx(ctx, tx, cb)
			return err
		})
	})
	return res, err
}

func (p *PostgresStore) applyCallbackInTx(ctx context.Context, tx *sql.Tx, cb *Callback) (*ApplyResult, error) {
	j, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE external_task_id = $1 FOR UPDATE`, cb.TaskID))
	if err == sql.ErrNoRows {
		payload := cb.Payload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO orphan_callbacks (task_id, payload, received_at, processed)
			VALUES ($1, $2, NOW(), FALSE)
			ON CONFLICT (task_id) DO UPDATE SET
				payload     = EXCLUDED.payload,
				received_at = EXCLUDED.received_at
		`, cb.TaskID, []byte(payload))
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Outcome: OutcomeOrphaned}, nil
	}
	if err != nil {
		return nil, err
	}

	if IsTerminal(j.Status) {
		return &ApplyResult{Outcome: OutcomeIgnored, Job: j}, nil
	}

	if err := p.finishInTx(ctx, tx, j, cb.State, cb.UpstreamStatus, cb.Result, cb.ErrorText); err != nil {
		return nil, err
	}
	return &ApplyResult{Outcome: OutcomeApplied, Job: j}, nil
}

// finishInTx writes the status change and settles money. The caller holds
// the row lock; j is updated in place.
func (p *PostgresStore) finishInTx(ctx context.Context, tx *sql.Tx, j *Job, status, upstream string, result []byte, errorText string) error {
	terminal := IsTerminal(status)
	if len(result) == 0 {
		result = j.Result
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			status          = $2,
			upstream_status = COALESCE($3, upstream_status),
			result          = $4,
			error_text      = COALESCE($5, error_text),
			finished_at     = CASE WHEN $6 THEN NOW() ELSE finished_at END,
			updated_at      = NOW()
		WHERE id = $1
	`, j.ID, status, nullStr(upstream), result, nullStr(errorText), terminal)
	if err != nil {
		return err
	}

	if j.Paid() && terminal {
		switch status {
		case StatusDone:
			_, err = p.wallets.ChargeInTx(ctx, tx, j.UserID, j.PriceRUB, j.HoldRef(), j.ChargeRef(),
				wallet.Meta{"job_id": j.ID})
		case StatusFailed, StatusCanceled:
			_, err = p.wallets.ReleaseInTx(ctx, tx, j.UserID, j.PriceRUB, j.RefundRef(),
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
	j.Result = result
	if errorText != "" {
		j.ErrorText = errorText
	}
	if terminal && j.FinishedAt == nil {
		now := time.Now().UTC()
		j.FinishedAt = &now
	}
	return nil
}

// AcquireDelivery wins the delivery lease via a conditional UPDATE; exactly
// one concurrent caller gets the row.
func (p *PostgresStore) AcquireDelivery(ctx context.Context, key string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			delivering_at = NOW(),
			updated_at    = NOW()
		WHERE (id = $1 OR external_task_id = $1)
		  AND status = 'done'
		  AND delivered_at IS NULL
		  AND (delivering_at IS NULL OR delivering_at < NOW() - $2::INTERVAL)
		RETURNING `+jobColumns, key, fmt.Sprintf("%d seconds", int(deliveryLease.Seconds())))
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrAlreadyDelivering
	}
	return j, err
}

// MarkDelivered records the successful side effect and clears the lease.
func (p *PostgresStore) MarkDelivered(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET
			delivered_at  = NOW(),
			delivering_at = NULL,
			updated_at    = NOW()
		WHERE id = $1
	`, id)
	return err
}

// ReleaseDeliveryLock clears the lease after a failed send.
func (p *PostgresStore) ReleaseDeliveryLock(ctx context.Context, id, note string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET
			delivering_at = NULL,
			error_text    = COALESCE($2, error_text),
			updated_at    = NOW()
		WHERE id = $1
	`, id, nullStr(note))
	return err
}

// ListUndelivered returns done jobs still awaiting their side effect,
// oldest first.
func (p *PostgresStore) ListUndelivered(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'done' AND delivered_at IS NULL AND chat_id IS NOT NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// SweepStale fails running jobs idle since before the cutoff and releases
// their holds, reporting wallet balances around each release.
func (p *PostgresStore) SweepStale(ctx context.Context, cutoff time.Time, limit int) ([]*SweptJob, error) {
	var swept []*SweptJob
	err := storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE status = 'running' AND updated_at < $1
			ORDER BY updated_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, cutoff.UTC(), limit)
		if err != nil {
			return err
		}
		var stale []*Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			stale = append(stale, j)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, j := range stale {
			before, err := balanceInTx(ctx, tx, j.UserID)
			if err != nil {
				return err
			}
			if err := p.finishInTx(ctx, tx, j, StatusFailed, "", nil, "no callback after 30 min"); err != nil {
				return err
			}
			after, err := balanceInTx(ctx, tx, j.UserID)
			if err != nil {
				return err
			}
			swept = append(swept, &SweptJob{Job: j, BalanceBefore: before, BalanceAfter: after})
		}
		return nil
	})
	return swept, err
}

func balanceInTx(ctx context.Context, tx *sql.Tx, userID int64) (string, error) {
	var bal string
	err := tx.QueryRowContext(ctx,
		`SELECT balance_rub FROM wallets WHERE user_id = $1`, userID).Scan(&bal)
	if err == sql.ErrNoRows {
		return "0.00", nil
	}
	return bal, err
}

// ListUnprocessedOrphans returns unclaimed callbacks, oldest first.
func (p *PostgresStore) ListUnprocessedOrphans(ctx context.Context, limit int) ([]*Orphan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT task_id, payload, received_at, processed, processed_at, error_text
		FROM orphan_callbacks
		WHERE processed = FALSE
		ORDER BY received_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orphans []*Orphan
	for rows.Next() {
		o := &Orphan{}
		var processedAt sql.NullTime
		var errText sql.NullString
		if err := rows.Scan(&o.TaskID, &o.Payload, &o.ReceivedAt, &o.Processed, &processedAt, &errText); err != nil {
			return nil, err
		}
		if processedAt.Valid {
			o.ProcessedAt = &processedAt.Time
		}
		o.ErrorText = errText.String
		orphans = append(orphans, o)
	}
	return orphans, rows.Err()
}

// MarkOrphanProcessed retires an orphan, optionally with an error note.
func (p *PostgresStore) MarkOrphanProcessed(ctx context.Context, taskID, errorText string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE orphan_callbacks SET
			processed    = TRUE,
			processed_at = NOW(),
			error_text   = COALESCE($2, error_text)
		WHERE task_id = $1
	`, taskID, nullStr(errorText))
	return err
}
