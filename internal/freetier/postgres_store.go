package freetier

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/vladholos492-wq/mediagw/internal/storage"
)

// quotaLockSpace namespaces the per-(user, model) advisory locks away from
// the ingress dedup and singleton keys.
const quotaLockSpace int32 = 0x6674

func quotaLockKey(userID int64, modelID string) int32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d:%s", userID, modelID)
	return int32(h.Sum32())
}

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed free-tier store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CheckAndReserve reads the quota config, counts usage in the current UTC
// windows, and inserts the usage row when allowed and jobID is set, all in
// one transaction.
func (p *PostgresStore) CheckAndReserve(ctx context.Context, userID int64, modelID, jobID string) (*Decision, error) {
	var decision *Decision
	err := storage.Retry(ctx, "freetier.check", func() error {
		return storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
			var err error
			decision, err = p.checkAndReserveInTx(ctx, tx, userID, modelID, jobID)
			return err
		})
	})
	return decision, err
}

func (p *PostgresStore) checkAndReserveInTx(ctx context.Context, tx *sql.Tx, userID int64, modelID, jobID string) (*Decision, error) {
	cfg, err := scanConfig(tx.QueryRowContext(ctx, `
		SELECT model_id, enabled, daily_limit, hourly_limit, meta
		FROM free_models WHERE model_id = $1
	`, modelID))
	if err == sql.ErrNoRows {
		return denied(ReasonNotFree, 0, 0, nil), nil
	}
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return denied(ReasonNotFree, 0, 0, cfg), nil
	}

	// Serialize racing reservations for the same user and model. Without
	// this two READ COMMITTED transactions can both count usage below the
	// limit and both insert, exceeding the quota.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock($1, $2)`,
		quotaLockSpace, quotaLockKey(userID, modelID)); err != nil {
		return nil, err
	}

	dayStart, hourStart := windowStarts(time.Now())

	replay := false
	if jobID != "" {
		var one int
		err = tx.QueryRowContext(ctx, `
			SELECT 1 FROM free_usage
			WHERE user_id = $1 AND model_id = $2 AND job_id = $3
		`, userID, modelID, jobID).Scan(&one)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		replay = err == nil
	}

	var dayUsed, hourUsed int
	err = tx.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE created_at >= $3),
			COUNT(*) FILTER (WHERE created_at >= $4)
		FROM free_usage
		WHERE user_id = $1 AND model_id = $2 AND created_at >= $3
	`, userID, modelID, dayStart, hourStart).Scan(&dayUsed, &hourUsed)
	if err != nil {
		return nil, err
	}

	if !replay {
		if cfg.DailyLimit > 0 && dayUsed >= cfg.DailyLimit {
			return denied(ReasonDailyExceeded, dayUsed, hourUsed, cfg), nil
		}
		if cfg.HourlyLimit > 0 && hourUsed >= cfg.HourlyLimit {
			return denied(ReasonHourlyExceeded, dayUsed, hourUsed, cfg), nil
		}
	}

	if jobID != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO free_usage (user_id, model_id, job_id, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (user_id, model_id, job_id) DO NOTHING
		`, userID, modelID, jobID)
		if err != nil {
			return nil, err
		}
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

// GetConfig retrieves one model's quota config, nil when absent.
func (p *PostgresStore) GetConfig(ctx context.Context, modelID string) (*Config, error) {
	cfg, err := scanConfig(p.db.QueryRowContext(ctx, `
		SELECT model_id, enabled, daily_limit, hourly_limit, meta
		FROM free_models WHERE model_id = $1
	`, modelID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cfg, err
}

// UpsertConfig inserts or replaces a model's quota config.
func (p *PostgresStore) UpsertConfig(ctx context.Context, cfg *Config) error {
	metaRaw := []byte("{}")
	if len(cfg.Meta) > 0 {
		b, err := json.Marshal(cfg.Meta)
		if err != nil {
			return err
		}
		metaRaw = b
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO free_models (model_id, enabled, daily_limit, hourly_limit, meta)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (model_id) DO UPDATE SET
			enabled      = EXCLUDED.enabled,
			daily_limit  = EXCLUDED.daily_limit,
			hourly_limit = EXCLUDED.hourly_limit,
			meta         = EXCLUDED.meta
	`, cfg.ModelID, cfg.Enabled, cfg.DailyLimit, cfg.HourlyLimit, metaRaw)
	return err
}

// ListConfigs returns all quota configs.
func (p *PostgresStore) ListConfigs(ctx context.Context) ([]*Config, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT model_id, enabled, daily_limit, hourly_limit, meta
		FROM free_models ORDER BY model_id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var configs []*Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConfig(row rowScanner) (*Config, error) {
	cfg := &Config{}
	var metaRaw []byte
	if err := row.Scan(&cfg.ModelID, &cfg.Enabled, &cfg.DailyLimit, &cfg.HourlyLimit, &metaRaw); err != nil {
		return nil, err
	}
	if len(metaRaw) > 0 {
		_ = json.Unmarshal(metaRaw, &cfg.Meta)
	}
	return cfg, nil
}
