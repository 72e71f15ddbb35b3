package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladholos492-wq/mediagw/internal/storage"
)

// PostgresStore persists users in the users and admin_actions tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `user_id, username, role, created_at, last_seen_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var username sql.NullString
	if err := row.Scan(&u.ID, &username, &u.Role, &u.CreatedAt, &u.LastSeenAt); err != nil {
		return nil, err
	}
	u.Username = username.String
	return &u, nil
}

func (s *PostgresStore) EnsureUser(ctx context.Context, id int64, username string) (*User, error) {
	var u *User
	err := storage.Retry(ctx, "users.ensure", func() error {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO users (user_id, username, role, created_at, last_seen_at)
			VALUES ($1, NULLIF($2, ''), 'user', NOW(), NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				username     = COALESCE(NULLIF(EXCLUDED.username, ''), users.username),
				last_seen_at = NOW()
			RETURNING `+userColumns, id, username)
		var err error
		u, err = scanUser(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ensure user %d: %w", id, err)
	}
	return u, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*User, error) {
	var u *User
	err := storage.Retry(ctx, "users.get", func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE user_id = $1`, id)
		var err error
		u, err = scanUser(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *PostgresStore) SetRole(ctx context.Context, adminID, targetID int64, role string) error {
	if !ValidRole(role) {
		return ErrInvalidRole
	}
	return storage.Retry(ctx, "users.set_role", func() error {
		return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`UPDATE users SET role = $2 WHERE user_id = $1`, targetID, role)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return ErrNotFound
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO admin_actions (admin_id, action, target_id, details)
				VALUES ($1, 'set_role', $2, $3)`,
				adminID, targetID, role)
			return err
		})
	})
}

func (s *PostgresStore) Audit(ctx context.Context, adminID int64, action string, targetID int64, details string) error {
	return storage.Retry(ctx, "users.audit", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO admin_actions (admin_id, action, target_id, details)
			VALUES ($1, $2, $3, $4)`,
			adminID, action, targetID, details)
		return err
	})
}

func (s *PostgresStore) ListByRole(ctx context.Context, role string) ([]*User, error) {
	var out []*User
	err := storage.Retry(ctx, "users.list_by_role", func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE role = $1 ORDER BY user_id`, role)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return err
			}
			out = append(out, u)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetUIState(ctx context.Context, userID int64) (json.RawMessage, error) {
	var state json.RawMessage
	err := storage.Retry(ctx, "users.get_ui_state", func() error {
		err := s.db.QueryRowContext(ctx,
			`SELECT state FROM ui_state WHERE user_id = $1`, userID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			state = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *PostgresStore) SetUIState(ctx context.Context, userID int64, state json.RawMessage) error {
	return storage.Retry(ctx, "users.set_ui_state", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ui_state (user_id, state, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				state = EXCLUDED.state, updated_at = NOW()`,
			userID, []byte(state))
		return err
	})
}

func (s *PostgresStore) ListActions(ctx context.Context, limit int) ([]*AdminAction, error) {
	var out []*AdminAction
	err := storage.Retry(ctx, "users.list_actions", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, admin_id, action, target_id, COALESCE(details, ''), created_at
			FROM admin_actions ORDER BY id DESC LIMIT $1`, limit)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			var a AdminAction
			if err := rows.Scan(&a.ID, &a.AdminID, &a.Action, &a.TargetID, &a.Details, &a.CreatedAt); err != nil {
				return err
			}
			out = append(out, &a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
