// Package storage owns the PostgreSQL connection pool and transaction scope.
//
// Composition rule: nested transactions are forbidden. Multi-step invariants
// are held together by a single transaction obtained via WithTx, with the
// *sql.Tx passed down to every participating store helper.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/lib/pq"

	"github.com/vladholos492-wq/mediagw/internal/logging"
	"github.com/vladholos492-wq/mediagw/internal/retry"
)

const (
	maxOpenConns     = 25
	maxIdleConns     = 5
	connIdleExpiry   = 5 * time.Minute
	retryBaseDelay   = 500 * time.Millisecond
	retryMaxAttempts = 3
)

// Open opens a pooled connection to PostgreSQL and verifies connectivity.
// Idle connections expire after five minutes to prevent leaked server-side
// state.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(connIdleExpiry)
	db.SetConnMaxLifetime(connIdleExpiry)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	return db, nil
}

// MaskDSN hides the password in a connection string for logging.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// WithTx runs fn inside a transaction. Rollback is guaranteed on every
// failure branch, including panics; Commit runs only when fn returns nil.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsTransient classifies driver faults that warrant reconnect-and-retry:
// connection resets, closed pools, and server-side shutdown classes.
// Everything else (constraint violations, syntax errors, business errors)
// bubbles up typed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exceptions; class 57: operator intervention
		// (admin shutdown, crash shutdown); 40001/40P01: serialization and
		// deadlock failures are safe to re-run as a whole.
		class := string(pqErr.Code.Class())
		if class == "08" || class == "57" {
			return true
		}
		if pqErr.Code == "40001" || pqErr.Code == "40P01" {
			return true
		}
	}
	// Driver sometimes surfaces these as plain strings.
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad connection")
}

// Retry re-runs the whole operation on transient driver faults with
// exponential backoff (base 0.5s, factor 2, cap 3 tries). Non-transient
// errors are surfaced immediately.
func Retry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return retry.Do(ctx, retryMaxAttempts, retryBaseDelay, func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return retry.Permanent(err)
		}
		logging.L(ctx).Warn("transient database error, retrying",
			"op", op, "attempt", attempt, "error", err)
		return err
	})
}
