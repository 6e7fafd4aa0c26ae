// Package db holds the Postgres implementations of the saga stores: the account ledger, the
// write-ahead saga log and the step idempotency store. Connections go through database/sql
// with the pgx driver.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

// SQLSTATE codes the stores turn into domain errors.
const (
	uniqueViolation   = "23505"
	numericOutOfRange = "22003"
)

// Open connects to Postgres and pings it.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// Initialize creates the schema if it does not exist yet.
func Initialize(ctx context.Context, db *sql.DB) error {
	// 1. Accounts. version is bumped by every adjustment, void entries included.
	queryAccounts := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL CHECK (balance >= 0),
		version BIGINT NOT NULL DEFAULT 0
	);`

	// 2. Ledger journal. UNIQUE (saga_id, step) makes every tagged mutation apply at most once.
	queryEntries := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts (id),
		saga_id TEXT,
		step TEXT,
		delta BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		version_after BIGINT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (saga_id, step)
	);`

	// 3. Saga projection and its append-only transition log.
	querySagas := `
	CREATE TABLE IF NOT EXISTS sagas (
		id TEXT PRIMARY KEY,
		source_account_id TEXT NOT NULL,
		destination_account_id TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		state TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`

	querySagaIndex := `CREATE INDEX IF NOT EXISTS sagas_state_idx ON sagas (state);`

	queryLog := `
	CREATE TABLE IF NOT EXISTS saga_log_entries (
		id BIGSERIAL PRIMARY KEY,
		saga_id TEXT NOT NULL REFERENCES sagas (id),
		prior_state TEXT NOT NULL,
		new_state TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);`

	// 4. Step idempotency records.
	querySteps := `
	CREATE TABLE IF NOT EXISTS saga_steps (
		saga_id TEXT NOT NULL,
		step TEXT NOT NULL,
		account_id TEXT NOT NULL,
		delta BIGINT NOT NULL,
		result_balance BIGINT NOT NULL,
		result_version BIGINT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (saga_id, step)
	);`

	for _, q := range []struct {
		name  string
		query string
	}{
		{"accounts", queryAccounts},
		{"ledger_entries", queryEntries},
		{"sagas", querySagas},
		{"sagas_state_idx", querySagaIndex},
		{"saga_log_entries", queryLog},
		{"saga_steps", querySteps},
	} {
		if _, err := db.ExecContext(ctx, q.query); err != nil {
			return fmt.Errorf("failed to create %s: %w", q.name, err)
		}
	}

	return nil
}

// unavailable classifies a driver error. Timeouts stay context errors so the caller can
// tell its own deadline apart; everything else is an infrastructure fault.
func unavailable(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, models.ErrStoreUnavailable, err)
}

func isUniqueViolation(err error) bool {
	return hasCode(err, uniqueViolation)
}

func isNumericOutOfRange(err error) bool {
	return hasCode(err, numericOutOfRange)
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
