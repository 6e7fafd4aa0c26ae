package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

// Ledger is the Postgres account ledger. An adjustment is one conditional UPDATE on the
// account row plus a journal insert, committed together; no row lock is held between
// statements of different calls.
type Ledger struct {
	db      *sql.DB
	breaker *gobreaker.CircuitBreaker
}

func NewLedger(db *sql.DB, cfg BreakerConfig, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: db, breaker: newBreaker("ledger", cfg, logger)}
}

// OpenAccount creates the account at version 0. Reopening an existing account sets its
// balance and bumps the version, so reads taken before the reset go stale.
func (l *Ledger) OpenAccount(ctx context.Context, accountID string, balance int64) error {
	if balance < 0 {
		return fmt.Errorf("%w: opening balance %d", models.ErrInsufficientFunds, balance)
	}

	_, err := guard(l.breaker, func() (struct{}, error) {
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO accounts (id, balance, version) VALUES ($1, $2, 0)
			ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance, version = accounts.version + 1`,
			accountID, balance)
		if err != nil {
			return struct{}{}, unavailable("open account", err)
		}
		return struct{}{}, nil
	})

	return err
}

func (l *Ledger) Read(ctx context.Context, accountID string) (models.Account, error) {
	return guard(l.breaker, func() (models.Account, error) {
		acct := models.Account{ID: accountID}
		err := l.db.QueryRowContext(ctx,
			"SELECT balance, version FROM accounts WHERE id = $1", accountID).
			Scan(&acct.Balance, &acct.Version)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return models.Account{}, fmt.Errorf("%w: %s", models.ErrAccountNotFound, accountID)
		case err != nil:
			return models.Account{}, unavailable("read account", err)
		}
		return acct, nil
	})
}

// TryAdjust applies adj if the account is still at adj.ExpectedVersion and the result stays
// non-negative. A tagged (saga, step) that is already in the journal returns the prior entry
// with models.ErrAlreadyApplied.
func (l *Ledger) TryAdjust(ctx context.Context, adj models.Adjustment) (models.LedgerEntry, error) {
	return guard(l.breaker, func() (models.LedgerEntry, error) {
		return l.tryAdjust(ctx, adj)
	})
}

func (l *Ledger) tryAdjust(ctx context.Context, adj models.Adjustment) (models.LedgerEntry, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return models.LedgerEntry{}, unavailable("begin adjustment", err)
	}
	defer tx.Rollback() // no-op if already committed

	if adj.SagaID != "" {
		prior, found, err := findEntry(ctx, tx, adj.SagaID, adj.Step)
		if err != nil {
			return models.LedgerEntry{}, err
		}
		if found {
			return prior, models.ErrAlreadyApplied
		}
	}

	entry := models.LedgerEntry{
		AccountID: adj.AccountID,
		SagaID:    adj.SagaID,
		Step:      adj.Step,
		Delta:     adj.Delta,
	}

	// Version check and funds check in one statement, as the conditional UPDATE does for a
	// plain debit.
	err = tx.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance + $1, version = version + 1
		WHERE id = $2 AND version = $3 AND balance + $1 >= 0
		RETURNING balance, version`,
		adj.Delta, adj.AccountID, adj.ExpectedVersion).
		Scan(&entry.Balance, &entry.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LedgerEntry{}, l.explainMiss(ctx, tx, adj)
	}
	if err != nil {
		return models.LedgerEntry{}, adjustError(adj, err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (account_id, saga_id, step, delta, balance_after, version_after)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING applied_at`,
		adj.AccountID, nullable(adj.SagaID), nullable(string(adj.Step)), adj.Delta, entry.Balance, entry.Version).
		Scan(&entry.AppliedAt)
	if isUniqueViolation(err) {
		// a concurrent attempt of the same step won; the caller re-reads and finds it
		return models.LedgerEntry{}, fmt.Errorf("%w: %s of saga %s committed concurrently",
			models.ErrVersionConflict, adj.Step, adj.SagaID)
	}
	if err != nil {
		return models.LedgerEntry{}, unavailable("journal adjustment", err)
	}

	if err := tx.Commit(); err != nil {
		return models.LedgerEntry{}, unavailable("commit adjustment", err)
	}

	entry.AppliedAt = entry.AppliedAt.UTC()
	return entry, nil
}

// adjustError classifies a failed conditional UPDATE. Postgres refuses a bigint overflow
// outright, which is the ledger's answer rather than a store fault.
func adjustError(adj models.Adjustment, err error) error {
	if isNumericOutOfRange(err) {
		return fmt.Errorf("%w: account %s cannot take %d more", models.ErrBalanceOverflow, adj.AccountID, adj.Delta)
	}
	return unavailable("adjust account", err)
}

// explainMiss works out why the conditional UPDATE matched no row.
func (l *Ledger) explainMiss(ctx context.Context, tx *sql.Tx, adj models.Adjustment) error {
	var balance, version int64
	err := tx.QueryRowContext(ctx,
		"SELECT balance, version FROM accounts WHERE id = $1", adj.AccountID).
		Scan(&balance, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", models.ErrAccountNotFound, adj.AccountID)
	case err != nil:
		return unavailable("read account", err)
	case version != adj.ExpectedVersion:
		return fmt.Errorf("%w: account %s at version %d, expected %d",
			models.ErrVersionConflict, adj.AccountID, version, adj.ExpectedVersion)
	default:
		return fmt.Errorf("%w: account %s has %d, needs %d",
			models.ErrInsufficientFunds, adj.AccountID, balance, -adj.Delta)
	}
}

func findEntry(ctx context.Context, tx *sql.Tx, sagaID string, step models.Step) (models.LedgerEntry, bool, error) {
	entry := models.LedgerEntry{SagaID: sagaID, Step: step}
	err := tx.QueryRowContext(ctx, `
		SELECT account_id, delta, balance_after, version_after, applied_at
		FROM ledger_entries WHERE saga_id = $1 AND step = $2`,
		sagaID, string(step)).
		Scan(&entry.AccountID, &entry.Delta, &entry.Balance, &entry.Version, &entry.AppliedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return models.LedgerEntry{}, false, nil
	case err != nil:
		return models.LedgerEntry{}, false, unavailable("find ledger entry", err)
	}

	entry.AppliedAt = entry.AppliedAt.UTC()
	return entry, true, nil
}

// Entries returns the journal of an account, oldest first.
func (l *Ledger) Entries(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT COALESCE(saga_id, ''), COALESCE(step, ''), delta, balance_after, version_after, applied_at
		FROM ledger_entries WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, unavailable("list ledger entries", err)
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		e := models.LedgerEntry{AccountID: accountID}
		var step string
		if err := rows.Scan(&e.SagaID, &step, &e.Delta, &e.Balance, &e.Version, &e.AppliedAt); err != nil {
			return nil, unavailable("scan ledger entry", err)
		}
		e.Step = models.Step(step)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list ledger entries", err)
	}

	return out, nil
}
