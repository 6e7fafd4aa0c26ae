// Package memory holds process-local implementations of the saga stores. They back the
// tests and single-node runs without Postgres or Redis.
package memory

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

type ledgerKey struct {
	sagaID string
	step   models.Step
}

type accountRow struct {
	mu      sync.Mutex
	balance int64
	version int64
	applied map[ledgerKey]models.LedgerEntry
}

// Ledger is an in-memory account ledger. Each account row has its own mutex, held only for
// the duration of a single compare-and-swap, so no lock ever spans two accounts.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*accountRow
	now      func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[string]*accountRow),
		now:      time.Now,
	}
}

// Open creates an account with an opening balance at version 0. Reopening an existing
// account sets the balance and bumps the version, so reads taken before the reset go stale.
// The journal is kept.
func (l *Ledger) Open(accountID string, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if row, ok := l.accounts[accountID]; ok {
		row.mu.Lock()
		row.balance = balance
		row.version++
		row.mu.Unlock()
		return
	}

	l.accounts[accountID] = &accountRow{
		balance: balance,
		applied: make(map[ledgerKey]models.LedgerEntry),
	}
}

func (l *Ledger) row(accountID string) (*accountRow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	row, ok := l.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, accountID)
	}

	return row, nil
}

func (l *Ledger) Read(_ context.Context, accountID string) (models.Account, error) {
	row, err := l.row(accountID)
	if err != nil {
		return models.Account{}, err
	}

	row.mu.Lock()
	defer row.mu.Unlock()

	return models.Account{ID: accountID, Balance: row.balance, Version: row.version}, nil
}

// TryAdjust applies adj if the account is still at adj.ExpectedVersion and the result stays
// non-negative. A (saga, step) tag that was already applied returns the prior entry with
// models.ErrAlreadyApplied.
func (l *Ledger) TryAdjust(_ context.Context, adj models.Adjustment) (models.LedgerEntry, error) {
	row, err := l.row(adj.AccountID)
	if err != nil {
		return models.LedgerEntry{}, err
	}

	row.mu.Lock()
	defer row.mu.Unlock()

	key := ledgerKey{sagaID: adj.SagaID, step: adj.Step}
	if prior, ok := row.applied[key]; ok && adj.SagaID != "" {
		return prior, models.ErrAlreadyApplied
	}

	if row.version != adj.ExpectedVersion {
		return models.LedgerEntry{}, fmt.Errorf("%w: account %s at version %d, expected %d",
			models.ErrVersionConflict, adj.AccountID, row.version, adj.ExpectedVersion)
	}

	if adj.Delta > 0 && row.balance > math.MaxInt64-adj.Delta {
		return models.LedgerEntry{}, fmt.Errorf("%w: account %s has %d, cannot take %d more",
			models.ErrBalanceOverflow, adj.AccountID, row.balance, adj.Delta)
	}

	next := row.balance + adj.Delta
	if adj.Delta < 0 && next < 0 {
		return models.LedgerEntry{}, fmt.Errorf("%w: account %s has %d, needs %d",
			models.ErrInsufficientFunds, adj.AccountID, row.balance, -adj.Delta)
	}

	row.balance = next
	row.version++

	entry := models.LedgerEntry{
		AccountID: adj.AccountID,
		SagaID:    adj.SagaID,
		Step:      adj.Step,
		Delta:     adj.Delta,
		Balance:   row.balance,
		Version:   row.version,
		AppliedAt: l.now().UTC(),
	}
	if adj.SagaID != "" {
		row.applied[key] = entry
	}

	return entry, nil
}

// Entries returns the journal entries of an account. Order is not significant.
func (l *Ledger) Entries(accountID string) []models.LedgerEntry {
	row, err := l.row(accountID)
	if err != nil {
		return nil
	}

	row.mu.Lock()
	defer row.mu.Unlock()

	out := make([]models.LedgerEntry, 0, len(row.applied))
	for _, e := range row.applied {
		out = append(out, e)
	}

	return out
}
