package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

func TestLedgerTryAdjust(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		opening int64
		adj     models.Adjustment
		wantErr error
		balance int64
	}{
		{
			name:    "debit within balance",
			opening: 100,
			adj:     models.Adjustment{AccountID: "a", Delta: -30, SagaID: "s1", Step: models.StepDebit},
			balance: 70,
		},
		{
			name:    "debit to exactly zero",
			opening: 30,
			adj:     models.Adjustment{AccountID: "a", Delta: -30, SagaID: "s1", Step: models.StepDebit},
			balance: 0,
		},
		{
			name:    "debit past zero",
			opening: 10,
			adj:     models.Adjustment{AccountID: "a", Delta: -30, SagaID: "s1", Step: models.StepDebit},
			wantErr: models.ErrInsufficientFunds,
			balance: 10,
		},
		{
			name:    "stale version",
			opening: 100,
			adj:     models.Adjustment{AccountID: "a", Delta: 5, ExpectedVersion: 3, SagaID: "s1", Step: models.StepCredit},
			wantErr: models.ErrVersionConflict,
			balance: 100,
		},
		{
			name:    "credit up to the int64 ceiling",
			opening: math.MaxInt64 - 10,
			adj:     models.Adjustment{AccountID: "a", Delta: 10, SagaID: "s1", Step: models.StepCredit},
			balance: math.MaxInt64,
		},
		{
			name:    "credit past the int64 ceiling",
			opening: math.MaxInt64 - 5,
			adj:     models.Adjustment{AccountID: "a", Delta: 10, SagaID: "s1", Step: models.StepCredit},
			wantErr: models.ErrBalanceOverflow,
			balance: math.MaxInt64 - 5,
		},
		{
			name:    "unknown account",
			opening: 100,
			adj:     models.Adjustment{AccountID: "zz", Delta: 5, SagaID: "s1", Step: models.StepCredit},
			wantErr: models.ErrAccountNotFound,
			balance: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger()
			l.Open("a", tt.opening)

			entry, err := l.TryAdjust(ctx, tt.adj)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.balance, entry.Balance)
				assert.Equal(t, int64(1), entry.Version)
			}

			acct, err := l.Read(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, tt.balance, acct.Balance)
			if tt.wantErr != nil {
				assert.Equal(t, int64(0), acct.Version)
				assert.Empty(t, l.Entries("a"))
			}
		})
	}
}

func TestLedgerReopenKeepsVersionMonotonic(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	l.Open("a", 100)

	_, err := l.TryAdjust(ctx, models.Adjustment{AccountID: "a", Delta: -30, SagaID: "s1", Step: models.StepDebit})
	require.NoError(t, err)

	l.Open("a", 500)

	acct, err := l.Read(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Balance)
	assert.Equal(t, int64(2), acct.Version)

	// a read taken before the reset no longer matches
	_, err = l.TryAdjust(ctx, models.Adjustment{AccountID: "a", Delta: -10, ExpectedVersion: 1, SagaID: "s2", Step: models.StepDebit})
	require.ErrorIs(t, err, models.ErrVersionConflict)

	// the journal survives, so the old step is still refused
	_, err = l.TryAdjust(ctx, models.Adjustment{AccountID: "a", Delta: -30, ExpectedVersion: 2, SagaID: "s1", Step: models.StepDebit})
	require.ErrorIs(t, err, models.ErrAlreadyApplied)
}

func TestLedgerRejectsSecondApplicationOfSameStep(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	l.Open("a", 100)

	first, err := l.TryAdjust(ctx, models.Adjustment{AccountID: "a", Delta: -30, SagaID: "s1", Step: models.StepDebit})
	require.NoError(t, err)

	again, err := l.TryAdjust(ctx, models.Adjustment{AccountID: "a", Delta: -30, ExpectedVersion: 1, SagaID: "s1", Step: models.StepDebit})
	require.ErrorIs(t, err, models.ErrAlreadyApplied)
	assert.Equal(t, first, again)

	acct, _ := l.Read(ctx, "a")
	assert.Equal(t, int64(70), acct.Balance)
	assert.Equal(t, int64(1), acct.Version)
}

func TestLedgerConcurrentDebitsNeverGoNegative(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	l.Open("a", 100)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				acct, err := l.Read(ctx, "a")
				if !assert.NoError(t, err) {
					return
				}

				_, err = l.TryAdjust(ctx, models.Adjustment{
					AccountID:       "a",
					Delta:           -7,
					ExpectedVersion: acct.Version,
					SagaID:          fmt.Sprintf("s%d", i),
					Step:            models.StepDebit,
				})
				switch {
				case err == nil:
					mu.Lock()
					applied++
					mu.Unlock()
					return
				case errors.Is(err, models.ErrVersionConflict):
					continue
				default:
					assert.ErrorIs(t, err, models.ErrInsufficientFunds)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	acct, err := l.Read(ctx, "a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, acct.Balance, int64(0))
	assert.Equal(t, 14, applied)
	assert.Equal(t, int64(100-14*7), acct.Balance)
	assert.Equal(t, int64(applied), acct.Version)
}

func TestStepStoreFirstRecordWins(t *testing.T) {
	ctx := context.Background()
	s := NewStepStore()

	_, ok, err := s.HasApplied(ctx, "s1", models.StepDebit)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RecordApplied(ctx, models.StepRecord{SagaID: "s1", Step: models.StepDebit, ResultVersion: 1}))
	require.NoError(t, s.RecordApplied(ctx, models.StepRecord{SagaID: "s1", Step: models.StepDebit, ResultVersion: 9}))

	rec, ok, err := s.HasApplied(ctx, "s1", models.StepDebit)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), rec.ResultVersion)
	assert.Equal(t, 1, s.Len())
}

func TestSagaLogCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	log := NewSagaLog()

	inst, created, err := log.Create(ctx, models.SagaInstance{ID: "s1", SourceAccountID: "a", DestinationAccountID: "b", Amount: 30})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StateCreated, inst.State)

	dup, created, err := log.Create(ctx, models.SagaInstance{ID: "s1", SourceAccountID: "x", DestinationAccountID: "y", Amount: 99})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, inst, dup)
}

func TestSagaLogAppendEnforcesEdges(t *testing.T) {
	ctx := context.Background()
	log := NewSagaLog()
	_, _, err := log.Create(ctx, models.SagaInstance{ID: "s1", SourceAccountID: "a", DestinationAccountID: "b", Amount: 30})
	require.NoError(t, err)

	_, err = log.Append(ctx, models.SagaLogEntry{SagaID: "s1", PriorState: models.StateCreated, NewState: models.StateDebited})
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	inst, err := log.Append(ctx, models.SagaLogEntry{SagaID: "s1", PriorState: models.StateCreated, NewState: models.StateDebiting})
	require.NoError(t, err)
	assert.Equal(t, models.StateDebiting, inst.State)

	_, err = log.Append(ctx, models.SagaLogEntry{SagaID: "s1", PriorState: models.StateCreated, NewState: models.StateDebiting})
	require.ErrorIs(t, err, models.ErrStaleTransition)

	_, err = log.Append(ctx, models.SagaLogEntry{SagaID: "nope", PriorState: models.StateCreated, NewState: models.StateDebiting})
	require.ErrorIs(t, err, models.ErrSagaNotFound)

	entries, err := log.Entries(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.SagaState(""), entries[0].PriorState)
	assert.Equal(t, models.StateDebiting, entries[1].NewState)
}

func TestSagaLogReadIncomplete(t *testing.T) {
	ctx := context.Background()
	log := NewSagaLog()

	for _, id := range []string{"s1", "s2"} {
		_, _, err := log.Create(ctx, models.SagaInstance{ID: id, SourceAccountID: "a", DestinationAccountID: "b", Amount: 1})
		require.NoError(t, err)
	}
	_, err := log.Append(ctx, models.SagaLogEntry{SagaID: "s2", PriorState: models.StateCreated, NewState: models.StateDebiting})
	require.NoError(t, err)
	_, err = log.Append(ctx, models.SagaLogEntry{SagaID: "s2", PriorState: models.StateDebiting, NewState: models.StateDebitFailed})
	require.NoError(t, err)

	incomplete, err := log.ReadIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, "s1", incomplete[0].ID)

	log.Backdate("s1", time.Hour)
	inst, err := log.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, time.Since(inst.UpdatedAt) >= time.Hour)
}
