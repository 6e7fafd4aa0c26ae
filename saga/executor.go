package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

// ErrStepVoided means the step was fenced off by a zero-delta void entry and can no longer
// be applied.
var ErrStepVoided = errors.New("saga step voided")

// Executor applies the ledger mutations of a saga. Every method is safe to call again
// after a crash or timeout: the idempotency store and the ledger journal both refuse a
// second application of the same (saga, step).
type Executor struct {
	ledger LedgerStore
	steps  IdempotencyStore
}

func NewExecutor(ledger LedgerStore, steps IdempotencyStore) *Executor {
	return &Executor{ledger: ledger, steps: steps}
}

// Debit takes the amount out of the source account.
func (e *Executor) Debit(ctx context.Context, inst models.SagaInstance) (models.StepRecord, error) {
	return e.apply(ctx, inst.ID, models.StepDebit, inst.SourceAccountID, -inst.Amount)
}

// Credit puts the amount into the destination account.
func (e *Executor) Credit(ctx context.Context, inst models.SagaInstance) (models.StepRecord, error) {
	return e.apply(ctx, inst.ID, models.StepCredit, inst.DestinationAccountID, inst.Amount)
}

// CompensateDebit re-credits the source account with the amount taken by Debit.
func (e *Executor) CompensateDebit(ctx context.Context, inst models.SagaInstance) (models.StepRecord, error) {
	return e.apply(ctx, inst.ID, models.StepCompensateDebit, inst.SourceAccountID, inst.Amount)
}

func (e *Executor) apply(ctx context.Context, sagaID string, step models.Step, accountID string, delta int64) (models.StepRecord, error) {
	rec, ok, err := e.steps.HasApplied(ctx, sagaID, step)
	if err != nil {
		return models.StepRecord{}, fmt.Errorf("check %s: %w", step, err)
	}
	if ok {
		if rec.Delta != delta {
			return rec, fmt.Errorf("%w: %s of saga %s", ErrStepVoided, step, sagaID)
		}
		return rec, nil
	}

	acct, err := e.ledger.Read(ctx, accountID)
	if err != nil {
		return models.StepRecord{}, fmt.Errorf("read %s: %w", accountID, err)
	}

	entry, err := e.ledger.TryAdjust(ctx, models.Adjustment{
		AccountID:       accountID,
		Delta:           delta,
		ExpectedVersion: acct.Version,
		SagaID:          sagaID,
		Step:            step,
	})
	switch {
	case errors.Is(err, models.ErrAlreadyApplied):
		// committed by an earlier attempt whose idempotency record never landed
		if entry.Delta != delta {
			return models.StepRecord{}, fmt.Errorf("%w: %s of saga %s", ErrStepVoided, step, sagaID)
		}
	case err != nil:
		return models.StepRecord{}, fmt.Errorf("%s %s: %w", step, accountID, err)
	}

	rec = models.RecordFromEntry(entry)
	if err := e.steps.RecordApplied(ctx, rec); err != nil {
		return rec, fmt.Errorf("record %s: %w", step, err)
	}

	return rec, nil
}

// Void fences a step that may or may not have been applied. It writes a zero-delta entry
// under the step's tag so any late attempt of the real mutation is refused by the ledger.
// voided is false when the real mutation had already been applied; entry then holds it.
// A missing account counts as voided since nothing can have been applied to it.
func (e *Executor) Void(ctx context.Context, sagaID string, step models.Step, accountID string) (entry models.LedgerEntry, voided bool, err error) {
	rec, ok, err := e.steps.HasApplied(ctx, sagaID, step)
	if err != nil {
		return models.LedgerEntry{}, false, fmt.Errorf("check %s: %w", step, err)
	}
	if ok && rec.Delta != 0 {
		return models.LedgerEntry{
			AccountID: rec.AccountID,
			SagaID:    rec.SagaID,
			Step:      rec.Step,
			Delta:     rec.Delta,
			Balance:   rec.ResultBalance,
			Version:   rec.ResultVersion,
			AppliedAt: rec.AppliedAt,
		}, false, nil
	}

	acct, err := e.ledger.Read(ctx, accountID)
	if errors.Is(err, models.ErrAccountNotFound) {
		return models.LedgerEntry{}, true, nil
	}
	if err != nil {
		return models.LedgerEntry{}, false, fmt.Errorf("read %s: %w", accountID, err)
	}

	entry, err = e.ledger.TryAdjust(ctx, models.Adjustment{
		AccountID:       accountID,
		ExpectedVersion: acct.Version,
		SagaID:          sagaID,
		Step:            step,
	})
	switch {
	case err == nil:
		return entry, true, nil
	case errors.Is(err, models.ErrAlreadyApplied):
		if entry.Delta == 0 {
			return entry, true, nil
		}
		if recErr := e.steps.RecordApplied(ctx, models.RecordFromEntry(entry)); recErr != nil {
			return entry, false, fmt.Errorf("record %s: %w", step, recErr)
		}
		return entry, false, nil
	case errors.Is(err, models.ErrAccountNotFound):
		return models.LedgerEntry{}, true, nil
	default:
		return models.LedgerEntry{}, false, fmt.Errorf("void %s %s: %w", step, accountID, err)
	}
}
