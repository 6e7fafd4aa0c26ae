// Package saga runs transfer sagas: a debit on one account and a credit on another,
// coordinated through an append-only log and compensating actions instead of a
// cross-account lock.
//
// The package consumes three stores. LedgerStore offers conditional, versioned updates of a
// single account. IdempotencyStore remembers which (saga, step) pairs were applied. SagaLog
// is the write-ahead transition log with a current-state projection.
package saga

import (
	"context"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

// LedgerStore is the account ledger. TryAdjust is atomic per account only.
type LedgerStore interface {
	Read(ctx context.Context, accountID string) (models.Account, error)
	TryAdjust(ctx context.Context, adj models.Adjustment) (models.LedgerEntry, error)
}

// IdempotencyStore records applied saga steps.
type IdempotencyStore interface {
	HasApplied(ctx context.Context, sagaID string, step models.Step) (models.StepRecord, bool, error)
	RecordApplied(ctx context.Context, rec models.StepRecord) error
}

// SagaLog persists saga transitions. Append must reject an entry whose PriorState no longer
// matches the projection (models.ErrStaleTransition) or that is not a legal edge.
type SagaLog interface {
	Create(ctx context.Context, inst models.SagaInstance) (models.SagaInstance, bool, error)
	Append(ctx context.Context, entry models.SagaLogEntry) (models.SagaInstance, error)
	Get(ctx context.Context, sagaID string) (models.SagaInstance, error)
	Entries(ctx context.Context, sagaID string) ([]models.SagaLogEntry, error)
	ReadIncomplete(ctx context.Context) ([]models.SagaInstance, error)
}

// Publisher fans saga transitions out to subscribers. Failures never block a saga.
type Publisher interface {
	Publish(ctx context.Context, inst models.SagaInstance, entry models.SagaLogEntry) error
}
