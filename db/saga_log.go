package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

const sagaColumns = "id, source_account_id, destination_account_id, amount, state, created_at, updated_at"

// SagaLog is the Postgres write-ahead saga log. Every transition inserts a log row and moves
// the projection in the same transaction, guarded by the prior state.
type SagaLog struct {
	db      *sql.DB
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

func NewSagaLog(db *sql.DB, cfg BreakerConfig, logger *zap.Logger) *SagaLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SagaLog{db: db, breaker: newBreaker("saga-log", cfg, logger), now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (models.SagaInstance, error) {
	var inst models.SagaInstance
	var state string
	if err := row.Scan(&inst.ID, &inst.SourceAccountID, &inst.DestinationAccountID, &inst.Amount,
		&state, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return models.SagaInstance{}, err
	}

	inst.State = models.SagaState(state)
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	return inst, nil
}

// Create inserts inst in CREATED state. An existing id returns the stored saga with
// created=false.
func (l *SagaLog) Create(ctx context.Context, inst models.SagaInstance) (models.SagaInstance, bool, error) {
	type result struct {
		inst    models.SagaInstance
		created bool
	}

	res, err := guard(l.breaker, func() (result, error) {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return result{}, unavailable("begin create saga", err)
		}
		defer tx.Rollback() // no-op if already committed

		now := l.now().UTC()
		created, err := scanSaga(tx.QueryRowContext(ctx, `
			INSERT INTO sagas (`+sagaColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (id) DO NOTHING
			RETURNING `+sagaColumns,
			inst.ID, inst.SourceAccountID, inst.DestinationAccountID, inst.Amount, string(models.StateCreated), now))
		if errors.Is(err, sql.ErrNoRows) {
			existing, err := scanSaga(tx.QueryRowContext(ctx,
				"SELECT "+sagaColumns+" FROM sagas WHERE id = $1", inst.ID))
			if err != nil {
				return result{}, unavailable("read existing saga", err)
			}
			return result{inst: existing}, nil
		}
		if err != nil {
			return result{}, unavailable("insert saga", err)
		}

		if err := insertLogEntry(ctx, tx, models.SagaLogEntry{
			SagaID:    created.ID,
			NewState:  models.StateCreated,
			Reason:    "transfer requested",
			Timestamp: now,
		}); err != nil {
			return result{}, err
		}

		if err := tx.Commit(); err != nil {
			return result{}, unavailable("commit create saga", err)
		}
		return result{inst: created, created: true}, nil
	})

	return res.inst, res.created, err
}

// Append records entry and moves the projection, provided the saga is still in
// entry.PriorState.
func (l *SagaLog) Append(ctx context.Context, entry models.SagaLogEntry) (models.SagaInstance, error) {
	if err := models.ValidateTransition(entry.PriorState, entry.NewState); err != nil {
		return models.SagaInstance{}, err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	return guard(l.breaker, func() (models.SagaInstance, error) {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return models.SagaInstance{}, unavailable("begin append", err)
		}
		defer tx.Rollback() // no-op if already committed

		inst, err := scanSaga(tx.QueryRowContext(ctx, `
			UPDATE sagas SET state = $1, updated_at = $2
			WHERE id = $3 AND state = $4
			RETURNING `+sagaColumns,
			string(entry.NewState), entry.Timestamp, entry.SagaID, string(entry.PriorState)))
		if errors.Is(err, sql.ErrNoRows) {
			current, err := scanSaga(tx.QueryRowContext(ctx,
				"SELECT "+sagaColumns+" FROM sagas WHERE id = $1", entry.SagaID))
			if errors.Is(err, sql.ErrNoRows) {
				return models.SagaInstance{}, fmt.Errorf("%w: %s", models.ErrSagaNotFound, entry.SagaID)
			}
			if err != nil {
				return models.SagaInstance{}, unavailable("read saga", err)
			}
			return current, fmt.Errorf("%w: saga %s is %s, not %s",
				models.ErrStaleTransition, entry.SagaID, current.State, entry.PriorState)
		}
		if err != nil {
			return models.SagaInstance{}, unavailable("update saga", err)
		}

		if err := insertLogEntry(ctx, tx, entry); err != nil {
			return models.SagaInstance{}, err
		}

		if err := tx.Commit(); err != nil {
			return models.SagaInstance{}, unavailable("commit append", err)
		}
		return inst, nil
	})
}

func insertLogEntry(ctx context.Context, tx *sql.Tx, entry models.SagaLogEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO saga_log_entries (saga_id, prior_state, new_state, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.SagaID, string(entry.PriorState), string(entry.NewState), entry.Reason, entry.Timestamp)
	if err != nil {
		return unavailable("insert saga log entry", err)
	}
	return nil
}

func (l *SagaLog) Get(ctx context.Context, sagaID string) (models.SagaInstance, error) {
	return guard(l.breaker, func() (models.SagaInstance, error) {
		inst, err := scanSaga(l.db.QueryRowContext(ctx,
			"SELECT "+sagaColumns+" FROM sagas WHERE id = $1", sagaID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return models.SagaInstance{}, fmt.Errorf("%w: %s", models.ErrSagaNotFound, sagaID)
		case err != nil:
			return models.SagaInstance{}, unavailable("read saga", err)
		}
		return inst, nil
	})
}

// Entries returns the transition log of a saga, oldest first.
func (l *SagaLog) Entries(ctx context.Context, sagaID string) ([]models.SagaLogEntry, error) {
	return guard(l.breaker, func() ([]models.SagaLogEntry, error) {
		rows, err := l.db.QueryContext(ctx, `
			SELECT prior_state, new_state, reason, created_at
			FROM saga_log_entries WHERE saga_id = $1 ORDER BY id`, sagaID)
		if err != nil {
			return nil, unavailable("list saga log", err)
		}
		defer rows.Close()

		var out []models.SagaLogEntry
		for rows.Next() {
			e := models.SagaLogEntry{SagaID: sagaID}
			var prior, next string
			if err := rows.Scan(&prior, &next, &e.Reason, &e.Timestamp); err != nil {
				return nil, unavailable("scan saga log entry", err)
			}
			e.PriorState = models.SagaState(prior)
			e.NewState = models.SagaState(next)
			e.Timestamp = e.Timestamp.UTC()
			out = append(out, e)
		}
		if err := rows.Err(); err != nil {
			return nil, unavailable("list saga log", err)
		}

		if len(out) == 0 {
			return nil, fmt.Errorf("%w: %s", models.ErrSagaNotFound, sagaID)
		}
		return out, nil
	})
}

// ReadIncomplete returns every saga not yet in a terminal state, oldest first.
func (l *SagaLog) ReadIncomplete(ctx context.Context) ([]models.SagaInstance, error) {
	return guard(l.breaker, func() ([]models.SagaInstance, error) {
		rows, err := l.db.QueryContext(ctx, `
			SELECT `+sagaColumns+` FROM sagas
			WHERE state NOT IN ($1, $2, $3)
			ORDER BY created_at`,
			string(models.StateCompleted), string(models.StateCompensated), string(models.StateDebitFailed))
		if err != nil {
			return nil, unavailable("list incomplete sagas", err)
		}
		defer rows.Close()

		var out []models.SagaInstance
		for rows.Next() {
			inst, err := scanSaga(rows)
			if err != nil {
				return nil, unavailable("scan saga", err)
			}
			out = append(out, inst)
		}
		if err := rows.Err(); err != nil {
			return nil, unavailable("list incomplete sagas", err)
		}

		return out, nil
	})
}
