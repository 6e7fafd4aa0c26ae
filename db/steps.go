package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

// StepStore keeps step idempotency records in Postgres.
type StepStore struct {
	db      *sql.DB
	breaker *gobreaker.CircuitBreaker
}

func NewStepStore(db *sql.DB, cfg BreakerConfig, logger *zap.Logger) *StepStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepStore{db: db, breaker: newBreaker("steps", cfg, logger)}
}

func (s *StepStore) HasApplied(ctx context.Context, sagaID string, step models.Step) (models.StepRecord, bool, error) {
	type result struct {
		rec models.StepRecord
		ok  bool
	}

	res, err := guard(s.breaker, func() (result, error) {
		rec := models.StepRecord{SagaID: sagaID, Step: step}
		err := s.db.QueryRowContext(ctx, `
			SELECT account_id, delta, result_balance, result_version, applied_at
			FROM saga_steps WHERE saga_id = $1 AND step = $2`,
			sagaID, string(step)).
			Scan(&rec.AccountID, &rec.Delta, &rec.ResultBalance, &rec.ResultVersion, &rec.AppliedAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return result{}, nil
		case err != nil:
			return result{}, unavailable("read step record", err)
		}

		rec.AppliedAt = rec.AppliedAt.UTC()
		return result{rec: rec, ok: true}, nil
	})

	return res.rec, res.ok, err
}

// RecordApplied stores rec; the first record for a (saga, step) wins.
func (s *StepStore) RecordApplied(ctx context.Context, rec models.StepRecord) error {
	_, err := guard(s.breaker, func() (struct{}, error) {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO saga_steps (saga_id, step, account_id, delta, result_balance, result_version, applied_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (saga_id, step) DO NOTHING`,
			rec.SagaID, string(rec.Step), rec.AccountID, rec.Delta, rec.ResultBalance, rec.ResultVersion, rec.AppliedAt)
		if err != nil {
			return struct{}{}, unavailable("record step", err)
		}
		return struct{}{}, nil
	})

	return err
}
