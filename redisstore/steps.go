// Package redisstore holds the Redis-backed pieces of the service: a step idempotency store
// and the saga event stream publisher.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

const stepKeyPrefix = "saga:step:"

// StepStore keeps step records as JSON strings written with SETNX, so the first record for
// a (saga, step) wins. Records expire after ttl; the ledger journal still refuses a second
// application once they are gone.
type StepStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStepStore(rdb *redis.Client, ttl time.Duration) *StepStore {
	return &StepStore{rdb: rdb, ttl: ttl}
}

func stepKey(sagaID string, step models.Step) string {
	return stepKeyPrefix + sagaID + ":" + string(step)
}

func (s *StepStore) HasApplied(ctx context.Context, sagaID string, step models.Step) (models.StepRecord, bool, error) {
	raw, err := s.rdb.Get(ctx, stepKey(sagaID, step)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.StepRecord{}, false, nil
	}
	if err != nil {
		return models.StepRecord{}, false, unavailable("read step record", err)
	}

	var rec models.StepRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.StepRecord{}, false, fmt.Errorf("decode step record %s/%s: %w", sagaID, step, err)
	}

	return rec, true, nil
}

func (s *StepStore) RecordApplied(ctx context.Context, rec models.StepRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode step record: %w", err)
	}

	if err := s.rdb.SetNX(ctx, stepKey(rec.SagaID, rec.Step), payload, s.ttl).Err(); err != nil {
		return unavailable("record step", err)
	}

	return nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, models.ErrStoreUnavailable, err)
}
