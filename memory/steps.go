package memory

import (
	"context"
	"sync"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

// StepStore is an in-memory idempotency store keyed by (saga id, step).
type StepStore struct {
	mu      sync.RWMutex
	records map[ledgerKey]models.StepRecord
}

func NewStepStore() *StepStore {
	return &StepStore{records: make(map[ledgerKey]models.StepRecord)}
}

func (s *StepStore) HasApplied(_ context.Context, sagaID string, step models.Step) (models.StepRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[ledgerKey{sagaID: sagaID, step: step}]
	return rec, ok, nil
}

// RecordApplied stores rec unless the pair is already recorded; the first record wins.
func (s *StepStore) RecordApplied(_ context.Context, rec models.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ledgerKey{sagaID: rec.SagaID, step: rec.Step}
	if _, ok := s.records[key]; !ok {
		s.records[key] = rec
	}

	return nil
}

// Len returns the number of recorded steps.
func (s *StepStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}
