package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

// SagaLog keeps the append-only transition log and the current-state projection in memory.
type SagaLog struct {
	mu      sync.RWMutex
	sagas   map[string]models.SagaInstance
	entries map[string][]models.SagaLogEntry
	now     func() time.Time
}

func NewSagaLog() *SagaLog {
	return &SagaLog{
		sagas:   make(map[string]models.SagaInstance),
		entries: make(map[string][]models.SagaLogEntry),
		now:     time.Now,
	}
}

// Create stores inst in CREATED state. When the id already exists the stored instance is
// returned with created=false.
func (l *SagaLog) Create(_ context.Context, inst models.SagaInstance) (models.SagaInstance, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.sagas[inst.ID]; ok {
		return existing, false, nil
	}

	now := l.now().UTC()
	inst.State = models.StateCreated
	inst.CreatedAt = now
	inst.UpdatedAt = now

	l.sagas[inst.ID] = inst
	l.entries[inst.ID] = append(l.entries[inst.ID], models.SagaLogEntry{
		SagaID:    inst.ID,
		NewState:  models.StateCreated,
		Reason:    "transfer requested",
		Timestamp: now,
	})

	return inst, true, nil
}

// Append records entry and moves the projection, provided the saga is still in
// entry.PriorState and the edge is legal.
func (l *SagaLog) Append(_ context.Context, entry models.SagaLogEntry) (models.SagaInstance, error) {
	if err := models.ValidateTransition(entry.PriorState, entry.NewState); err != nil {
		return models.SagaInstance{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	inst, ok := l.sagas[entry.SagaID]
	if !ok {
		return models.SagaInstance{}, fmt.Errorf("%w: %s", models.ErrSagaNotFound, entry.SagaID)
	}
	if inst.State != entry.PriorState {
		return inst, fmt.Errorf("%w: saga %s is %s, not %s",
			models.ErrStaleTransition, entry.SagaID, inst.State, entry.PriorState)
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	inst.State = entry.NewState
	inst.UpdatedAt = entry.Timestamp
	l.sagas[inst.ID] = inst
	l.entries[inst.ID] = append(l.entries[inst.ID], entry)

	return inst, nil
}

func (l *SagaLog) Get(_ context.Context, sagaID string) (models.SagaInstance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	inst, ok := l.sagas[sagaID]
	if !ok {
		return models.SagaInstance{}, fmt.Errorf("%w: %s", models.ErrSagaNotFound, sagaID)
	}

	return inst, nil
}

func (l *SagaLog) Entries(_ context.Context, sagaID string) ([]models.SagaLogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries, ok := l.entries[sagaID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSagaNotFound, sagaID)
	}

	out := make([]models.SagaLogEntry, len(entries))
	copy(out, entries)

	return out, nil
}

// ReadIncomplete returns every saga whose current state is not terminal, oldest first.
func (l *SagaLog) ReadIncomplete(_ context.Context) ([]models.SagaInstance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.SagaInstance
	for _, inst := range l.sagas {
		if !inst.State.IsTerminal() {
			out = append(out, inst)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

// Backdate shifts the last-transition time of a saga, for staleness tests.
func (l *SagaLog) Backdate(sagaID string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if inst, ok := l.sagas[sagaID]; ok {
		inst.UpdatedAt = inst.UpdatedAt.Add(-d)
		l.sagas[sagaID] = inst
	}
}
