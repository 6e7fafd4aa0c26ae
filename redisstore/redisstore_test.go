package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func TestStepStoreFirstRecordWins(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	store := NewStepStore(client, time.Hour)

	_, ok, err := store.HasApplied(ctx, "s1", models.StepDebit)
	require.NoError(t, err)
	assert.False(t, ok)

	first := models.StepRecord{
		SagaID: "s1", Step: models.StepDebit, AccountID: "src", Delta: -30,
		ResultBalance: 70, ResultVersion: 1, AppliedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.RecordApplied(ctx, first))

	second := first
	second.ResultBalance = 0
	require.NoError(t, store.RecordApplied(ctx, second))

	got, ok, err := store.HasApplied(ctx, "s1", models.StepDebit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, got)

	// other steps of the same saga are independent
	_, ok, err = store.HasApplied(ctx, "s1", models.StepCredit)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, mr.Exists("saga:step:s1:debit"))
	assert.Equal(t, time.Hour, mr.TTL("saga:step:s1:debit"))
}

func TestStepStoreRecordsExpire(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	store := NewStepStore(client, time.Minute)

	require.NoError(t, store.RecordApplied(ctx, models.StepRecord{SagaID: "s1", Step: models.StepCredit, Delta: 5}))
	mr.FastForward(2 * time.Minute)

	_, ok, err := store.HasApplied(ctx, "s1", models.StepCredit)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStepStoreUnavailable(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	store := NewStepStore(client, time.Hour)

	mr.Close()

	_, _, err := store.HasApplied(ctx, "s1", models.StepDebit)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	err = store.RecordApplied(ctx, models.StepRecord{SagaID: "s1", Step: models.StepDebit})
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestPublisherWritesStream(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	pub := NewPublisher(client, "", 0)

	inst := models.SagaInstance{ID: "s1", SourceAccountID: "a", DestinationAccountID: "b", Amount: 10}
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	inst.State = models.StateCreated
	require.NoError(t, pub.Publish(ctx, inst, models.SagaLogEntry{
		SagaID: "s1", NewState: models.StateCreated, Reason: "transfer requested", Timestamp: ts,
	}))
	inst.State = models.StateDebiting
	require.NoError(t, pub.Publish(ctx, inst, models.SagaLogEntry{
		SagaID: "s1", PriorState: models.StateCreated, NewState: models.StateDebiting, Timestamp: ts.Add(time.Second),
	}))

	events, err := ReadEvents(ctx, client, EventStream, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "saga.CREATED", events[0].Type)
	assert.Equal(t, ts, events[0].Timestamp)
	assert.Equal(t, models.StateDebiting, events[1].NewState)
	assert.Equal(t, models.StateCreated, events[1].PriorState)
	assert.Equal(t, "s1", events[1].Saga.ID)
}
