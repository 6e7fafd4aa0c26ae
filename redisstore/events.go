package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

// EventStream is the Redis stream saga transitions are published to.
const EventStream = "saga.events"

// Event is one saga transition as seen by stream consumers.
type Event struct {
	Type       string              `json:"type"`
	Timestamp  time.Time           `json:"timestamp"`
	Saga       models.SagaInstance `json:"saga"`
	PriorState models.SagaState    `json:"prior_state,omitempty"`
	NewState   models.SagaState    `json:"new_state"`
	Reason     string              `json:"reason"`
}

type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewPublisher returns a publisher on stream. maxLen caps the stream approximately; zero
// leaves it unbounded.
func NewPublisher(client *redis.Client, stream string, maxLen int64) *Publisher {
	if stream == "" {
		stream = EventStream
	}
	return &Publisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *Publisher) Publish(ctx context.Context, inst models.SagaInstance, entry models.SagaLogEntry) error {
	event := Event{
		Type:       "saga." + string(entry.NewState),
		Timestamp:  entry.Timestamp,
		Saga:       inst,
		PriorState: entry.PriorState,
		NewState:   entry.NewState,
		Reason:     entry.Reason,
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"saga_id": inst.ID,
			"event":   eventJSON,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// ReadEvents returns up to count events from the start of the stream.
func ReadEvents(ctx context.Context, client *redis.Client, stream string, count int64) ([]Event, error) {
	msgs, err := client.XRangeN(ctx, stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", msg.ID, err)
		}
		out = append(out, ev)
	}

	return out, nil
}
