// Package events implements the counter delta event stream (spec.md
// section 4.E): a producer publishing to counter-events (partitioned by
// entity id), an aggregation consumer folding deltas into a hash bucket,
// a periodic flusher draining the bucket into the snapshot, and an
// opt-in replay consumer for disaster recovery.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"knowengage/internal/model"
	"knowengage/internal/platform/bus"
)

// Topic is the counter-events topic name.
const Topic = "counter-events"

// Producer publishes model.CounterDeltaEvent onto the counter-events
// topic, partitioned by entity id so the aggregation consumer sees all
// deltas for one entity in order. Implements entity.EventPublisher.
type Producer struct {
	bus bus.Producer
}

func NewProducer(b bus.Producer) *Producer {
	return &Producer{bus: b}
}

func (p *Producer) Publish(ctx context.Context, e model.CounterDeltaEvent) error {
	v, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal delta: %w", err)
	}
	msg := bus.Message{Key: []byte(e.EntityID), Value: v}
	if err := p.bus.Publish(ctx, Topic, msg); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}
