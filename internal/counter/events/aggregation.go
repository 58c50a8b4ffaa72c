package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"knowengage/internal/logger"
	"knowengage/internal/model"
	"knowengage/internal/platform/bus"
	"knowengage/internal/platform/cachestore"
)

// AggGroup is the aggregation consumer's group id (spec.md section 6).
const AggGroup = "counter-agg"

// AggregationConsumer folds each counter-events message into the
// aggregation bucket hash for its entity, acking only after the hash
// update succeeds — a failed or canceled update leaves the offset
// un-acked so the bus redelivers it.
type AggregationConsumer struct {
	store cachestore.Store
	con   bus.Consumer
}

func NewAggregationConsumer(store cachestore.Store, con bus.Consumer) *AggregationConsumer {
	return &AggregationConsumer{store: store, con: con}
}

// Run blocks, processing messages until ctx is canceled.
func (a *AggregationConsumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := a.con.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("events: aggregation fetch failed", "error", err)
			continue
		}

		if err := a.process(ctx, msg.Value); err != nil {
			logger.Warn("events: aggregation fold failed, leaving unacked", "error", err)
			continue
		}
		if err := a.con.Commit(ctx, msg); err != nil {
			logger.Warn("events: aggregation commit failed", "error", err)
		}
	}
}

func (a *AggregationConsumer) process(ctx context.Context, raw []byte) error {
	var e model.CounterDeltaEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		// malformed payload can never succeed; ack by returning nil so
		// it does not block the partition forever.
		logger.Warn("events: dropping malformed delta event", "error", err)
		return nil
	}

	hashKey := aggBucketKey(e.EntityType, e.EntityID)
	field := strconv.Itoa(e.Idx)
	if _, err := a.store.HIncrBy(ctx, hashKey, field, e.Delta); err != nil {
		return fmt.Errorf("events: fold delta into %s: %w", hashKey, err)
	}
	if err := a.store.SAdd(ctx, aggIndexKey(), hashKey); err != nil {
		return fmt.Errorf("events: index aggregation bucket %s: %w", hashKey, err)
	}
	return nil
}
