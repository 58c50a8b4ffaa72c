package events

import (
	"context"
	"encoding/json"

	"knowengage/internal/counter/schema"
	"knowengage/internal/logger"
	"knowengage/internal/model"
	"knowengage/internal/platform/bus"
	"knowengage/internal/platform/cachestore"
)

// ReplayGroup is the opt-in replay consumer's group id, configured to
// start from the earliest offset and used only for snapshot disaster
// recovery (spec.md section 4.E).
const ReplayGroup = "counter-rebuild"

// ReplayConsumer folds deltas directly into the snapshot via
// packedcounter's atomic add, bypassing the aggregation bucket
// entirely, and acks only after a successful fold.
type ReplayConsumer struct {
	store cachestore.Store
	con   bus.Consumer
}

func NewReplayConsumer(store cachestore.Store, con bus.Consumer) *ReplayConsumer {
	return &ReplayConsumer{store: store, con: con}
}

func (r *ReplayConsumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := r.con.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("events: replay fetch failed", "error", err)
			continue
		}

		var e model.CounterDeltaEvent
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			logger.Warn("events: dropping malformed replay event", "error", err)
			if err := r.con.Commit(ctx, msg); err != nil {
				logger.Warn("events: replay commit failed", "error", err)
			}
			continue
		}

		counterKey := counterKeyFromAggKey(aggBucketKey(e.EntityType, e.EntityID))
		if _, err := r.store.AddSegment(ctx, counterKey, schema.Len, schema.FieldSize, e.Idx, e.Delta); err != nil {
			logger.Warn("events: replay fold failed, leaving unacked", "error", err)
			continue
		}
		if err := r.con.Commit(ctx, msg); err != nil {
			logger.Warn("events: replay commit failed", "error", err)
		}
	}
}
