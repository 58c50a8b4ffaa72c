package events

import (
	"context"
	"time"

	"knowengage/internal/counter/schema"
	"knowengage/internal/logger"
	"knowengage/internal/metrics"
	"knowengage/internal/platform/cachestore"
)

// FlushInterval is the fixed delay between flush passes (spec.md section
// 4.E: "periodic flush folds the bucket into the snapshot").
const FlushInterval = time.Second

// Flusher drains every known aggregation bucket into its entity
// snapshot, folding and deleting each field atomically via
// cachestore.Store.FoldFieldAndDelete so a crash mid-flush leaves each
// field either folded and deleted or untouched, never counted twice
// (spec.md section 9, open question 1).
type Flusher struct {
	store cachestore.Store
}

func NewFlusher(store cachestore.Store) *Flusher {
	return &Flusher{store: store}
}

// Run blocks, flushing every FlushInterval until ctx is canceled.
func (f *Flusher) Run(ctx context.Context) {
	t := time.NewTicker(FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := f.flushOnce(ctx); err != nil {
				logger.Warn("events: flush pass failed", "error", err)
			}
		}
	}
}

func (f *Flusher) flushOnce(ctx context.Context) error {
	bucketKeys, err := f.store.SMembers(ctx, aggIndexKey())
	if err != nil {
		return err
	}
	metrics.AggregationBucketDepth.Observe(float64(len(bucketKeys)))
	for _, hashKey := range bucketKeys {
		if err := f.flushBucket(ctx, hashKey); err != nil {
			logger.Warn("events: flush bucket failed", "key", hashKey, "error", err)
		}
	}
	return nil
}

func (f *Flusher) flushBucket(ctx context.Context, hashKey string) error {
	fields, err := f.store.HGetAll(ctx, hashKey)
	if err != nil {
		return err
	}
	counterKey := counterKeyFromAggKey(hashKey)

	for field := range fields {
		idx, ok := parseIdx(field)
		if !ok {
			continue
		}
		if _, _, err := f.store.FoldFieldAndDelete(ctx, hashKey, field, counterKey, schema.Len, schema.FieldSize, idx); err != nil {
			logger.Warn("events: fold field failed", "key", hashKey, "field", field, "error", err)
		}
	}

	remaining, err := f.store.HLen(ctx, hashKey)
	if err != nil {
		return err
	}
	if remaining == 0 {
		if err := f.store.SRem(ctx, aggIndexKey(), hashKey); err != nil {
			return err
		}
	}
	return nil
}
