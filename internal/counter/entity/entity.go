// Package entity implements the entity counter service (spec.md section
// 4.C): toggling like/fav bits, reading the aggregated snapshot, and
// rebuilding it from the bitmap fact layer under a distributed lock, a
// rate limiter, and exponential backoff when either is refused.
package entity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"knowengage/internal/counter/bitmap"
	"knowengage/internal/counter/packedcounter"
	"knowengage/internal/counter/schema"
	"knowengage/internal/errs"
	"knowengage/internal/logger"
	"knowengage/internal/metrics"
	"knowengage/internal/model"
	"knowengage/internal/platform/cachestore"
	"knowengage/internal/platform/lock"
)

// Notifier receives the synchronous in-process delta notification fired
// on the same goroutine as the mutation, before the write call returns
// (spec.md section 4.C). The feed invalidation listener (4.L) is the
// primary subscriber.
type Notifier interface {
	Notify(ctx context.Context, e model.CounterDeltaEvent)
}

// EventPublisher publishes the durable counter-delta event (spec.md
// section 4.E) onto the counter-events topic, partitioned by entity id.
type EventPublisher interface {
	Publish(ctx context.Context, e model.CounterDeltaEvent) error
}

// Config bundles the rebuild-path knobs from config.RebuildConfig so this
// package does not import internal/config directly.
type Config struct {
	RatePermits      int
	RateWindowSecs   int
	BackoffBaseMs    int
	BackoffMaxMs     int
	LockWatchdogSecs int
}

// Service is the entity counter service.
type Service struct {
	store     cachestore.Store
	pub       EventPublisher
	notifiers []Notifier
	cfg       Config
}

// New constructs a Service. pub may be nil in tests that don't care about
// durable delta events; notifiers may be added later with AddNotifier.
func New(store cachestore.Store, pub EventPublisher, cfg Config) *Service {
	return &Service{store: store, pub: pub, cfg: cfg}
}

// AddNotifier registers a local synchronous listener.
func (s *Service) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// Like sets uid's like bit for (etype, eid). changed is false if the bit
// was already set.
func (s *Service) Like(ctx context.Context, etype, eid string, uid int64) (bool, error) {
	return s.toggle(ctx, schema.MetricLike, etype, eid, uid, bitmap.OpAdd)
}

// Unlike clears uid's like bit.
func (s *Service) Unlike(ctx context.Context, etype, eid string, uid int64) (bool, error) {
	return s.toggle(ctx, schema.MetricLike, etype, eid, uid, bitmap.OpRemove)
}

// Fav sets uid's favorite bit for (etype, eid).
func (s *Service) Fav(ctx context.Context, etype, eid string, uid int64) (bool, error) {
	return s.toggle(ctx, schema.MetricFav, etype, eid, uid, bitmap.OpAdd)
}

// Unfav clears uid's favorite bit.
func (s *Service) Unfav(ctx context.Context, etype, eid string, uid int64) (bool, error) {
	return s.toggle(ctx, schema.MetricFav, etype, eid, uid, bitmap.OpRemove)
}

func (s *Service) toggle(ctx context.Context, metric, etype, eid string, uid int64, op bitmap.Op) (bool, error) {
	idx, ok := schema.EntityIndexForMetric(metric)
	if !ok {
		return false, fmt.Errorf("entity: unknown metric %q: %w", metric, errs.ValidationFailure)
	}
	changed, delta, err := bitmap.Toggle(ctx, s.store, metric, etype, eid, uid, op)
	if err != nil {
		return false, fmt.Errorf("entity: toggle: %w", err)
	}
	metrics.BitmapToggles.WithLabelValues(metric, strconv.FormatBool(changed)).Inc()
	if !changed {
		return false, nil
	}

	evt := model.CounterDeltaEvent{
		EntityType: etype,
		EntityID:   eid,
		Metric:     metric,
		Idx:        idx,
		UserID:     uid,
		Delta:      int64(delta),
	}

	// Local listeners run synchronously, on this goroutine, before the
	// bus publish and before this call returns.
	for _, n := range s.notifiers {
		n.Notify(ctx, evt)
	}

	if s.pub != nil {
		if err := s.pub.Publish(ctx, evt); err != nil {
			// Publish failure never fails the write; the bitmap toggle
			// already happened. It only delays aggregation, which the
			// rebuild path can always recompute from the bitmap.
			logger.Warn("entity: publish delta failed", "etype", etype, "eid", eid, "metric", metric, "error", err)
		}
	}
	return true, nil
}

// IsLiked reports whether uid's like bit is set for (etype, eid).
func (s *Service) IsLiked(ctx context.Context, etype, eid string, uid int64) (bool, error) {
	return bitmap.GetBit(ctx, s.store, schema.MetricLike, etype, eid, uid)
}

// IsFaved reports whether uid's favorite bit is set for (etype, eid).
func (s *Service) IsFaved(ctx context.Context, etype, eid string, uid int64) (bool, error) {
	return bitmap.GetBit(ctx, s.store, schema.MetricFav, etype, eid, uid)
}

// Reconcile forces the rebuild protocol for (etype, eid) regardless of
// whether the current snapshot looks valid, so drift between the
// packed-counter snapshot and the bitmap fact layer gets corrected even
// when nothing about the snapshot's shape would have tripped GetCounts's
// own needsRebuild check. It is the nightly reconciliation job's entry
// point into this service; the lock/rate-limit/backoff protocol already
// enforced by rebuild keeps it from competing with organic traffic.
func (s *Service) Reconcile(ctx context.Context, etype, eid string) error {
	_, err := s.rebuild(ctx, etype, eid, []int{schema.EntityLike, schema.EntityFav})
	return err
}

// GetCounts reads the snapshot for (etype, eid) and decodes the requested
// metrics. A missing or malformed snapshot triggers the rebuild protocol.
func (s *Service) GetCounts(ctx context.Context, etype, eid string, metrics []string) (map[string]uint32, error) {
	indices := make([]int, 0, len(metrics))
	idxToMetric := make(map[int]string, len(metrics))
	for _, m := range metrics {
		idx, ok := schema.EntityIndexForMetric(m)
		if !ok {
			return nil, fmt.Errorf("entity: unknown metric %q: %w", m, errs.ValidationFailure)
		}
		indices = append(indices, idx)
		idxToMetric[idx] = m
	}

	blob, found, err := packedcounter.Get(ctx, s.store, snapshotKey(etype, eid))
	if err != nil {
		return nil, fmt.Errorf("entity: get snapshot: %w", err)
	}
	var values map[int]uint32
	needsRebuild := !found
	if found {
		values, needsRebuild = packedcounter.Decode(blob, indices)
	}

	if !needsRebuild {
		return toMetricMap(values, idxToMetric), nil
	}

	rebuilt, err := s.rebuild(ctx, etype, eid, indices)
	if err != nil {
		return nil, err
	}
	return toMetricMap(rebuilt, idxToMetric), nil
}

func toMetricMap(values map[int]uint32, idxToMetric map[int]string) map[string]uint32 {
	out := make(map[string]uint32, len(idxToMetric))
	for idx, metric := range idxToMetric {
		out[metric] = values[idx]
	}
	return out
}

// GetCountsBatch reads snapshots for many entities of the same type in a
// single batched multi-get. Entities with a missing or malformed
// snapshot return zero counts rather than triggering a rebuild, keeping
// list-rendering latency bounded (spec.md section 4.C).
func (s *Service) GetCountsBatch(ctx context.Context, etype string, ids []string, metrics []string) (map[string]map[string]uint32, error) {
	indices := make([]int, 0, len(metrics))
	idxToMetric := make(map[int]string, len(metrics))
	for _, m := range metrics {
		idx, ok := schema.EntityIndexForMetric(m)
		if !ok {
			return nil, fmt.Errorf("entity: unknown metric %q: %w", m, errs.ValidationFailure)
		}
		indices = append(indices, idx)
		idxToMetric[idx] = m
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = snapshotKey(etype, id)
	}
	blobs, err := s.store.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("entity: batch get snapshots: %w", err)
	}

	out := make(map[string]map[string]uint32, len(ids))
	for i, id := range ids {
		values, _ := packedcounter.Decode([]byte(blobs[i]), indices)
		out[id] = toMetricMap(values, idxToMetric)
	}
	return out, nil
}

// lastGoodOrZero reads whatever snapshot currently sits in the shared
// store for (etype, eid) and decodes it for the requested indices,
// without regard to rebuild's needsRebuild verdict. The snapshot is only
// ever overwritten by a successful rebuild (see SetFull below), so a
// stale-but-present blob is always the last value a rebuild actually
// committed — unlike an in-process cache, every replica sees it, since
// it lives in the store the rebuild wrote it to.
func (s *Service) lastGoodOrZero(ctx context.Context, etype, eid string, indices []int) map[int]uint32 {
	blob, found, err := packedcounter.Get(ctx, s.store, snapshotKey(etype, eid))
	if err != nil || !found {
		out := make(map[int]uint32, len(indices))
		for _, idx := range indices {
			out[idx] = 0
		}
		return out
	}
	values, _ := packedcounter.Decode(blob, indices)
	return values
}

// rebuild implements the protocol from spec.md section 4.C: backoff gate,
// rate-limiter token, try-lock with watchdog renew, shard popcount,
// snapshot write, aggregation-bucket cleanup, backoff reset.
func (s *Service) rebuild(ctx context.Context, etype, eid string, requestedIndices []int) (map[int]uint32, error) {
	start := time.Now()
	inBackoff, err := s.inBackoff(ctx, etype, eid)
	if err != nil {
		return nil, fmt.Errorf("entity: check backoff: %w", err)
	}
	if inBackoff {
		metrics.RebuildOutcomes.WithLabelValues("backoff").Inc()
		metrics.RebuildDuration.WithLabelValues("backoff").Observe(time.Since(start).Seconds())
		return s.lastGoodOrZero(ctx, etype, eid, requestedIndices), nil
	}

	rlKey := rateLimiterKey(etype, eid)
	refillPerSec := float64(s.cfg.RatePermits) / float64(s.cfg.RateWindowSecs)
	allowed, err := s.store.TokenBucketConsume(ctx, rlKey, int64(s.cfg.RatePermits), refillPerSec, time.Now().UnixMilli(), time.Duration(s.cfg.RateWindowSecs)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("entity: rate limiter: %w", err)
	}
	if !allowed {
		if err := s.escalateBackoff(ctx, etype, eid); err != nil {
			logger.Warn("entity: escalate backoff failed", "etype", etype, "eid", eid, "error", err)
		}
		metrics.RebuildOutcomes.WithLabelValues("rate_limited").Inc()
		metrics.RebuildDuration.WithLabelValues("rate_limited").Observe(time.Since(start).Seconds())
		return s.lastGoodOrZero(ctx, etype, eid, requestedIndices), nil
	}

	owner := uuid.New().String()
	ttl := time.Duration(s.cfg.LockWatchdogSecs) * time.Second
	held, _, ok, err := lock.TryAcquire(ctx, s.store, lockKey(etype, eid), owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("entity: acquire rebuild lock: %w", err)
	}
	if !ok {
		if err := s.escalateBackoff(ctx, etype, eid); err != nil {
			logger.Warn("entity: escalate backoff failed", "etype", etype, "eid", eid, "error", err)
		}
		metrics.RebuildOutcomes.WithLabelValues("lock_miss").Inc()
		metrics.RebuildDuration.WithLabelValues("lock_miss").Observe(time.Since(start).Seconds())
		return s.lastGoodOrZero(ctx, etype, eid, requestedIndices), nil
	}
	defer held.Release()

	var values [schema.Len]uint32
	for metric, idx := range map[string]int{schema.MetricLike: schema.EntityLike, schema.MetricFav: schema.EntityFav} {
		n, err := bitmap.PopCount(ctx, s.store, metric, etype, eid)
		if err != nil {
			return nil, fmt.Errorf("entity: popcount %s: %w", metric, err)
		}
		values[idx-1] = uint32(n)
	}

	blob := packedcounter.EncodeFull(values)
	if err := packedcounter.SetFull(ctx, s.store, snapshotKey(etype, eid), blob); err != nil {
		return nil, fmt.Errorf("entity: write snapshot: %w", err)
	}
	if err := s.store.HDel(ctx, aggBucketKey(etype, eid), strconv.Itoa(schema.EntityLike), strconv.Itoa(schema.EntityFav)); err != nil {
		logger.Warn("entity: clear aggregation bucket after rebuild failed", "etype", etype, "eid", eid, "error", err)
	}

	if err := s.resetBackoff(ctx, etype, eid); err != nil {
		logger.Warn("entity: reset backoff failed", "etype", etype, "eid", eid, "error", err)
	}

	out := make(map[int]uint32, schema.Len)
	for i, v := range values {
		out[i+1] = v
	}
	metrics.RebuildOutcomes.WithLabelValues("rebuilt").Inc()
	metrics.RebuildDuration.WithLabelValues("rebuilt").Observe(time.Since(start).Seconds())
	return out, nil
}

func (s *Service) inBackoff(ctx context.Context, etype, eid string) (bool, error) {
	_, ok, err := s.store.Get(ctx, backoffUntilKey(etype, eid))
	return ok, err
}

func (s *Service) escalateBackoff(ctx context.Context, etype, eid string) error {
	level := 0
	if v, ok, err := s.store.Get(ctx, backoffExpKey(etype, eid)); err != nil {
		return err
	} else if ok {
		level, _ = strconv.Atoi(v)
	}

	delayMs := s.cfg.BackoffBaseMs << level
	if delayMs <= 0 || delayMs > s.cfg.BackoffMaxMs {
		delayMs = s.cfg.BackoffMaxMs
	}

	next := level
	if next < 10 {
		next++
	}
	if err := s.store.Set(ctx, backoffExpKey(etype, eid), strconv.Itoa(next), 0); err != nil {
		return err
	}
	ttl := time.Duration(delayMs)*time.Millisecond + time.Second
	return s.store.Set(ctx, backoffUntilKey(etype, eid), "1", ttl)
}

func (s *Service) resetBackoff(ctx context.Context, etype, eid string) error {
	return s.store.Del(ctx, backoffExpKey(etype, eid), backoffUntilKey(etype, eid))
}
