// Package writepath implements the follow-relation write path (spec.md
// section 4.F): a scripted token-bucket admission check, then a DB row
// plus an outbox row written in one transaction. The CDC bridge owns
// republishing the outbox row; this package uses the cache store only for
// the token bucket and never touches the relation sorted sets or counters.
package writepath

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"knowengage/internal/errs"
	"knowengage/internal/metrics"
	"knowengage/internal/model"
	"knowengage/internal/platform/cachestore"
	"knowengage/internal/platform/relstore"
)

const rateLimiterTTL = 60 * time.Second

func rateLimiterKey(fromUserID int64) string {
	return fmt.Sprintf("rl:follow:%d", fromUserID)
}

// Config bundles the follow-admission token bucket parameters.
type Config struct {
	Capacity     int64
	RefillPerSec float64
}

// Service is the relation write path.
type Service struct {
	cache cachestore.Store
	rel   relstore.Store
	cfg   Config
}

func New(cache cachestore.Store, rel relstore.Store, cfg Config) *Service {
	return &Service{cache: cache, rel: rel, cfg: cfg}
}

// Follow admits fromUserID's follow of toUserID through the token bucket,
// then writes the relation row and outbox row transactionally. Returns
// errs.RateLimited if the bucket is exhausted.
func (s *Service) Follow(ctx context.Context, fromUserID, toUserID int64) error {
	allowed, err := s.cache.TokenBucketConsume(ctx, rateLimiterKey(fromUserID), s.cfg.Capacity, s.cfg.RefillPerSec, time.Now().UnixMilli(), rateLimiterTTL)
	if err != nil {
		return fmt.Errorf("writepath: rate limiter: %w", err)
	}
	if !allowed {
		return errs.RateLimited
	}

	_, affected, err := insertFollow(ctx, s.rel, fromUserID, toUserID)
	if err != nil {
		return err
	}
	metrics.RelationDedupHits.WithLabelValues(boolLabel(!affected)).Inc()
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func insertFollow(ctx context.Context, rel relstore.Store, fromUserID, toUserID int64) (int64, bool, error) {
	// id is omitted: the outbox contract marks it optional, and the
	// relation id is only assigned inside the insert transaction.
	payload, err := json.Marshal(model.RelationOutboxPayload{
		Type:       model.FollowCreated,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
	})
	if err != nil {
		return 0, false, fmt.Errorf("writepath: marshal outbox payload: %w", err)
	}
	relationID, affected, err := rel.InsertFollowWithOutbox(ctx, fromUserID, toUserID, string(payload))
	if err != nil {
		return 0, false, fmt.Errorf("writepath: insert follow: %w", err)
	}
	return relationID, affected, nil
}

// Unfollow logically cancels the relation and writes the cancellation
// outbox row, both in one transaction.
func (s *Service) Unfollow(ctx context.Context, fromUserID, toUserID int64) error {
	payload, err := json.Marshal(model.RelationOutboxPayload{
		Type:       model.FollowCanceled,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
	})
	if err != nil {
		return fmt.Errorf("writepath: marshal outbox payload: %w", err)
	}
	affected, err := s.rel.CancelFollowWithOutbox(ctx, fromUserID, toUserID, string(payload))
	if err != nil {
		return fmt.Errorf("writepath: cancel follow: %w", err)
	}
	metrics.RelationDedupHits.WithLabelValues(boolLabel(!affected)).Inc()
	return nil
}

// IsFollowing is a direct DB existence check — not cached, since the
// relation event processor keeps sorted sets and offset-based reads
// sufficient for the hot paths (spec.md section 4.F).
func (s *Service) IsFollowing(ctx context.Context, fromUserID, toUserID int64) (bool, error) {
	return s.rel.IsFollowing(ctx, fromUserID, toUserID)
}
