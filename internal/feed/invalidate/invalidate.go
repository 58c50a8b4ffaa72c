// Package invalidate implements the feed invalidation listener (spec.md
// section 4.L): an in-process entity.Notifier subscriber that reacts to
// like/fav counter deltas on knowpost entities by crediting the post
// owner's user counter and patching every cache layer that is holding a
// stale count, without waiting for the next full cache TTL expiry.
package invalidate

import (
	"context"

	"knowengage/internal/counter/entity"
	"knowengage/internal/counter/schema"
	"knowengage/internal/counter/user"
	"knowengage/internal/feed/cache"
	"knowengage/internal/logger"
	"knowengage/internal/model"
	"knowengage/internal/platform/relstore"
)

// PostOwner is the subset of relstore.Store this listener needs to find
// who owns a post so it can credit the right user counter.
type PostOwner interface {
	GetPost(ctx context.Context, id string) (relstore.Post, bool, error)
}

// Listener subscribes to entity.Service's in-process counter-delta
// notifications (spec.md section 4.C) and reacts to knowpost like/fav
// deltas. Register it with entity.Service.AddNotifier.
type Listener struct {
	posts PostOwner
	users *user.Service
	feed  *cache.Service
}

// New constructs a Listener.
func New(posts PostOwner, users *user.Service, feed *cache.Service) *Listener {
	return &Listener{posts: posts, users: users, feed: feed}
}

const entityType = "knowpost"

// Notify implements entity.Notifier. It runs synchronously on the
// goroutine that performed the like/unlike or fav/unfav toggle, so it
// must stay cheap: one post lookup, one counter segment add, and a
// handful of cache-store round trips, all of which can fail without
// unwinding the write that already happened on the bitmap.
func (l *Listener) Notify(ctx context.Context, e model.CounterDeltaEvent) {
	if e.EntityType != entityType {
		return
	}
	if e.Metric != schema.MetricLike && e.Metric != schema.MetricFav {
		return
	}

	post, ok, err := l.posts.GetPost(ctx, e.EntityID)
	if err != nil {
		logger.Warn("invalidate: lookup post owner failed", "id", e.EntityID, "error", err)
	} else if ok {
		var incErr error
		switch e.Metric {
		case schema.MetricLike:
			_, incErr = l.users.IncrementLikesReceived(ctx, post.AuthorID, e.Delta)
		case schema.MetricFav:
			_, incErr = l.users.IncrementFavsReceived(ctx, post.AuthorID, e.Delta)
		}
		if incErr != nil {
			logger.Warn("invalidate: increment owner counter failed", "owner", post.AuthorID, "id", e.EntityID, "error", incErr)
		}
	}

	if err := l.feed.ApplyCountDelta(ctx, e.EntityID, e.Metric, e.Delta); err != nil {
		logger.Warn("invalidate: apply count delta to feed cache failed", "id", e.EntityID, "metric", e.Metric, "error", err)
	}
}

var _ entity.Notifier = (*Listener)(nil)
