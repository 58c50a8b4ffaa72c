// Package user implements the user-dimension counter service (spec.md
// section 4.D): five atomic segment increments on a per-user packed
// counter, and a full rebuild from authoritative relational/entity
// sources that overwrites all five segments at once.
package user

import (
	"context"
	"fmt"

	"knowengage/internal/counter/entity"
	"knowengage/internal/counter/packedcounter"
	"knowengage/internal/counter/schema"
	"knowengage/internal/platform/cachestore"
)

// RelationCounts is the subset of the relational store this service needs
// for rebuild: authoritative counts of active relations and posts.
type RelationCounts interface {
	CountActiveFollowing(ctx context.Context, userID int64) (int64, error)
	CountActiveFollowers(ctx context.Context, userID int64) (int64, error)
	PublishedPostIDs(ctx context.Context, authorID int64) ([]string, error)
}

func snapshotKey(userID int64) string {
	return fmt.Sprintf("ucnt:%d", userID)
}

// Service is the user counter service.
type Service struct {
	store    cachestore.Store
	rel      RelationCounts
	entities *entity.Service
}

// New constructs a Service. entities is used by Rebuild to sum
// likes/favs received across a user's posts.
func New(store cachestore.Store, rel RelationCounts, entities *entity.Service) *Service {
	return &Service{store: store, rel: rel, entities: entities}
}

func (s *Service) increment(ctx context.Context, userID int64, idx int, delta int64) (uint32, error) {
	n, err := packedcounter.AddSegment(ctx, s.store, snapshotKey(userID), idx, delta)
	if err != nil {
		return 0, fmt.Errorf("user: increment segment %d for user %d: %w", idx, userID, err)
	}
	return n, nil
}

// IncrementFollowings adjusts userID's followings segment by delta.
func (s *Service) IncrementFollowings(ctx context.Context, userID int64, delta int64) (uint32, error) {
	return s.increment(ctx, userID, schema.UserFollowings, delta)
}

// IncrementFollowers adjusts userID's followers segment by delta.
func (s *Service) IncrementFollowers(ctx context.Context, userID int64, delta int64) (uint32, error) {
	return s.increment(ctx, userID, schema.UserFollowers, delta)
}

// IncrementPosts adjusts userID's posts segment by delta.
func (s *Service) IncrementPosts(ctx context.Context, userID int64, delta int64) (uint32, error) {
	return s.increment(ctx, userID, schema.UserPosts, delta)
}

// IncrementLikesReceived adjusts userID's likesReceived segment by delta.
func (s *Service) IncrementLikesReceived(ctx context.Context, userID int64, delta int64) (uint32, error) {
	return s.increment(ctx, userID, schema.UserLikesReceived, delta)
}

// IncrementFavsReceived adjusts userID's favsReceived segment by delta.
func (s *Service) IncrementFavsReceived(ctx context.Context, userID int64, delta int64) (uint32, error) {
	return s.increment(ctx, userID, schema.UserFavsReceived, delta)
}

// GetAll reads and decodes all five segments for userID. A missing or
// malformed blob decodes to all-zero; callers that care should follow up
// with Rebuild.
func (s *Service) GetAll(ctx context.Context, userID int64) (values [schema.Len]uint32, needsRebuild bool, err error) {
	blob, found, err := packedcounter.Get(ctx, s.store, snapshotKey(userID))
	if err != nil {
		return values, false, fmt.Errorf("user: get snapshot: %w", err)
	}
	indices := []int{schema.UserFollowings, schema.UserFollowers, schema.UserPosts, schema.UserLikesReceived, schema.UserFavsReceived}
	var decoded map[int]uint32
	needsRebuild = !found
	if found {
		decoded, needsRebuild = packedcounter.Decode(blob, indices)
	}
	if !needsRebuild {
		for _, idx := range indices {
			values[idx-1] = decoded[idx]
		}
	}
	return values, needsRebuild, nil
}

// RebuildAllCounters recomputes every segment for userID from authoritative
// sources and writes them in one SET (spec.md section 4.D):
//   - followings/followers from active relation rows
//   - posts from the authored-post list
//   - likesReceived/favsReceived by summing entity.GetCounts over each post
func (s *Service) RebuildAllCounters(ctx context.Context, userID int64) ([schema.Len]uint32, error) {
	var values [schema.Len]uint32

	followings, err := s.rel.CountActiveFollowing(ctx, userID)
	if err != nil {
		return values, fmt.Errorf("user: count followings: %w", err)
	}
	followers, err := s.rel.CountActiveFollowers(ctx, userID)
	if err != nil {
		return values, fmt.Errorf("user: count followers: %w", err)
	}
	postIDs, err := s.rel.PublishedPostIDs(ctx, userID)
	if err != nil {
		return values, fmt.Errorf("user: list posts: %w", err)
	}

	var likes, favs uint64
	for _, id := range postIDs {
		counts, err := s.entities.GetCounts(ctx, "knowpost", id, []string{schema.MetricLike, schema.MetricFav})
		if err != nil {
			return values, fmt.Errorf("user: get counts for post %s: %w", id, err)
		}
		likes += uint64(counts[schema.MetricLike])
		favs += uint64(counts[schema.MetricFav])
	}

	values[schema.UserFollowings-1] = uint32(followings)
	values[schema.UserFollowers-1] = uint32(followers)
	values[schema.UserPosts-1] = uint32(len(postIDs))
	values[schema.UserLikesReceived-1] = clamp32(likes)
	values[schema.UserFavsReceived-1] = clamp32(favs)

	blob := packedcounter.EncodeFull(values)
	if err := packedcounter.SetFull(ctx, s.store, snapshotKey(userID), blob); err != nil {
		return values, fmt.Errorf("user: write snapshot: %w", err)
	}
	return values, nil
}

func clamp32(v uint64) uint32 {
	const max32 = 1<<32 - 1
	if v > max32 {
		return max32
	}
	return uint32(v)
}
