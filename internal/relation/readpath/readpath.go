// Package readpath implements the relation read path (spec.md section
// 4.I): paginated following/followers lists backed by a sorted-set cache
// with DB fallback, a per-process top-K cache for "big-V" accounts whose
// follower count would otherwise make every page a cache miss, relation
// status checks, and opportunistic counter self-healing.
package readpath

import (
	"context"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"knowengage/internal/counter/schema"
	"knowengage/internal/counter/user"
	"knowengage/internal/logger"
	"knowengage/internal/platform/cachestore"
	"knowengage/internal/platform/relstore"
)

// dbPageCap bounds how many rows the offset-based path will ever pull
// from the DB in one go, regardless of how large limit+offset is.
const dbPageCap = 1000

const (
	pageTTL        = 2 * time.Hour
	bigVCacheTTL   = 10 * time.Minute
	bigVCacheSize  = 1000
	bigVCacheDepth = 500
)

// Config bundles the self-healing sampling knobs from
// config.UserCntConfig so this package does not import internal/config
// directly.
type Config struct {
	SampleThrottleSecs int
	BigVFollowers      int
}

// ProfileLookup is the batched user-profile port followingProfiles and
// followersProfiles compose their id lists against.
type ProfileLookup interface {
	GetProfiles(ctx context.Context, userIDs []int64) ([]Profile, error)
}

// Profile is the minimal user-facing projection a relation listing needs.
type Profile struct {
	UserID      int64
	DisplayName string
	AvatarURL   string
}

type bigVEntry struct {
	ids       []int64
	expiresAt time.Time
}

// Status is the result of relationStatus(a, b).
type Status struct {
	Following  bool
	FollowedBy bool
	Mutual     bool
}

// Service is the relation read path.
type Service struct {
	cache    cachestore.Store
	rel      relstore.Store
	users    *user.Service
	profiles ProfileLookup
	cfg      Config
	bigV     *lru.Cache[int64, bigVEntry]
}

func New(cache cachestore.Store, rel relstore.Store, users *user.Service, profiles ProfileLookup, cfg Config) *Service {
	c, err := lru.New[int64, bigVEntry](bigVCacheSize)
	if err != nil {
		panic(fmt.Sprintf("readpath: lru.New: %v", err))
	}
	return &Service{cache: cache, rel: rel, users: users, profiles: profiles, cfg: cfg, bigV: c}
}

// Following returns up to limit ids the user follows, starting at offset,
// most-recently-followed first.
func (s *Service) Following(ctx context.Context, userID int64, limit, offset int) ([]int64, error) {
	return s.page(ctx, userID, limit, offset, true)
}

// Followers returns up to limit ids following the user, starting at
// offset, most-recent first.
func (s *Service) Followers(ctx context.Context, userID int64, limit, offset int) ([]int64, error) {
	return s.page(ctx, userID, limit, offset, false)
}

func (s *Service) page(ctx context.Context, userID int64, limit, offset int, following bool) ([]int64, error) {
	key := s.setKey(userID, following)

	ids, err := s.zrevRangeIDs(ctx, key, int64(offset), int64(offset+limit-1))
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		return ids, nil
	}

	if !following && s.isBigV(ctx, userID) {
		if cached, ok := s.bigVLookup(userID); ok {
			lo, hi := offset, offset+limit
			if lo > len(cached) {
				lo = len(cached)
			}
			if hi > len(cached) {
				hi = len(cached)
			}
			return cached[lo:hi], nil
		}
	}

	fetch := limit + offset
	if fetch > dbPageCap {
		fetch = dbPageCap
	}
	if err := s.refillFromDB(ctx, userID, fetch, nil, following); err != nil {
		return nil, err
	}
	if !following && s.isBigV(ctx, userID) {
		s.refreshBigV(ctx, userID)
	}

	return s.zrevRangeIDs(ctx, key, int64(offset), int64(offset+limit-1))
}

// FollowingCursor / FollowersCursor page by score cursor (ms timestamps)
// instead of offset; cursor of math.MaxInt64 means "from the top".
func (s *Service) FollowingCursor(ctx context.Context, userID int64, limit int, cursor int64) ([]int64, error) {
	return s.cursorPage(ctx, userID, limit, cursor, true)
}

func (s *Service) FollowersCursor(ctx context.Context, userID int64, limit int, cursor int64) ([]int64, error) {
	return s.cursorPage(ctx, userID, limit, cursor, false)
}

func (s *Service) cursorPage(ctx context.Context, userID int64, limit int, cursor int64, following bool) ([]int64, error) {
	key := s.setKey(userID, following)

	members, err := s.cache.ZRevRangeByScore(ctx, key, float64(cursor), int64(limit))
	if err != nil {
		return nil, fmt.Errorf("readpath: zrevrangebyscore: %w", err)
	}
	if len(members) > 0 {
		return scoredIDs(members), nil
	}

	var cursorPtr *int64
	if cursor != math.MaxInt64 {
		c := cursor
		cursorPtr = &c
	}
	if err := s.refillFromDB(ctx, userID, limit, cursorPtr, following); err != nil {
		return nil, err
	}

	members, err = s.cache.ZRevRangeByScore(ctx, key, float64(cursor), int64(limit))
	if err != nil {
		return nil, fmt.Errorf("readpath: zrevrangebyscore (post-fill): %w", err)
	}
	return scoredIDs(members), nil
}

func (s *Service) refillFromDB(ctx context.Context, userID int64, limit int, cursorMs *int64, following bool) error {
	var rows []relstore.Relation
	var err error
	if following {
		rows, err = s.rel.FollowingPage(ctx, userID, limit, cursorMs)
	} else {
		rows, err = s.rel.FollowersPage(ctx, userID, limit, cursorMs)
	}
	if err != nil {
		return fmt.Errorf("readpath: db page: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	key := s.setKey(userID, following)
	for _, r := range rows {
		other := r.ToUserID
		if !following {
			other = r.FromUserID
		}
		if err := s.cache.ZAdd(ctx, key, fmt.Sprint(other), float64(r.CreatedAt)); err != nil {
			return fmt.Errorf("readpath: zadd: %w", err)
		}
	}
	if err := s.cache.Expire(ctx, key, pageTTL); err != nil {
		return fmt.Errorf("readpath: expire: %w", err)
	}
	return nil
}

func (s *Service) setKey(userID int64, following bool) string {
	if following {
		return followingsKey(userID)
	}
	return followersKey(userID)
}

func (s *Service) zrevRangeIDs(ctx context.Context, key string, start, stop int64) ([]int64, error) {
	members, err := s.cache.ZRevRange(ctx, key, start, stop)
	if err != nil {
		return nil, fmt.Errorf("readpath: zrevrange: %w", err)
	}
	out := make([]int64, 0, len(members))
	for _, m := range members {
		var id int64
		if _, err := fmt.Sscan(m, &id); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

func scoredIDs(members []cachestore.ScoredMember) []int64 {
	out := make([]int64, 0, len(members))
	for _, m := range members {
		var id int64
		if _, err := fmt.Sscan(m.Member, &id); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// RelationStatus reports the bidirectional following relationship
// between a and b.
func (s *Service) RelationStatus(ctx context.Context, a, b int64) (Status, error) {
	following, err := s.rel.IsFollowing(ctx, a, b)
	if err != nil {
		return Status{}, fmt.Errorf("readpath: is following: %w", err)
	}
	followedBy, err := s.rel.IsFollowing(ctx, b, a)
	if err != nil {
		return Status{}, fmt.Errorf("readpath: is followed by: %w", err)
	}
	return Status{Following: following, FollowedBy: followedBy, Mutual: following && followedBy}, nil
}

// FollowingProfiles / FollowersProfiles compose a relation listing with a
// batched profile lookup, preserving the id list's order.
func (s *Service) FollowingProfiles(ctx context.Context, userID int64, limit, offset int) ([]Profile, error) {
	ids, err := s.Following(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return s.composeProfiles(ctx, ids)
}

func (s *Service) FollowersProfiles(ctx context.Context, userID int64, limit, offset int) ([]Profile, error) {
	ids, err := s.Followers(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return s.composeProfiles(ctx, ids)
}

func (s *Service) composeProfiles(ctx context.Context, ids []int64) ([]Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	fetched, err := s.profiles.GetProfiles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("readpath: get profiles: %w", err)
	}
	byID := make(map[int64]Profile, len(fetched))
	for _, p := range fetched {
		byID[p.UserID] = p
	}
	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Service) isBigV(ctx context.Context, userID int64) bool {
	values, _, err := s.users.GetAll(ctx, userID)
	if err != nil {
		logger.Warn("readpath: big-v check failed", "user_id", userID, "error", err)
		return false
	}
	return int64(values[schema.UserFollowers-1]) >= int64(s.cfg.BigVFollowers)
}

func (s *Service) bigVLookup(userID int64) ([]int64, bool) {
	entry, ok := s.bigV.Get(userID)
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.ids, true
}

func (s *Service) refreshBigV(ctx context.Context, userID int64) {
	rows, err := s.rel.FollowersPage(ctx, userID, bigVCacheDepth, nil)
	if err != nil {
		logger.Warn("readpath: big-v refresh failed", "user_id", userID, "error", err)
		return
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.FromUserID
	}
	s.bigV.Add(userID, bigVEntry{ids: ids, expiresAt: time.Now().Add(bigVCacheTTL)})
}

// HealCounters implements the counter self-healing sampling step: at most
// once per cfg.SampleThrottleSecs per user, compare the authoritative DB
// counts against the cached user-counter snapshot and trigger a rebuild
// on any mismatch.
func (s *Service) HealCounters(ctx context.Context, userID int64) error {
	fresh, err := s.cache.SetNX(ctx, selfHealKey(userID), "1", time.Duration(s.cfg.SampleThrottleSecs)*time.Second)
	if err != nil {
		return fmt.Errorf("readpath: self-heal throttle: %w", err)
	}
	if !fresh {
		return nil
	}

	dbFollowing, err := s.rel.CountActiveFollowing(ctx, userID)
	if err != nil {
		return fmt.Errorf("readpath: count following: %w", err)
	}
	dbFollowers, err := s.rel.CountActiveFollowers(ctx, userID)
	if err != nil {
		return fmt.Errorf("readpath: count followers: %w", err)
	}

	values, needsRebuild, err := s.users.GetAll(ctx, userID)
	if err != nil {
		return fmt.Errorf("readpath: get snapshot: %w", err)
	}
	mismatch := needsRebuild ||
		int64(values[schema.UserFollowings-1]) != dbFollowing ||
		int64(values[schema.UserFollowers-1]) != dbFollowers
	if !mismatch {
		return nil
	}

	logger.Warn("readpath: counter mismatch detected, rebuilding", "user_id", userID)
	if _, err := s.users.RebuildAllCounters(ctx, userID); err != nil {
		return fmt.Errorf("readpath: rebuild: %w", err)
	}
	return nil
}
