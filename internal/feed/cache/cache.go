// Package cache implements the public feed's three-tier cache engine
// (spec.md section 4.J): a local in-process page cache, a fragment tree
// (ids list + per-item + per-count, bound to the current hour slot) and
// a distributed full-page cache, with origin loads single-flighted per
// ids key and a double-delete mutation path.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"knowengage/internal/counter/entity"
	"knowengage/internal/counter/schema"
	"knowengage/internal/errs"
	"knowengage/internal/feed/hotkey"
	"knowengage/internal/logger"
	"knowengage/internal/metrics"
	"knowengage/internal/platform/cachestore"
	"knowengage/internal/platform/relstore"
)

// Config bundles the cache engine's TTL and size knobs (spec.md section
// 4.J / 6).
type Config struct {
	LocalTTL          time.Duration
	LocalMaxSize      int
	PublicTTLBase     time.Duration
	PublicTTLJitter   time.Duration
	FragmentTTLBase   time.Duration
	FragmentTTLJitter time.Duration
	MineTTLBase       time.Duration
	MineTTLJitter     time.Duration
	NegativeTTLBase   time.Duration
	NegativeTTLJitter time.Duration
	DoubleDeleteDelay time.Duration
	// DetailLayout is the detail cache's layout version (spec.md's
	// knowpost:detail:{id}:v{layout}); bumped on release, not per
	// request, so it lives in config rather than the call signature.
	DetailLayout int
}

// Service is the feed cache engine.
type Service struct {
	local    *lru.Cache[string, localEntry]
	dist     cachestore.Store
	rel      relstore.Store
	entities *entity.Service
	hot      *hotkey.Detector
	cfg      Config
	sf       singleflight.Group
}

func New(dist cachestore.Store, rel relstore.Store, entities *entity.Service, hot *hotkey.Detector, cfg Config) *Service {
	c, err := lru.New[string, localEntry](cfg.LocalMaxSize)
	if err != nil {
		panic(fmt.Sprintf("cache: lru.New: %v", err))
	}
	return &Service{local: c, dist: dist, rel: rel, entities: entities, hot: hot, cfg: cfg}
}

func jitter(base, spread time.Duration) time.Duration {
	if spread <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(spread)+1))
}

// Public returns one page of the public feed, page >= 1, size in [1,50].
func (s *Service) Public(ctx context.Context, page, size int, viewerID *int64) (Page, error) {
	localKey := localPageCacheKey(page, size, s.cfg.DetailLayout)

	if entry, ok := s.local.Get(localKey); ok && time.Now().Before(entry.expiresAt) {
		s.hot.Record(localKey)
		metrics.FeedCacheTierHits.WithLabelValues("public", "local").Inc()
		out := clonePage(entry.page)
		if err := s.overlay(ctx, out.Items, viewerID); err != nil {
			return Page{}, err
		}
		return out, nil
	}

	if p, ok, err := s.fromFragments(ctx, page, size); err != nil {
		return Page{}, err
	} else if ok {
		metrics.FeedCacheTierHits.WithLabelValues("public", "fragment").Inc()
		s.storeLocal(localKey, p)
		out := clonePage(p)
		if err := s.overlay(ctx, out.Items, viewerID); err != nil {
			return Page{}, err
		}
		return out, nil
	}

	if p, ok, err := s.fromDistPage(ctx, page, size); err != nil {
		return Page{}, err
	} else if ok {
		metrics.FeedCacheTierHits.WithLabelValues("public", "distpage").Inc()
		s.storeLocal(localKey, p)
		out := clonePage(p)
		if err := s.overlay(ctx, out.Items, viewerID); err != nil {
			return Page{}, err
		}
		return out, nil
	}

	idsKey := idsListKey(hourSlot(time.Now()), page, size)
	v, err, shared := s.sf.Do(idsKey, func() (any, error) {
		if p, ok, err := s.fromFragments(ctx, page, size); err != nil {
			return nil, err
		} else if ok {
			return p, nil
		}
		if p, ok, err := s.fromDistPage(ctx, page, size); err != nil {
			return nil, err
		} else if ok {
			return p, nil
		}
		return s.originLoadPublic(ctx, page, size)
	})
	if shared {
		metrics.SingleFlightCollapses.WithLabelValues("true").Inc()
	} else {
		metrics.SingleFlightCollapses.WithLabelValues("false").Inc()
	}
	if err != nil {
		return Page{}, err
	}
	metrics.FeedCacheTierHits.WithLabelValues("public", "singleflight").Inc()
	p := v.(Page)
	s.storeLocal(localKey, p)
	out := clonePage(p)
	if err := s.overlay(ctx, out.Items, viewerID); err != nil {
		return Page{}, err
	}
	return out, nil
}

func (s *Service) storeLocal(key string, p Page) {
	s.local.Add(key, localEntry{page: clonePage(p), expiresAt: time.Now().Add(s.cfg.LocalTTL)})
}

func clonePage(p Page) Page {
	items := make([]FeedItem, len(p.Items))
	copy(items, p.Items)
	for i := range items {
		items[i].Liked = nil
		items[i].Faved = nil
	}
	return Page{Items: items, HasMore: p.HasMore}
}

func (s *Service) overlay(ctx context.Context, items []FeedItem, viewerID *int64) error {
	if viewerID == nil {
		return nil
	}
	for i := range items {
		liked, err := s.entities.IsLiked(ctx, entityType, items[i].ID, *viewerID)
		if err != nil {
			return fmt.Errorf("cache: overlay liked: %w", err)
		}
		faved, err := s.entities.IsFaved(ctx, entityType, items[i].ID, *viewerID)
		if err != nil {
			return fmt.Errorf("cache: overlay faved: %w", err)
		}
		items[i].Liked = &liked
		items[i].Faved = &faved
	}
	return nil
}

// fromFragments assembles a page from the ids-list + per-item + per-count
// fragment tree bound to the current hour slot.
func (s *Service) fromFragments(ctx context.Context, page, size int) (Page, bool, error) {
	slot := hourSlot(time.Now())
	idsKey := idsListKey(slot, page, size)
	raw, found, err := s.dist.Get(ctx, idsKey)
	if err != nil {
		return Page{}, false, fmt.Errorf("cache: get ids fragment: %w", err)
	}
	if !found {
		return Page{}, false, nil
	}
	var frag idsListFragment
	if err := json.Unmarshal([]byte(raw), &frag); err != nil {
		logger.Warn("cache: malformed ids fragment, treating as miss", "key", idsKey, "error", err)
		return Page{}, false, nil
	}

	ttl, err := s.dist.TTL(ctx, idsKey)
	if err != nil {
		return Page{}, false, fmt.Errorf("cache: ids fragment ttl: %w", err)
	}

	items, err := s.assembleItems(ctx, frag.IDs, ttl)
	if err != nil {
		return Page{}, false, err
	}
	p := Page{Items: items, HasMore: frag.HasMore}
	if err := s.dist.Set(ctx, publicPageKey(page, size, s.cfg.DetailLayout), mustJSON(p), ttl); err != nil {
		logger.Warn("cache: write full page cache failed", "error", err)
	}
	return p, true, nil
}

func (s *Service) assembleItems(ctx context.Context, ids []string, fragmentTTL time.Duration) ([]FeedItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	itemKeys := make([]string, len(ids))
	countKeys := make([]string, len(ids))
	for i, id := range ids {
		itemKeys[i] = itemKey(id)
		countKeys[i] = countKey(id)
	}
	itemsRaw, err := s.dist.MGet(ctx, itemKeys)
	if err != nil {
		return nil, fmt.Errorf("cache: mget items: %w", err)
	}
	countsRaw, err := s.dist.MGet(ctx, countKeys)
	if err != nil {
		return nil, fmt.Errorf("cache: mget counts: %w", err)
	}

	items := make([]FeedItem, 0, len(ids))
	var missingItemIDs []string
	var missingCountIDs []string
	byID := make(map[string]*FeedItem, len(ids))

	for i, id := range ids {
		if itemsRaw[i] == "" {
			missingItemIDs = append(missingItemIDs, id)
			continue
		}
		if itemsRaw[i] == nullSentinel {
			continue
		}
		var it FeedItem
		if err := json.Unmarshal([]byte(itemsRaw[i]), &it); err != nil {
			missingItemIDs = append(missingItemIDs, id)
			continue
		}
		items = append(items, it)
		byID[id] = &items[len(items)-1]
		if countsRaw[i] == "" {
			missingCountIDs = append(missingCountIDs, id)
		} else if countsRaw[i] != nullSentinel {
			var cf countFragment
			if err := json.Unmarshal([]byte(countsRaw[i]), &cf); err == nil {
				byID[id].LikeCount = cf.Like
				byID[id].FavCount = cf.Fav
			}
		}
	}

	if len(missingItemIDs) > 0 {
		posts, err := s.rel.GetPosts(ctx, missingItemIDs)
		if err != nil {
			return nil, fmt.Errorf("cache: backfill posts: %w", err)
		}
		found := make(map[string]relstore.Post, len(posts))
		for _, p := range posts {
			found[p.ID] = p
		}
		for _, id := range missingItemIDs {
			p, ok := found[id]
			if !ok || p.Deleted || !p.Published {
				if err := s.dist.Set(ctx, itemKey(id), nullSentinel, fragmentTTL); err != nil {
					logger.Warn("cache: set null item sentinel failed", "error", err)
				}
				continue
			}
			it := FeedItem{ID: p.ID, AuthorID: p.AuthorID, CreatedAt: p.CreatedAt}
			if err := s.dist.Set(ctx, itemKey(id), mustJSON(it), fragmentTTL); err != nil {
				logger.Warn("cache: set item fragment failed", "error", err)
			}
			items = append(items, it)
			byID[id] = &items[len(items)-1]
			missingCountIDs = append(missingCountIDs, id)
		}
	}

	if len(missingCountIDs) > 0 {
		counts, err := s.entities.GetCountsBatch(ctx, entityType, missingCountIDs, []string{schema.MetricLike, schema.MetricFav})
		if err != nil {
			return nil, fmt.Errorf("cache: get counts batch: %w", err)
		}
		for _, id := range missingCountIDs {
			it, ok := byID[id]
			if !ok {
				continue
			}
			c := counts[id]
			it.LikeCount = c[schema.MetricLike]
			it.FavCount = c[schema.MetricFav]
			if err := s.dist.Set(ctx, countKey(id), mustJSON(countFragment{Like: it.LikeCount, Fav: it.FavCount}), fragmentTTL); err != nil {
				logger.Warn("cache: set count fragment failed", "error", err)
			}
		}
	}

	return items, nil
}

// fromDistPage reads the full serialized page cache.
func (s *Service) fromDistPage(ctx context.Context, page, size int) (Page, bool, error) {
	raw, found, err := s.dist.Get(ctx, publicPageKey(page, size, s.cfg.DetailLayout))
	if err != nil {
		return Page{}, false, fmt.Errorf("cache: get page cache: %w", err)
	}
	if !found {
		return Page{}, false, nil
	}
	var p Page
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		logger.Warn("cache: malformed page cache, treating as miss", "error", err)
		return Page{}, false, nil
	}
	go s.repairFragments(context.WithoutCancel(ctx), page, size, p)
	return p, true, nil
}

func (s *Service) repairFragments(ctx context.Context, page, size int, p Page) {
	ttl := jitter(s.cfg.FragmentTTLBase, s.cfg.FragmentTTLJitter)
	slot := hourSlot(time.Now())
	ids := make([]string, len(p.Items))
	for i, it := range p.Items {
		ids[i] = it.ID
		if err := s.dist.Set(ctx, itemKey(it.ID), mustJSON(it), ttl); err != nil {
			logger.Warn("cache: repair item fragment failed", "error", err)
		}
		if err := s.dist.Set(ctx, countKey(it.ID), mustJSON(countFragment{Like: it.LikeCount, Fav: it.FavCount}), ttl); err != nil {
			logger.Warn("cache: repair count fragment failed", "error", err)
		}
		if err := s.dist.SAdd(ctx, indexKey(it.ID, slot), publicPageKey(page, size, s.cfg.DetailLayout)); err != nil {
			logger.Warn("cache: repair reverse index failed", "error", err)
		}
	}
	frag := idsListFragment{IDs: ids, HasMore: p.HasMore}
	if err := s.dist.Set(ctx, idsListKey(slot, page, size), mustJSON(frag), ttl); err != nil {
		logger.Warn("cache: repair ids fragment failed", "error", err)
	}
}

func (s *Service) originLoadPublic(ctx context.Context, page, size int) (Page, error) {
	rows, err := s.rel.PublishedPostsOffset(ctx, (page-1)*size, size+1)
	if err != nil {
		return Page{}, fmt.Errorf("cache: origin load: %w", err)
	}
	hasMore := len(rows) > size
	if hasMore {
		rows = rows[:size]
	}

	ids := make([]string, len(rows))
	items := make([]FeedItem, len(rows))
	for i, p := range rows {
		ids[i] = p.ID
		items[i] = FeedItem{ID: p.ID, AuthorID: p.AuthorID, CreatedAt: p.CreatedAt}
	}
	if len(ids) > 0 {
		counts, err := s.entities.GetCountsBatch(ctx, entityType, ids, []string{schema.MetricLike, schema.MetricFav})
		if err != nil {
			return Page{}, fmt.Errorf("cache: origin load counts: %w", err)
		}
		for i, id := range ids {
			c := counts[id]
			items[i].LikeCount = c[schema.MetricLike]
			items[i].FavCount = c[schema.MetricFav]
		}
	}

	out := Page{Items: items, HasMore: hasMore}

	pageTTL := jitter(s.cfg.PublicTTLBase, s.cfg.PublicTTLJitter)
	fragTTL := jitter(s.cfg.FragmentTTLBase, s.cfg.FragmentTTLJitter)
	slot := hourSlot(time.Now())

	if err := s.dist.Set(ctx, publicPageKey(page, size, s.cfg.DetailLayout), mustJSON(out), pageTTL); err != nil {
		logger.Warn("cache: set page cache failed", "error", err)
	}
	if err := s.dist.Set(ctx, idsListKey(slot, page, size), mustJSON(idsListFragment{IDs: ids, HasMore: hasMore}), fragTTL); err != nil {
		logger.Warn("cache: set ids fragment failed", "error", err)
	}
	for _, it := range items {
		if err := s.dist.Set(ctx, itemKey(it.ID), mustJSON(it), fragTTL); err != nil {
			logger.Warn("cache: set item fragment failed", "error", err)
		}
		if err := s.dist.Set(ctx, countKey(it.ID), mustJSON(countFragment{Like: it.LikeCount, Fav: it.FavCount}), fragTTL); err != nil {
			logger.Warn("cache: set count fragment failed", "error", err)
		}
		if err := s.dist.SAdd(ctx, indexKey(it.ID, slot), publicPageKey(page, size, s.cfg.DetailLayout)); err != nil {
			logger.Warn("cache: set reverse index failed", "error", err)
		}
	}
	return out, nil
}

// Mine returns the viewer's own feed page: local + distributed page
// cache only, no fragment tree, because the cache key already embeds the
// viewer so liked/faved are cached in place.
func (s *Service) Mine(ctx context.Context, viewerID int64, page, size int) (Page, error) {
	localKey := localMineCacheKey(viewerID, page, size)
	if entry, ok := s.local.Get(localKey); ok && time.Now().Before(entry.expiresAt) {
		metrics.FeedCacheTierHits.WithLabelValues("mine", "local").Inc()
		return entry.page, nil
	}

	distKey := minePageKey(viewerID, page, size)
	if raw, found, err := s.dist.Get(ctx, distKey); err != nil {
		return Page{}, fmt.Errorf("cache: get mine page: %w", err)
	} else if found {
		var p Page
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			metrics.FeedCacheTierHits.WithLabelValues("mine", "distpage").Inc()
			s.local.Add(localKey, localEntry{page: p, expiresAt: time.Now().Add(s.cfg.LocalTTL)})
			return p, nil
		}
	}

	v, err, shared := s.sf.Do(distKey, func() (any, error) {
		if raw, found, err := s.dist.Get(ctx, distKey); err != nil {
			return nil, err
		} else if found {
			var p Page
			if err := json.Unmarshal([]byte(raw), &p); err == nil {
				return p, nil
			}
		}
		return s.originLoadMine(ctx, viewerID, page, size)
	})
	if shared {
		metrics.SingleFlightCollapses.WithLabelValues("true").Inc()
	} else {
		metrics.SingleFlightCollapses.WithLabelValues("false").Inc()
	}
	if err != nil {
		return Page{}, err
	}
	metrics.FeedCacheTierHits.WithLabelValues("mine", "singleflight").Inc()
	p := v.(Page)
	s.local.Add(localKey, localEntry{page: p, expiresAt: time.Now().Add(s.cfg.LocalTTL)})
	return p, nil
}

func (s *Service) originLoadMine(ctx context.Context, viewerID int64, page, size int) (Page, error) {
	rows, err := s.rel.PublishedPostsOffset(ctx, (page-1)*size, size+1)
	if err != nil {
		return Page{}, fmt.Errorf("cache: mine origin load: %w", err)
	}
	hasMore := len(rows) > size
	if hasMore {
		rows = rows[:size]
	}
	items := make([]FeedItem, 0, len(rows))
	for _, p := range rows {
		if p.AuthorID != viewerID {
			continue
		}
		items = append(items, FeedItem{ID: p.ID, AuthorID: p.AuthorID, CreatedAt: p.CreatedAt})
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	if len(ids) > 0 {
		counts, err := s.entities.GetCountsBatch(ctx, entityType, ids, []string{schema.MetricLike, schema.MetricFav})
		if err != nil {
			return Page{}, fmt.Errorf("cache: mine origin load counts: %w", err)
		}
		for i := range items {
			c := counts[items[i].ID]
			items[i].LikeCount = c[schema.MetricLike]
			items[i].FavCount = c[schema.MetricFav]
		}
	}
	if err := s.overlay(ctx, items, &viewerID); err != nil {
		return Page{}, err
	}
	out := Page{Items: items, HasMore: hasMore}
	ttl := jitter(s.cfg.MineTTLBase, s.cfg.MineTTLJitter)
	pageKey := minePageKey(viewerID, page, size)
	if err := s.dist.Set(ctx, pageKey, mustJSON(out), ttl); err != nil {
		logger.Warn("cache: set mine page failed", "error", err)
	}
	slot := hourSlot(time.Now())
	for _, it := range items {
		if err := s.dist.SAdd(ctx, mineIndexKey(it.ID, slot), pageKey); err != nil {
			logger.Warn("cache: set mine reverse index failed", "error", err)
		}
	}
	return out, nil
}

// Detail returns the detail view of a single post. A missing, deleted,
// or unpublished post reports ok=false and an error wrapping
// errs.NotFound, not a bare false — callers distinguish "doesn't exist"
// from other failures with errors.Is(err, errs.NotFound).
func (s *Service) Detail(ctx context.Context, id string, viewerID *int64) (FeedItem, bool, error) {
	key := detailKey(id, s.cfg.DetailLayout)
	localKey := "detail:" + key
	if entry, ok := s.local.Get(localKey); ok && time.Now().Before(entry.expiresAt) && len(entry.page.Items) > 0 {
		metrics.FeedCacheTierHits.WithLabelValues("detail", "local").Inc()
		item := entry.page.Items[0]
		if err := s.overlay(ctx, []FeedItem{item}, viewerID); err != nil {
			return FeedItem{}, false, err
		}
		return item, true, nil
	}

	raw, found, err := s.dist.Get(ctx, key)
	if err != nil {
		return FeedItem{}, false, fmt.Errorf("cache: get detail: %w", err)
	}
	if found {
		if raw == nullSentinel {
			return FeedItem{}, false, errs.NotFound
		}
		var item FeedItem
		if err := json.Unmarshal([]byte(raw), &item); err == nil {
			if craw, cfound, _ := s.dist.Get(ctx, countKey(id)); cfound && craw != nullSentinel {
				var cf countFragment
				if err := json.Unmarshal([]byte(craw), &cf); err == nil {
					item.LikeCount, item.FavCount = cf.Like, cf.Fav
				}
			}
			metrics.FeedCacheTierHits.WithLabelValues("detail", "distpage").Inc()
			s.local.Add(localKey, localEntry{page: Page{Items: []FeedItem{item}}, expiresAt: time.Now().Add(s.cfg.LocalTTL)})
			if err := s.overlay(ctx, []FeedItem{item}, viewerID); err != nil {
				return FeedItem{}, false, err
			}
			return item, true, nil
		}
	}

	v, err, shared := s.sf.Do(key, func() (any, error) {
		post, ok, err := s.rel.GetPost(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("cache: detail db lookup: %w", err)
		}
		if !ok || post.Deleted || !post.Published {
			if err := s.dist.Set(ctx, key, nullSentinel, jitter(s.cfg.NegativeTTLBase, s.cfg.NegativeTTLJitter)); err != nil {
				logger.Warn("cache: set detail null sentinel failed", "error", err)
			}
			return FeedItem{}, nil
		}
		item := FeedItem{ID: post.ID, AuthorID: post.AuthorID, CreatedAt: post.CreatedAt}
		counts, err := s.entities.GetCounts(ctx, entityType, id, []string{schema.MetricLike, schema.MetricFav})
		if err != nil {
			return nil, fmt.Errorf("cache: detail counts: %w", err)
		}
		item.LikeCount, item.FavCount = counts[schema.MetricLike], counts[schema.MetricFav]
		ttl := s.hot.TTLForPublic(jitter(s.cfg.PublicTTLBase, s.cfg.PublicTTLJitter), key)
		if err := s.dist.Set(ctx, key, mustJSON(item), ttl); err != nil {
			logger.Warn("cache: set detail cache failed", "error", err)
		}
		return item, nil
	})
	if shared {
		metrics.SingleFlightCollapses.WithLabelValues("true").Inc()
	} else {
		metrics.SingleFlightCollapses.WithLabelValues("false").Inc()
	}
	if err != nil {
		return FeedItem{}, false, err
	}
	metrics.FeedCacheTierHits.WithLabelValues("detail", "singleflight").Inc()
	item := v.(FeedItem)
	if item.ID == "" {
		return FeedItem{}, false, errs.NotFound
	}
	s.local.Add(localKey, localEntry{page: Page{Items: []FeedItem{item}}, expiresAt: time.Now().Add(s.cfg.LocalTTL)})
	if err := s.overlay(ctx, []FeedItem{item}, viewerID); err != nil {
		return FeedItem{}, false, err
	}
	return item, true, nil
}

// InvalidatePost wraps a post mutation ({confirmContent, updateMetadata,
// publish, updateTop, updateVisibility, delete}) with the required
// double-delete: invalidate, run the DB mutation, invalidate again after
// DoubleDeleteDelay so a reader that read mid-mutation cannot leave a
// stale page cached behind it.
func (s *Service) InvalidatePost(ctx context.Context, id string, mutate func(context.Context) error) error {
	if err := s.deleteAll(ctx, id); err != nil {
		return err
	}
	if err := mutate(ctx); err != nil {
		return err
	}
	time.AfterFunc(s.cfg.DoubleDeleteDelay, func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.deleteAll(dctx, id); err != nil {
			logger.Warn("cache: double-delete failed", "id", id, "error", err)
		}
	})
	return nil
}

// deleteAll drops every cache entry touched by id: local pages (purged
// wholesale since the local cache is process-local and TTL is already
// short), the reverse-indexed public/mine page keys at the current and
// previous hour slot, the item/count fragments, and the detail key.
func (s *Service) deleteAll(ctx context.Context, id string) error {
	s.local.Purge()

	slot := hourSlot(time.Now())
	var keys []string
	for _, sl := range []int64{slot, slot - 1} {
		pageKeys, err := s.dist.SMembers(ctx, indexKey(id, sl))
		if err != nil {
			return fmt.Errorf("cache: list public reverse index: %w", err)
		}
		keys = append(keys, pageKeys...)
		mineKeys, err := s.dist.SMembers(ctx, mineIndexKey(id, sl))
		if err != nil {
			return fmt.Errorf("cache: list mine reverse index: %w", err)
		}
		keys = append(keys, mineKeys...)
	}
	keys = append(keys, itemKey(id), countKey(id), detailKey(id, s.cfg.DetailLayout))

	if err := s.dist.Del(ctx, keys...); err != nil {
		return fmt.Errorf("cache: delete invalidated keys: %w", err)
	}
	return nil
}

// ApplyCountDelta patches the count fragment for id and every cached page
// that references it (spec.md section 4.L) in place: the fragment's TTL
// is preserved, every page's remaining TTL is preserved, and the delta
// never drives a count below 0. It is called by the feed invalidation
// listener on the same goroutine that handles the counter-delta
// notification, so it must not block on anything slower than the cache
// store itself.
func (s *Service) ApplyCountDelta(ctx context.Context, id, metric string, delta int64) error {
	if err := s.patchCountFragment(ctx, id, metric, delta); err != nil {
		return err
	}
	slot := hourSlot(time.Now())
	for _, sl := range []int64{slot, slot - 1} {
		if err := s.patchIndexedPages(ctx, indexKey(id, sl), id, metric, delta, true); err != nil {
			return err
		}
		if err := s.patchIndexedPages(ctx, mineIndexKey(id, sl), id, metric, delta, false); err != nil {
			return err
		}
	}
	return nil
}

func applyDelta(count uint32, delta int64) uint32 {
	n := int64(count) + delta
	if n < 0 {
		return 0
	}
	return uint32(n)
}

func (s *Service) patchCountFragment(ctx context.Context, id, metric string, delta int64) error {
	key := countKey(id)
	raw, found, err := s.dist.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("cache: get count fragment: %w", err)
	}
	if !found || raw == nullSentinel {
		return nil
	}
	var cf countFragment
	if err := json.Unmarshal([]byte(raw), &cf); err != nil {
		logger.Warn("cache: malformed count fragment, skipping patch", "id", id, "error", err)
		return nil
	}
	switch metric {
	case schema.MetricLike:
		cf.Like = applyDelta(cf.Like, delta)
	case schema.MetricFav:
		cf.Fav = applyDelta(cf.Fav, delta)
	default:
		return nil
	}
	ttl, err := s.dist.TTL(ctx, key)
	if err != nil {
		return fmt.Errorf("cache: count fragment ttl: %w", err)
	}
	if err := s.dist.Set(ctx, key, mustJSON(cf), ttl); err != nil {
		return fmt.Errorf("cache: set patched count fragment: %w", err)
	}
	return nil
}

// localKeyFor maps a distributed page key to its in-process counterpart;
// the local keys drop the "feed:" prefix shared by publicPageKey and
// minePageKey.
func localKeyFor(distKey string) string {
	return strings.TrimPrefix(distKey, "feed:")
}

func patchItem(it *FeedItem, metric string, delta int64, eraseFlags bool) {
	switch metric {
	case schema.MetricLike:
		it.LikeCount = applyDelta(it.LikeCount, delta)
	case schema.MetricFav:
		it.FavCount = applyDelta(it.FavCount, delta)
	}
	if eraseFlags {
		it.Liked = nil
		it.Faved = nil
	}
}

// patchIndexedPages walks every page key in the reverse index at idxKey
// and patches id's counts in place, both in the local LRU (if the page is
// still resident there) and in the distributed page JSON, preserving
// each page's remaining TTL. eraseFlags strips viewer flags from the
// distributed copy for the public feed, where they must never be
// cached; the viewer-scoped mine feed keeps its cached flags as-is.
func (s *Service) patchIndexedPages(ctx context.Context, idxKey, id, metric string, delta int64, eraseFlags bool) error {
	pageKeys, err := s.dist.SMembers(ctx, idxKey)
	if err != nil {
		return fmt.Errorf("cache: list reverse index %s: %w", idxKey, err)
	}
	for _, pageKey := range pageKeys {
		if entry, ok := s.local.Get(localKeyFor(pageKey)); ok {
			for i := range entry.page.Items {
				if entry.page.Items[i].ID == id {
					patchItem(&entry.page.Items[i], metric, delta, eraseFlags)
				}
			}
			s.local.Add(localKeyFor(pageKey), entry)
		}

		ttl, err := s.dist.TTL(ctx, pageKey)
		if err != nil {
			return fmt.Errorf("cache: page ttl %s: %w", pageKey, err)
		}
		raw, found, err := s.dist.Get(ctx, pageKey)
		if err != nil {
			return fmt.Errorf("cache: get page %s: %w", pageKey, err)
		}
		if !found {
			if err := s.dist.SRem(ctx, idxKey, pageKey); err != nil {
				return fmt.Errorf("cache: remove stale reverse index entry: %w", err)
			}
			continue
		}
		var p Page
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			logger.Warn("cache: malformed page during patch, leaving as-is", "key", pageKey, "error", err)
			continue
		}
		changed := false
		for i := range p.Items {
			if p.Items[i].ID == id {
				patchItem(&p.Items[i], metric, delta, eraseFlags)
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := s.dist.Set(ctx, pageKey, mustJSON(p), ttl); err != nil {
			return fmt.Errorf("cache: set patched page %s: %w", pageKey, err)
		}
	}
	return nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("cache: marshal: %v", err))
	}
	return string(b)
}
