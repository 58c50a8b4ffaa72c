package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"knowengage/internal/counter/entity"
	"knowengage/internal/errs"
	"knowengage/internal/feed/hotkey"
	"knowengage/internal/platform/cachestore/cachestoretest"
	"knowengage/internal/platform/relstore"
)

type fakePost struct {
	id        string
	authorID  int64
	createdAt int64
	deleted   bool
	published bool
}

type fakeRelStore struct {
	posts []fakePost
}

func (f *fakeRelStore) InsertFollowWithOutbox(ctx context.Context, from, to int64, payload string) (int64, bool, error) {
	return 0, false, nil
}
func (f *fakeRelStore) CancelFollowWithOutbox(ctx context.Context, from, to int64, payload string) (bool, error) {
	return false, nil
}
func (f *fakeRelStore) IsFollowing(ctx context.Context, from, to int64) (bool, error) {
	return false, nil
}
func (f *fakeRelStore) CountActiveFollowing(ctx context.Context, userID int64) (int64, error) {
	return 0, nil
}
func (f *fakeRelStore) CountActiveFollowers(ctx context.Context, userID int64) (int64, error) {
	return 0, nil
}
func (f *fakeRelStore) FollowingPage(ctx context.Context, userID int64, limit int, cursorMs *int64) ([]relstore.Relation, error) {
	return nil, nil
}
func (f *fakeRelStore) FollowersPage(ctx context.Context, userID int64, limit int, cursorMs *int64) ([]relstore.Relation, error) {
	return nil, nil
}
func (f *fakeRelStore) PublishedPostIDs(ctx context.Context, authorID int64) ([]string, error) {
	return nil, nil
}
func (f *fakeRelStore) AllUserIDs(ctx context.Context) ([]int64, error)  { return nil, nil }
func (f *fakeRelStore) AllPostIDs(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeRelStore) GetProfiles(ctx context.Context, userIDs []int64) ([]relstore.Profile, error) {
	return nil, nil
}

func (f *fakeRelStore) GetPost(ctx context.Context, id string) (relstore.Post, bool, error) {
	for _, p := range f.posts {
		if p.id == id {
			return relstore.Post{ID: p.id, AuthorID: p.authorID, Published: p.published, Deleted: p.deleted, CreatedAt: p.createdAt}, true, nil
		}
	}
	return relstore.Post{}, false, nil
}

func (f *fakeRelStore) GetPosts(ctx context.Context, ids []string) ([]relstore.Post, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []relstore.Post
	for _, p := range f.posts {
		if want[p.id] {
			out = append(out, relstore.Post{ID: p.id, AuthorID: p.authorID, Published: p.published, Deleted: p.deleted, CreatedAt: p.createdAt})
		}
	}
	return out, nil
}

func (f *fakeRelStore) PublishedPostsPage(ctx context.Context, limit int, beforeCreatedAt *int64) ([]relstore.Post, error) {
	return nil, nil
}

func (f *fakeRelStore) PublishedPostsOffset(ctx context.Context, offset, limit int) ([]relstore.Post, error) {
	var live []fakePost
	for _, p := range f.posts {
		if p.published && !p.deleted {
			live = append(live, p)
		}
	}
	// already inserted newest-first in tests.
	if offset >= len(live) {
		return nil, nil
	}
	end := offset + limit
	if end > len(live) {
		end = len(live)
	}
	var out []relstore.Post
	for _, p := range live[offset:end] {
		out = append(out, relstore.Post{ID: p.id, AuthorID: p.authorID, Published: p.published, Deleted: p.deleted, CreatedAt: p.createdAt})
	}
	return out, nil
}

func (f *fakeRelStore) FetchOutboxUnacked(ctx context.Context, limit int) ([]relstore.OutboxRow, error) {
	return nil, nil
}
func (f *fakeRelStore) DeleteOutboxRows(ctx context.Context, ids []int64) error { return nil }
func (f *fakeRelStore) Close()                                                  {}

var _ relstore.Store = (*fakeRelStore)(nil)

func testService(t *testing.T, posts []fakePost) (*Service, *cachestoretest.Fake) {
	t.Helper()
	cacheStore := cachestoretest.New()
	rel := &fakeRelStore{posts: posts}
	entities := entity.New(cacheStore, nil, entity.Config{RatePermits: 3, RateWindowSecs: 10, BackoffBaseMs: 500, BackoffMaxMs: 30000, LockWatchdogSecs: 10})
	hot := hotkey.New(hotkey.Config{WindowSeconds: 60, SegmentSeconds: 10, LevelLow: 2, LevelMedium: 5, LevelHigh: 10, ExtendLow: 20, ExtendMedium: 60, ExtendHigh: 120})
	cfg := Config{
		LocalTTL:          15 * time.Second,
		LocalMaxSize:      1000,
		PublicTTLBase:     10 * time.Second,
		PublicTTLJitter:   10 * time.Second,
		FragmentTTLBase:   60 * time.Second,
		FragmentTTLJitter: 30 * time.Second,
		MineTTLBase:       30 * time.Second,
		MineTTLJitter:     20 * time.Second,
		NegativeTTLBase:   30 * time.Second,
		NegativeTTLJitter: 30 * time.Second,
		DoubleDeleteDelay: 20 * time.Millisecond,
		DetailLayout:      1,
	}
	return New(cacheStore, rel, entities, hot, cfg), cacheStore
}

func TestPublic_OriginLoadThenServedFromLocalCache(t *testing.T) {
	ctx := context.Background()
	svc, _ := testService(t, []fakePost{
		{id: "p3", authorID: 1, createdAt: 300, published: true},
		{id: "p2", authorID: 1, createdAt: 200, published: true},
		{id: "p1", authorID: 1, createdAt: 100, published: true},
	})

	page, err := svc.Public(ctx, 1, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "p3" || page.Items[1].ID != "p2" {
		t.Fatalf("expected [p3 p2] newest first, got %+v", page.Items)
	}
	if !page.HasMore {
		t.Fatalf("expected hasMore true with a third row waiting")
	}

	// second call should be served from the local cache without error.
	page2, err := svc.Public(ctx, 1, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2.Items) != 2 || page2.Items[0].ID != "p3" {
		t.Fatalf("expected cached page to match, got %+v", page2.Items)
	}
}

func TestPublic_OverlaysViewerFlags(t *testing.T) {
	ctx := context.Background()
	svc, cacheStore := testService(t, []fakePost{
		{id: "p1", authorID: 1, createdAt: 100, published: true},
	})

	entities := entity.New(cacheStore, nil, entity.Config{RatePermits: 3, RateWindowSecs: 10, BackoffBaseMs: 500, BackoffMaxMs: 30000, LockWatchdogSecs: 10})
	viewer := int64(42)
	if _, err := entities.Like(ctx, entityType, "p1", viewer); err != nil {
		t.Fatal(err)
	}

	page, err := svc.Public(ctx, 1, 10, &viewer)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].Liked == nil || !*page.Items[0].Liked {
		t.Fatalf("expected liked=true overlaid for viewer 42, got %+v", page.Items)
	}
}

func TestDetail_MissingPostReturnsNotFoundAndCachesSentinel(t *testing.T) {
	ctx := context.Background()
	svc, cacheStore := testService(t, nil)

	_, ok, err := svc.Detail(ctx, "ghost", nil)
	if !errors.Is(err, errs.NotFound) {
		t.Fatalf("expected errs.NotFound, got %v", err)
	}
	if ok {
		t.Fatalf("expected not found for a nonexistent post")
	}
	raw, found, err := cacheStore.Get(ctx, detailKey("ghost", 1))
	if err != nil {
		t.Fatal(err)
	}
	if !found || raw != nullSentinel {
		t.Fatalf("expected null sentinel cached for ghost, got found=%v raw=%q", found, raw)
	}
}

func TestDetail_FoundPostIsCachedAndReturned(t *testing.T) {
	ctx := context.Background()
	svc, _ := testService(t, []fakePost{
		{id: "p1", authorID: 7, createdAt: 100, published: true},
	})

	item, ok, err := svc.Detail(ctx, "p1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || item.AuthorID != 7 {
		t.Fatalf("expected to find p1 authored by 7, got %+v ok=%v", item, ok)
	}

	// second call hits the local cache.
	item2, ok, err := svc.Detail(ctx, "p1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || item2.ID != "p1" {
		t.Fatalf("expected cached detail hit, got %+v", item2)
	}
}

func TestInvalidatePost_DeletesFragmentsAndRunsDoubleDelete(t *testing.T) {
	ctx := context.Background()
	svc, cacheStore := testService(t, []fakePost{
		{id: "p1", authorID: 1, createdAt: 100, published: true},
	})

	if _, err := svc.Public(ctx, 1, 10, nil); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := cacheStore.Get(ctx, itemKey("p1")); !found {
		t.Fatalf("expected item fragment to exist before invalidation")
	}

	mutated := false
	err := svc.InvalidatePost(ctx, "p1", func(context.Context) error {
		mutated = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !mutated {
		t.Fatalf("expected mutate callback to run")
	}
	if _, found, _ := cacheStore.Get(ctx, itemKey("p1")); found {
		t.Fatalf("expected item fragment deleted immediately")
	}

	time.Sleep(50 * time.Millisecond)
	if _, found, _ := cacheStore.Get(ctx, itemKey("p1")); found {
		t.Fatalf("expected item fragment still absent after the delayed second delete")
	}
}

func TestApplyCountDelta_PatchesFragmentAndIndexedPage(t *testing.T) {
	ctx := context.Background()
	svc, cacheStore := testService(t, []fakePost{
		{id: "p1", authorID: 1, createdAt: 100, published: true},
	})

	if _, err := svc.Public(ctx, 1, 10, nil); err != nil {
		t.Fatal(err)
	}

	if err := svc.ApplyCountDelta(ctx, "p1", "like", 3); err != nil {
		t.Fatal(err)
	}

	raw, found, err := cacheStore.Get(ctx, countKey("p1"))
	if err != nil {
		t.Fatal(err)
	}
	if !found || raw != mustJSON(countFragment{Like: 3, Fav: 0}) {
		t.Fatalf("expected patched count fragment like=3, got found=%v raw=%q", found, raw)
	}

	pageRaw, found, err := cacheStore.Get(ctx, publicPageKey(1, 10, svc.cfg.DetailLayout))
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("expected public page cache entry to still exist")
	}
	var p Page
	if err := json.Unmarshal([]byte(pageRaw), &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Items) != 1 || p.Items[0].LikeCount != 3 {
		t.Fatalf("expected patched public page like count 3, got %+v", p.Items)
	}

	if entry, ok := svc.local.Get(localPageCacheKey(1, 10, svc.cfg.DetailLayout)); !ok || entry.page.Items[0].LikeCount != 3 {
		t.Fatalf("expected local page cache patched in place, got %+v", entry)
	}
}

func TestApplyCountDelta_NeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	svc, cacheStore := testService(t, []fakePost{
		{id: "p1", authorID: 1, createdAt: 100, published: true},
	})
	if _, err := svc.Public(ctx, 1, 10, nil); err != nil {
		t.Fatal(err)
	}

	if err := svc.ApplyCountDelta(ctx, "p1", "like", -5); err != nil {
		t.Fatal(err)
	}

	raw, _, err := cacheStore.Get(ctx, countKey("p1"))
	if err != nil {
		t.Fatal(err)
	}
	if raw != mustJSON(countFragment{Like: 0, Fav: 0}) {
		t.Fatalf("expected count clamped at 0, got %q", raw)
	}
}
