package readpath

import (
	"context"
	"math"
	"sort"
	"testing"

	"knowengage/internal/counter/user"
	"knowengage/internal/platform/cachestore/cachestoretest"
	"knowengage/internal/platform/relstore"
)

func testConfig() Config {
	return Config{SampleThrottleSecs: 300, BigVFollowers: 500_000}
}

type fakeRow struct {
	otherID   int64
	createdAt int64
	active    bool
}

// fakeRelStore backs readpath tests with an in-memory following/follower
// table, queried the same way the pgx adapter orders and filters rows.
type fakeRelStore struct {
	following map[int64][]fakeRow // keyed by fromUserID
	followers map[int64][]fakeRow // keyed by toUserID
}

func newFakeRelStore() *fakeRelStore {
	return &fakeRelStore{following: make(map[int64][]fakeRow), followers: make(map[int64][]fakeRow)}
}

func (f *fakeRelStore) addFollow(from, to, createdAt int64) {
	f.following[from] = append(f.following[from], fakeRow{otherID: to, createdAt: createdAt, active: true})
	f.followers[to] = append(f.followers[to], fakeRow{otherID: from, createdAt: createdAt, active: true})
}

func (f *fakeRelStore) InsertFollowWithOutbox(ctx context.Context, from, to int64, payload string) (int64, bool, error) {
	return 0, false, nil
}
func (f *fakeRelStore) CancelFollowWithOutbox(ctx context.Context, from, to int64, payload string) (bool, error) {
	return false, nil
}

func (f *fakeRelStore) IsFollowing(ctx context.Context, from, to int64) (bool, error) {
	for _, r := range f.following[from] {
		if r.active && r.otherID == to {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRelStore) CountActiveFollowing(ctx context.Context, userID int64) (int64, error) {
	return int64(len(f.following[userID])), nil
}

func (f *fakeRelStore) CountActiveFollowers(ctx context.Context, userID int64) (int64, error) {
	return int64(len(f.followers[userID])), nil
}

func (f *fakeRelStore) FollowingPage(ctx context.Context, userID int64, limit int, cursorMs *int64) ([]relstore.Relation, error) {
	return pageOf(f.following[userID], limit, cursorMs, true), nil
}

func (f *fakeRelStore) FollowersPage(ctx context.Context, userID int64, limit int, cursorMs *int64) ([]relstore.Relation, error) {
	return pageOf(f.followers[userID], limit, cursorMs, false), nil
}

func pageOf(rows []fakeRow, limit int, cursorMs *int64, following bool) []relstore.Relation {
	sorted := append([]fakeRow{}, rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].createdAt > sorted[j].createdAt })
	out := make([]relstore.Relation, 0, limit)
	for _, r := range sorted {
		if cursorMs != nil && r.createdAt > *cursorMs {
			continue
		}
		rel := relstore.Relation{CreatedAt: r.createdAt, Status: relstore.StatusActive}
		if following {
			rel.ToUserID = r.otherID
		} else {
			rel.FromUserID = r.otherID
		}
		out = append(out, rel)
		if len(out) >= limit {
			break
		}
	}
	return out
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
	return relstore.Post{}, false, nil
}
func (f *fakeRelStore) GetPosts(ctx context.Context, ids []string) ([]relstore.Post, error) {
	return nil, nil
}
func (f *fakeRelStore) PublishedPostsPage(ctx context.Context, limit int, beforeCreatedAt *int64) ([]relstore.Post, error) {
	return nil, nil
}
func (f *fakeRelStore) PublishedPostsOffset(ctx context.Context, offset, limit int) ([]relstore.Post, error) {
	return nil, nil
}
func (f *fakeRelStore) FetchOutboxUnacked(ctx context.Context, limit int) ([]relstore.OutboxRow, error) {
	return nil, nil
}
func (f *fakeRelStore) DeleteOutboxRows(ctx context.Context, ids []int64) error { return nil }
func (f *fakeRelStore) Close()                                                  {}

var _ relstore.Store = (*fakeRelStore)(nil)

func TestFollowing_MissPopulatesFromDBPageByPage(t *testing.T) {
	ctx := context.Background()
	cache := cachestoretest.New()
	rel := newFakeRelStore()
	rel.addFollow(1, 2, 100)
	rel.addFollow(1, 3, 200)
	rel.addFollow(1, 4, 300)
	users := user.New(cache, rel, nil)
	svc := New(cache, rel, users, nil, testConfig())

	ids, err := svc.Following(ctx, 1, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 4 || ids[1] != 3 {
		t.Fatalf("expected [4 3] most-recent-first, got %v", ids)
	}

	// the second page lies past the two rows the first fill cached, so it
	// misses too and refills the sorted set from the DB (limit+offset rows).
	ids, err = svc.Following(ctx, 1, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("expected [2] on the second page, got %v", ids)
	}
}

func TestFollowersCursor_FallsThroughToDBOnMiss(t *testing.T) {
	ctx := context.Background()
	cache := cachestoretest.New()
	rel := newFakeRelStore()
	rel.addFollow(10, 1, 100)
	rel.addFollow(20, 1, 200)
	rel.addFollow(30, 1, 300)
	users := user.New(cache, rel, nil)
	svc := New(cache, rel, users, nil, testConfig())

	ids, err := svc.FollowersCursor(ctx, 1, 2, math.MaxInt64)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 30 || ids[1] != 20 {
		t.Fatalf("expected [30 20], got %v", ids)
	}

	// fresh cache: a cursor below everything cached so far misses and
	// falls through to the DB, constrained to score <= cursor.
	svc2 := New(cachestoretest.New(), rel, users, nil, testConfig())
	ids, err = svc2.FollowersCursor(ctx, 1, 10, 200)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 20 || ids[1] != 10 {
		t.Fatalf("expected entries with score <= 200, got %v", ids)
	}
}

func TestRelationStatus_ReportsMutual(t *testing.T) {
	ctx := context.Background()
	cache := cachestoretest.New()
	rel := newFakeRelStore()
	rel.addFollow(1, 2, 100)
	rel.addFollow(2, 1, 150)
	users := user.New(cache, rel, nil)
	svc := New(cache, rel, users, nil, testConfig())

	status, err := svc.RelationStatus(ctx, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Following || !status.FollowedBy || !status.Mutual {
		t.Fatalf("expected mutual follow, got %+v", status)
	}
}

func TestHealCounters_ThrottledToOncePerWindow(t *testing.T) {
	ctx := context.Background()
	cache := cachestoretest.New()
	rel := newFakeRelStore()
	rel.addFollow(1, 2, 100)
	users := user.New(cache, rel, nil)
	svc := New(cache, rel, users, nil, testConfig())

	if err := svc.HealCounters(ctx, 1); err != nil {
		t.Fatal(err)
	}
	values, needsRebuild, err := users.GetAll(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if needsRebuild || values[0] != 1 {
		t.Fatalf("expected rebuild to populate followings=1, got %+v needsRebuild=%v", values, needsRebuild)
	}

	// second call within the throttle window is a no-op even if the DB
	// counts changed underneath it.
	rel.addFollow(1, 3, 200)
	if err := svc.HealCounters(ctx, 1); err != nil {
		t.Fatal(err)
	}
	values, _, err = users.GetAll(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if values[0] != 1 {
		t.Fatalf("expected throttle to suppress second rebuild, got followings=%d", values[0])
	}
}
