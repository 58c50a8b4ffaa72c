// Package relstore is the port this service needs from the relational
// store: relation rows, the transactional outbox, and the lookups the
// user/feed services need (spec.md section 6: following, follower,
// outbox, know_post, user tables).
package relstore

import "context"

// Relation status values (spec.md section 3).
const (
	StatusCanceled = 0
	StatusActive   = 1
)

// Relation is one row of the following/follower tables.
type Relation struct {
	ID         int64
	FromUserID int64
	ToUserID   int64
	Status     int
	CreatedAt  int64 // unix millis
}

// OutboxRow is one row of the outbox table.
type OutboxRow struct {
	ID            int64
	AggregateType string
	AggregateID   string
	Type          string
	Payload       string
	CreatedAt     int64
}

// Post is the subset of know_post this service reads.
type Post struct {
	ID        string
	AuthorID  int64
	Published bool
	Deleted   bool
	CreatedAt int64
}

// Profile is the subset of the user table the relation read path's
// following/followers listings project alongside each relation row.
type Profile struct {
	UserID      int64
	DisplayName string
	AvatarURL   string
}

// Store is implemented by the pgx adapter in this package.
type Store interface {
	// InsertFollowWithOutbox inserts (or reactivates) a following row and
	// an outbox row in the same transaction, returning the relation id
	// and whether a row was actually affected (spec.md section 4.F).
	InsertFollowWithOutbox(ctx context.Context, fromUserID, toUserID int64, outboxPayload string) (relationID int64, affected bool, err error)

	// CancelFollowWithOutbox logically cancels an active following row
	// and writes the cancellation outbox row in the same transaction.
	CancelFollowWithOutbox(ctx context.Context, fromUserID, toUserID int64, outboxPayload string) (affected bool, err error)

	IsFollowing(ctx context.Context, fromUserID, toUserID int64) (bool, error)

	CountActiveFollowing(ctx context.Context, userID int64) (int64, error)
	CountActiveFollowers(ctx context.Context, userID int64) (int64, error)

	// FollowingPage / FollowersPage back the relation read path's DB
	// fallback (spec.md section 4.I): rows ordered by created_at desc,
	// at most limit rows, optionally constrained to created_at <= cursorMs.
	FollowingPage(ctx context.Context, userID int64, limit int, cursorMs *int64) ([]Relation, error)
	FollowersPage(ctx context.Context, userID int64, limit int, cursorMs *int64) ([]Relation, error)

	PublishedPostIDs(ctx context.Context, authorID int64) ([]string, error)
	// AllUserIDs and AllPostIDs back the nightly reconciliation job's full
	// walk over every known user and post (SPEC_FULL.md's reconciliation
	// component); unlike PublishedPostIDs, AllPostIDs is not scoped to an
	// author or to published/non-deleted rows, since a post can still
	// carry like/fav bitmap facts after it is unpublished or soft-deleted.
	AllUserIDs(ctx context.Context) ([]int64, error)
	AllPostIDs(ctx context.Context) ([]string, error)
	GetPost(ctx context.Context, id string) (Post, bool, error)
	GetPosts(ctx context.Context, ids []string) ([]Post, error)
	// GetProfiles batch-loads the display name/avatar projection for the
	// relation read path's following/followers listings.
	GetProfiles(ctx context.Context, userIDs []int64) ([]Profile, error)
	// PublishedPostsPage returns up to limit published, non-deleted posts
	// ordered by created_at desc, restricted to created_at strictly before
	// beforeCreatedAt (unix millis; nil means start at the top) — the feed
	// cache's DB origin load (spec.md section 4.J).
	PublishedPostsPage(ctx context.Context, limit int, beforeCreatedAt *int64) ([]Post, error)
	// PublishedPostsOffset is the page-number variant of the same
	// listing, used by the feed cache's origin load when it has to
	// satisfy an explicit page number rather than a cursor.
	PublishedPostsOffset(ctx context.Context, offset, limit int) ([]Post, error)

	// FetchOutboxUnacked / DeleteOutboxRows back a polling CDC source
	// when no true change-stream client is available (see DESIGN.md).
	FetchOutboxUnacked(ctx context.Context, limit int) ([]OutboxRow, error)
	DeleteOutboxRows(ctx context.Context, ids []int64) error

	Close()
}
