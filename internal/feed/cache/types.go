package cache

import "time"

// nullSentinel marks a cache fragment for an id that does not exist or
// has been soft-deleted, so repeated lookups don't keep falling through
// to the DB for a row that is never coming back.
const nullSentinel = "NULL"

// FeedItem is one entry in an assembled feed page. Liked/Faved are nil
// until a caller overlays per-viewer flags; caches never store another
// viewer's flags.
type FeedItem struct {
	ID        string `json:"id"`
	AuthorID  int64  `json:"author_id"`
	CreatedAt int64  `json:"created_at"`
	LikeCount uint32 `json:"like_count"`
	FavCount  uint32 `json:"fav_count"`
	Liked     *bool  `json:"liked,omitempty"`
	Faved     *bool  `json:"faved,omitempty"`
}

// Page is the result of a feed listing.
type Page struct {
	Items   []FeedItem `json:"items"`
	HasMore bool       `json:"has_more"`
}

type idsListFragment struct {
	IDs     []string `json:"ids"`
	HasMore bool     `json:"has_more"`
}

type countFragment struct {
	Like uint32 `json:"like"`
	Fav  uint32 `json:"fav"`
}

type localEntry struct {
	page      Page
	expiresAt time.Time
}
