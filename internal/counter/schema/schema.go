// Package schema defines the packed-counter layouts shared by the entity
// counter (4.C) and the user counter (4.D). Both schemas use the same
// 1-based segment index end to end — the source's two codepaths used
// different (0-based vs 1-based) conventions; this implementation unifies
// on 1-based, per the Open Question decision recorded in SPEC_FULL.md
// (section 9, item 5).
package schema

const (
	// FieldSize is the width in bytes of one packed segment: a big-endian
	// unsigned 32-bit integer, saturating at 2^32-1.
	FieldSize = 4
	// Len is the number of segments in either schema.
	Len = 5
	// BlobSize is the total byte length of a packed-counter blob.
	BlobSize = Len * FieldSize
)

// Entity schema indices (1-based). Indices 3, 4 and 5 are reserved/unused.
const (
	EntityLike = 1
	EntityFav  = 2
)

// User schema indices (1-based).
const (
	UserFollowings    = 1
	UserFollowers     = 2
	UserPosts         = 3
	UserLikesReceived = 4
	UserFavsReceived  = 5
)

// Metric names as used on the wire (counter events, API parameters).
const (
	MetricLike = "like"
	MetricFav  = "fav"
)

// EntityIndexForMetric maps a metric name to its 1-based entity-schema
// segment index. ok is false for an unknown metric.
func EntityIndexForMetric(metric string) (idx int, ok bool) {
	switch metric {
	case MetricLike:
		return EntityLike, true
	case MetricFav:
		return EntityFav, true
	default:
		return 0, false
	}
}
