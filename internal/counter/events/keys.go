package events

import (
	"fmt"
	"strconv"
	"strings"
)

// aggBucketKey must match the format used by internal/counter/entity's
// rebuild path when it clears folded fields after a rebuild.
func aggBucketKey(etype, eid string) string {
	return fmt.Sprintf("agg:entity:%s:%s", etype, eid)
}

// aggIndexKey is the explicit index set of aggregation bucket keys
// currently holding at least one field, populated by the aggregation
// consumer and consulted by the flusher instead of a KEYS scan.
func aggIndexKey() string {
	return "agg:idx:entity"
}

const aggKeyPrefix = "agg:entity:"
const snapshotKeyPrefix = "cnt:v1:"

// counterKeyFromAggKey maps an aggregation bucket key back to the
// snapshot key it folds into, without needing the original (etype, eid)
// separately — the flusher only ever has the bucket key in hand.
func counterKeyFromAggKey(hashKey string) string {
	return snapshotKeyPrefix + strings.TrimPrefix(hashKey, aggKeyPrefix)
}

func parseIdx(field string) (int, bool) {
	n, err := strconv.Atoi(field)
	if err != nil {
		return 0, false
	}
	return n, true
}
