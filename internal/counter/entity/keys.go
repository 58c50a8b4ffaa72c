package entity

import "fmt"

func snapshotKey(etype, eid string) string {
	return fmt.Sprintf("cnt:v1:%s:%s", etype, eid)
}

func aggBucketKey(etype, eid string) string {
	return fmt.Sprintf("agg:entity:%s:%s", etype, eid)
}

func rateLimiterKey(etype, eid string) string {
	return fmt.Sprintf("rl:sds-rebuild:%s:%s", etype, eid)
}

func lockKey(etype, eid string) string {
	return fmt.Sprintf("lock:sds-rebuild:%s:%s", etype, eid)
}

func backoffExpKey(etype, eid string) string {
	return fmt.Sprintf("backoff:sds-rebuild:exp:%s:%s", etype, eid)
}

func backoffUntilKey(etype, eid string) string {
	return fmt.Sprintf("backoff:sds-rebuild:until:%s:%s", etype, eid)
}
