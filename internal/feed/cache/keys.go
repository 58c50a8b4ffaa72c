package cache

import (
	"fmt"
	"time"
)

const entityType = "knowpost"

func hourSlot(now time.Time) int64 { return now.Unix() / 3600 }

func idsListKey(slot int64, page, size int) string {
	return fmt.Sprintf("feed:ids:%d:%d:%d", slot, page, size)
}

func itemKey(id string) string  { return fmt.Sprintf("feed:item:%s", id) }
func countKey(id string) string { return fmt.Sprintf("feed:count:%s", id) }

func publicPageKey(page, size, layout int) string {
	return fmt.Sprintf("feed:public:%d:%d:v%d", size, page, layout)
}

func minePageKey(viewerID int64, page, size int) string {
	return fmt.Sprintf("feed:mine:%d:%d:%d", viewerID, page, size)
}

func indexKey(id string, slot int64) string {
	return fmt.Sprintf("feed:public:index:%s:%d", id, slot)
}

func mineIndexKey(id string, slot int64) string {
	return fmt.Sprintf("feed:mine:index:%s:%d", id, slot)
}

func detailKey(id string, layout int) string {
	return fmt.Sprintf("knowpost:detail:%s:v%d", id, layout)
}

func localPageCacheKey(page, size, layout int) string {
	return fmt.Sprintf("public:%d:%d:v%d", size, page, layout)
}

func localMineCacheKey(viewerID int64, page, size int) string {
	return fmt.Sprintf("mine:%d:%d:%d", viewerID, page, size)
}
