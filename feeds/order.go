package feeds

import (
	"cookshare/models"
	"sort"

	"github.com/samber/lo"
)

// Less orders items newest first, ties broken by the larger id
func Less(a, b models.Item) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Id > b.Id
}

// IsOrdered reports whether items satisfy the feed ordering and hold no
// duplicate ids
func IsOrdered(items []models.Item) bool {
	seen := make(map[int64]struct{}, len(items))
	for i, item := range items {
		if _, dup := seen[item.Id]; dup {
			return false
		}
		seen[item.Id] = struct{}{}
		if i > 0 && !Less(items[i-1], item) {
			return false
		}
	}
	return true
}

// Normalize returns a sorted copy of items with duplicate ids removed. The
// first occurrence of an id wins.
func Normalize(items []models.Item) []models.Item {
	out := lo.UniqBy(items, func(item models.Item) int64 {
		return item.Id
	})
	sort.SliceStable(out, func(i, j int) bool {
		return Less(out[i], out[j])
	})
	return out
}

// insertionIndex finds where item belongs in an ordered slice
func insertionIndex(items []models.Item, item models.Item) int {
	return sort.Search(len(items), func(i int) bool {
		return !Less(items[i], item)
	})
}

func indexOf(items []models.Item, id int64) int {
	_, idx, ok := lo.FindIndexOf(items, func(item models.Item) bool {
		return item.Id == id
	})
	if !ok {
		return -1
	}
	return idx
}
