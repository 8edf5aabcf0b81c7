package feeds

import (
	"cookshare/models"

	log "github.com/sirupsen/logrus"
)

// outcome of applying one change event, used for metrics and to decide
// whether listeners need a new snapshot
type outcome string

const (
	outcomeApplied   outcome = "applied"
	outcomeDuplicate outcome = "duplicate"
	outcomeMissing   outcome = "missing"
	outcomeFailed    outcome = "failed"
)

// Apply returns the feed that results from applying event to items. The
// input slice is never modified. Inserting a known id, and updating or
// deleting an unknown id, return items unchanged.
func Apply(items []models.Item, event models.ChangeEvent) []models.Item {
	out, _ := apply(items, event)
	return out
}

func apply(items []models.Item, event models.ChangeEvent) ([]models.Item, outcome) {
	switch e := event.(type) {
	case models.CreateItemEvent:
		return insertItem(items, e.Item)
	case models.UpdateItemEvent:
		return updateItem(items, e.Id, e.Fields)
	case models.DeleteItemEvent:
		return deleteItem(items, e.Id)
	}
	return items, outcomeFailed
}

func insertItem(items []models.Item, item models.Item) ([]models.Item, outcome) {
	if indexOf(items, item.Id) >= 0 {
		return items, outcomeDuplicate
	}

	idx := insertionIndex(items, item)
	out := make([]models.Item, 0, len(items)+1)
	out = append(out, items[:idx]...)
	out = append(out, item)
	out = append(out, items[idx:]...)
	return out, outcomeApplied
}

func updateItem(items []models.Item, id int64, fields models.Fields) ([]models.Item, outcome) {
	idx := indexOf(items, id)
	if idx < 0 {
		return items, outcomeMissing
	}

	merged, err := items[idx].Merge(fields)
	if err != nil {
		log.WithFields(log.Fields{
			"id":    id,
			"error": err,
		}).Warn("Dropping update that could not be merged")
		return items, outcomeFailed
	}

	if merged.CreatedAt.Equal(items[idx].CreatedAt) {
		out := append([]models.Item(nil), items...)
		out[idx] = merged
		return out, outcomeApplied
	}

	// Ordering key changed, move the item to its new position
	rest, _ := deleteItem(items, id)
	out, _ := insertItem(rest, merged)
	return out, outcomeApplied
}

func deleteItem(items []models.Item, id int64) ([]models.Item, outcome) {
	idx := indexOf(items, id)
	if idx < 0 {
		return items, outcomeMissing
	}

	out := make([]models.Item, 0, len(items)-1)
	out = append(out, items[:idx]...)
	out = append(out, items[idx+1:]...)
	return out, outcomeApplied
}
