package models

// ChangeEvent is a notification from the backend's live change stream.
// Implemented by CreateItemEvent, UpdateItemEvent and DeleteItemEvent.
type ChangeEvent interface {
	ItemId() int64
	changeEvent()
}

// CreateItemEvent fired when a new item is inserted
type CreateItemEvent struct {
	Item Item
}

// UpdateItemEvent fired when an item is updated. Fields holds only the
// changed columns.
type UpdateItemEvent struct {
	Id     int64
	Fields Fields
}

// DeleteItemEvent fired when an item is deleted
type DeleteItemEvent struct {
	Id int64
}

func (e CreateItemEvent) ItemId() int64 { return e.Item.Id }
func (e UpdateItemEvent) ItemId() int64 { return e.Id }
func (e DeleteItemEvent) ItemId() int64 { return e.Id }

func (CreateItemEvent) changeEvent() {}
func (UpdateItemEvent) changeEvent() {}
func (DeleteItemEvent) changeEvent() {}

// EventName is used for logging and metric labels
func EventName(event ChangeEvent) string {
	switch event.(type) {
	case CreateItemEvent:
		return "insert"
	case UpdateItemEvent:
		return "update"
	case DeleteItemEvent:
		return "delete"
	}
	return "unknown"
}
