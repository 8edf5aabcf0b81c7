package realtime

import (
	"cookshare/models"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	TypeInsert = "INSERT"
	TypeUpdate = "UPDATE"
	TypeDelete = "DELETE"
)

var ErrMalformedMessage = errors.New("malformed change message")

// Message is the wire format of one change on the realtime channel.
//
// INSERT carries the full item in Record, UPDATE carries the id and the
// changed payload fields in Record, DELETE carries only OldRecord.
type Message struct {
	Type            string          `json:"type"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       *OldRecord      `json:"old_record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

type OldRecord struct {
	Id int64 `json:"id"`
}

// RawMessage represents an unparsed message from the websocket
type RawMessage struct {
	MessageType int    // websocket.TextMessage or websocket.BinaryMessage
	Data        []byte // Raw message data
}

// Encode converts a change event on resource into its wire message
func Encode(resource string, event models.ChangeEvent) (*Message, error) {
	msg := &Message{
		Table:           resource,
		CommitTimestamp: time.Now().UTC(),
	}

	switch e := event.(type) {
	case models.CreateItemEvent:
		record, err := json.Marshal(e.Item)
		if err != nil {
			return nil, fmt.Errorf("failed to encode item %d: %w", e.Item.Id, err)
		}
		msg.Type = TypeInsert
		msg.Record = record

	case models.UpdateItemEvent:
		fields := make(models.Fields, len(e.Fields)+1)
		for key, value := range e.Fields {
			fields[key] = value
		}
		id, err := json.Marshal(e.Id)
		if err != nil {
			return nil, err
		}
		fields["id"] = id

		record, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to encode fields of item %d: %w", e.Id, err)
		}
		msg.Type = TypeUpdate
		msg.Record = record

	case models.DeleteItemEvent:
		msg.Type = TypeDelete
		msg.OldRecord = &OldRecord{Id: e.Id}

	default:
		return nil, fmt.Errorf("unsupported change event %T", event)
	}

	return msg, nil
}

// Decode converts a wire message into a change event
func Decode(msg *Message) (models.ChangeEvent, error) {
	kind, err := models.KindForResource(msg.Table)
	if err != nil {
		return nil, err
	}

	switch msg.Type {
	case TypeInsert:
		var item models.Item
		if err := json.Unmarshal(msg.Record, &item); err != nil {
			return nil, fmt.Errorf("%w: insert record: %v", ErrMalformedMessage, err)
		}
		if item.Id == 0 {
			return nil, fmt.Errorf("%w: insert without id", ErrMalformedMessage)
		}
		if item.Kind() != kind {
			return nil, fmt.Errorf("%w: %s item on %s channel", ErrMalformedMessage, item.Kind(), msg.Table)
		}
		return models.CreateItemEvent{Item: item}, nil

	case TypeUpdate:
		var fields models.Fields
		if err := json.Unmarshal(msg.Record, &fields); err != nil {
			return nil, fmt.Errorf("%w: update record: %v", ErrMalformedMessage, err)
		}
		var id int64
		raw, ok := fields["id"]
		if !ok {
			return nil, fmt.Errorf("%w: update without id", ErrMalformedMessage)
		}
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("%w: update id: %v", ErrMalformedMessage, err)
		}
		delete(fields, "id")
		return models.UpdateItemEvent{Id: id, Fields: fields}, nil

	case TypeDelete:
		if msg.OldRecord == nil || msg.OldRecord.Id == 0 {
			return nil, fmt.Errorf("%w: delete without old record", ErrMalformedMessage)
		}
		return models.DeleteItemEvent{Id: msg.OldRecord.Id}, nil
	}

	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
}
