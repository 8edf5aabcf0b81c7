package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Fields is a partial record as carried by an update event. Values are kept
// raw so they can be merged into whichever payload the item holds.
type Fields map[string]json.RawMessage

// FieldsOf builds a Fields value from plain Go values
func FieldsOf(values map[string]any) (Fields, error) {
	fields := make(Fields, len(values))
	for key, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %s: %w", key, err)
		}
		fields[key] = raw
	}
	return fields, nil
}

// Merge shallow-merges fields into a copy of the item. Envelope keys
// (createdAt, userId) update the envelope, every other key is applied to the
// payload. The id never changes.
func (i Item) Merge(fields Fields) (Item, error) {
	merged := i.Clone()
	payloadFields := make(map[string]json.RawMessage, len(fields))

	for key, raw := range fields {
		switch key {
		case "id", "user", "kind":
			continue
		case "createdAt", "created_at":
			var createdAt time.Time
			if err := json.Unmarshal(raw, &createdAt); err != nil {
				return i, fmt.Errorf("failed to decode createdAt: %w", err)
			}
			merged.CreatedAt = createdAt
		case "userId":
			var authorId string
			if err := json.Unmarshal(raw, &authorId); err != nil {
				return i, fmt.Errorf("failed to decode userId: %w", err)
			}
			if authorId != merged.AuthorId {
				merged.AuthorId = authorId
				merged.Author = &Author{Id: authorId}
			}
		default:
			payloadFields[key] = raw
		}
	}

	if len(payloadFields) == 0 {
		return merged, nil
	}

	kind := merged.Kind()
	if kind == "" {
		return i, fmt.Errorf("%w: item %d has no payload", ErrUnknownKind, i.Id)
	}
	current, err := json.Marshal(merged.Payload())
	if err != nil {
		return i, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	base := map[string]json.RawMessage{}
	if err := json.Unmarshal(current, &base); err != nil {
		return i, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	for key, raw := range payloadFields {
		base[key] = raw
	}

	combined, err := json.Marshal(base)
	if err != nil {
		return i, fmt.Errorf("failed to encode merged payload: %w", err)
	}
	if err := merged.SetPayload(kind, combined); err != nil {
		return i, err
	}

	return merged, nil
}
