package realtime

import (
	"cookshare/models"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    models.ChangeEvent
		wantErr error
	}{
		{
			name:    "insert",
			message: `{"type":"INSERT","table":"posts","record":{"id":7,"createdAt":"2024-03-01T12:00:00Z","userId":"u1","post":{"body":"hello"}}}`,
			want: models.CreateItemEvent{Item: models.Item{
				Id:        7,
				CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
				AuthorId:  "u1",
				Post:      &models.Post{Body: "hello"},
			}},
		},
		{
			name:    "update",
			message: `{"type":"UPDATE","table":"posts","record":{"id":7,"body":"edited"}}`,
			want: models.UpdateItemEvent{Id: 7, Fields: models.Fields{
				"body": json.RawMessage(`"edited"`),
			}},
		},
		{
			name:    "delete",
			message: `{"type":"DELETE","table":"comments","old_record":{"id":3}}`,
			want:    models.DeleteItemEvent{Id: 3},
		},
		{
			name:    "insert of another kind",
			message: `{"type":"INSERT","table":"posts","record":{"id":7,"comment":{"postId":1,"text":"hi"}}}`,
			wantErr: ErrMalformedMessage,
		},
		{
			name:    "insert without id",
			message: `{"type":"INSERT","table":"posts","record":{"post":{"body":"hello"}}}`,
			wantErr: ErrMalformedMessage,
		},
		{
			name:    "update without id",
			message: `{"type":"UPDATE","table":"posts","record":{"body":"edited"}}`,
			wantErr: ErrMalformedMessage,
		},
		{
			name:    "delete without old record",
			message: `{"type":"DELETE","table":"posts"}`,
			wantErr: ErrMalformedMessage,
		},
		{
			name:    "unknown type",
			message: `{"type":"TRUNCATE","table":"posts"}`,
			wantErr: ErrMalformedMessage,
		},
		{
			name:    "unknown table",
			message: `{"type":"DELETE","table":"likes","old_record":{"id":3}}`,
			wantErr: models.ErrUnknownKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			require.NoError(t, json.Unmarshal([]byte(tt.message), &msg))

			event, err := Decode(&msg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, event)
		})
	}
}

func TestEncodeUpdateCarriesId(t *testing.T) {
	fields, err := models.FieldsOf(map[string]any{"body": "edited"})
	require.NoError(t, err)

	msg, err := Encode("posts", models.UpdateItemEvent{Id: 9, Fields: fields})
	require.NoError(t, err)
	assert.Equal(t, TypeUpdate, msg.Type)
	assert.JSONEq(t, `{"id":9,"body":"edited"}`, string(msg.Record))

	// The event's own fields are left alone
	assert.NotContains(t, fields, "id")
}

func TestProcessor(t *testing.T) {
	plain := []byte(`{"type":"DELETE","table":"posts","old_record":{"id":3}}`)

	t.Run("text frame", func(t *testing.T) {
		p, err := newProcessor("posts", false)
		require.NoError(t, err)
		defer p.close()

		event, err := p.process(&RawMessage{MessageType: websocket.TextMessage, Data: plain})
		require.NoError(t, err)
		assert.Equal(t, models.DeleteItemEvent{Id: 3}, event)
	})

	t.Run("compressed frame", func(t *testing.T) {
		encoder, err := zstd.NewWriter(nil)
		require.NoError(t, err)
		compressed := encoder.EncodeAll(plain, nil)

		p, err := newProcessor("posts", true)
		require.NoError(t, err)
		defer p.close()

		event, err := p.process(&RawMessage{MessageType: websocket.BinaryMessage, Data: compressed})
		require.NoError(t, err)
		assert.Equal(t, models.DeleteItemEvent{Id: 3}, event)
	})

	t.Run("other table", func(t *testing.T) {
		p, err := newProcessor("recipes", false)
		require.NoError(t, err)
		defer p.close()

		_, err = p.process(&RawMessage{MessageType: websocket.TextMessage, Data: plain})
		assert.ErrorIs(t, err, errOtherTable)
	})
}
