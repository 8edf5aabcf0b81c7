package realtime

import (
	"cookshare/models"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
)

var errOtherTable = errors.New("message for another table")

// processor turns raw websocket frames into change events for one resource
type processor struct {
	table   string
	decoder *zstd.Decoder
}

func newProcessor(table string, compress bool) (*processor, error) {
	p := &processor{table: table}

	if compress {
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		p.decoder = decoder
	}

	return p, nil
}

func (p *processor) process(msg *RawMessage) (models.ChangeEvent, error) {
	data := msg.Data

	// Compressed frames arrive as binary messages
	if msg.MessageType == websocket.BinaryMessage {
		if p.decoder == nil {
			return nil, fmt.Errorf("%w: binary frame without compression", ErrMalformedMessage)
		}
		decoded, err := p.decoder.DecodeAll(msg.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress message: %w", err)
		}
		data = decoded
	}

	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if message.Table != p.table {
		return nil, errOtherTable
	}

	return Decode(&message)
}

func (p *processor) close() {
	if p.decoder != nil {
		p.decoder.Close()
	}
}
