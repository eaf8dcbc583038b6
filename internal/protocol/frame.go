package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"

	"relay-service/internal/apperr"
)

// Frame is one text message on a relay connection.
// Inbound frames carrying an id expect exactly one ack frame echoing that id.
type Frame struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apperr.Error   `json:"error,omitempty"`
}

// HasID reports whether the sender asked for an acknowledgment.
func (f Frame) HasID() bool {
	id := bytes.TrimSpace(f.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// ParseFrame decodes a raw inbound message.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, apperr.Wrap(apperr.ErrValidation, "malformed frame: %v", err)
	}
	if f.Event == "" {
		return Frame{}, apperr.Wrap(apperr.ErrValidation, "frame has no event")
	}
	return f, nil
}

// Encode builds an outbound event frame.
func Encode(event string, data any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: body})
}

// EncodeAck builds a success acknowledgment for the inbound frame id.
func EncodeAck(id json.RawMessage, data any) []byte {
	if data == nil {
		data = map[string]string{"status": "ok"}
	}
	body, err := json.Marshal(data)
	if err != nil {
		log.Printf("ack encode failed: %v", err)
		return EncodeError(id, apperr.ErrInternal)
	}
	out, _ := json.Marshal(Frame{Event: EventAck, ID: id, Data: body})
	return out
}

// EncodeError builds a failed acknowledgment. Causes of structured errors are never serialized.
func EncodeError(id json.RawMessage, err error) []byte {
	out, _ := json.Marshal(Frame{Event: EventAck, ID: id, Error: apperr.From(err)})
	return out
}
