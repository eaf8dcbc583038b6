// Package bridge carries relay events between processes over a publish/subscribe broker.
package bridge

import (
	"encoding/json"
	"fmt"

	"relay-service/internal/protocol"
)

// Broker topics.
const (
	TopicMessages    = "messages"
	TopicBotMessages = "bot_messages"
)

// Topics is every topic a relay node consumes.
var Topics = []string{TopicMessages, TopicBotMessages}

// Envelope is one cross-process event. At least one of TargetUserID,
// TargetRoom or BotID must be set.
type Envelope struct {
	Origin       string          `json:"origin,omitempty"`
	TargetUserID int             `json:"targetUserId,omitempty"`
	TargetRoom   string          `json:"target_room,omitempty"`
	BotID        int             `json:"bot_id,omitempty"`
	Event        string          `json:"event,omitempty"`
	MessageID    int             `json:"message_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// ParseEnvelope decodes payload received on topic and fills the default event name.
func ParseEnvelope(topic string, payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.TargetUserID <= 0 && env.TargetRoom == "" && env.BotID <= 0 {
		return Envelope{}, fmt.Errorf("envelope has no target")
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return Envelope{}, fmt.Errorf("envelope has no payload")
	}
	if env.Event == "" {
		switch topic {
		case TopicMessages:
			env.Event = string(protocol.KindPrivateMessage)
		case TopicBotMessages:
			env.Event = protocol.EventBotMessage
		default:
			return Envelope{}, fmt.Errorf("unknown topic %q", topic)
		}
	}
	return env, nil
}

// dedupeKey identifies re-deliveries of the same message event to the same target.
func (e Envelope) dedupeKey(topic string) string {
	if e.MessageID <= 0 {
		return ""
	}
	return fmt.Sprintf("%s:%s:%d:%d:%d:%s", topic, e.Event, e.MessageID, e.TargetUserID, e.BotID, e.TargetRoom)
}
