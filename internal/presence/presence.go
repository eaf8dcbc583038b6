// Package presence tracks which conversations each connection has open and
// derives seen state and unseen counters from it.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"relay-service/internal/apperr"
	"relay-service/internal/bridge"
	"relay-service/internal/models"
	"relay-service/internal/protocol"
	"relay-service/internal/repositories"
	"relay-service/internal/ws"
)

type target struct {
	id    int
	group bool
}

// Fanout carries seen receipts and counters to the user's connections on other nodes.
type Fanout interface {
	Publish(ctx context.Context, topic string, env bridge.Envelope)
}

type noopFanout struct{}

func (noopFanout) Publish(context.Context, string, bridge.Envelope) {}

// Manager owns open-chat markers per connection. A user has a chat open when
// any of their connections has it open. Markers are local to this node, so
// seen state for a delivery is settled by every node holding the recipient.
type Manager struct {
	hub      *ws.Hub
	messages repositories.MessageRepository
	fanout   Fanout

	mu   sync.Mutex
	open map[string]map[target]struct{}

	now func() time.Time
}

// NewManager builds a Manager. fanout may be nil on a single node.
func NewManager(hub *ws.Hub, messages repositories.MessageRepository, fanout Fanout) *Manager {
	if fanout == nil {
		fanout = noopFanout{}
	}
	return &Manager{
		hub:      hub,
		messages: messages,
		fanout:   fanout,
		open:     make(map[string]map[target]struct{}),
		now:      time.Now,
	}
}

// SeenState describes whether a message was seen and how long ago.
type SeenState struct {
	MessageID int        `json:"message_id"`
	Seen      bool       `json:"seen"`
	SeenAt    *time.Time `json:"seen_at,omitempty"`
	Label     string     `json:"label"`
}

// OpenChat marks targetID open on c. Repeated opens on the same connection do nothing.
// Opening a 1:1 chat marks the partner's messages seen, tells the partner, and
// refreshes the viewer's unseen counter.
func (m *Manager) OpenChat(ctx context.Context, c *ws.Client, targetID int, isGroup bool) error {
	t := target{id: targetID, group: isGroup}
	m.mu.Lock()
	set, ok := m.open[c.ID()]
	if !ok {
		set = make(map[target]struct{})
		m.open[c.ID()] = set
	}
	if _, already := set[t]; already {
		m.mu.Unlock()
		return nil
	}
	set[t] = struct{}{}
	m.mu.Unlock()

	if isGroup {
		return nil
	}

	viewerID := c.UserID()
	now := m.now()
	lastID, count, err := m.messages.MarkConversationSeen(ctx, viewerID, targetID, now)
	if err != nil {
		// Drop the marker so a retried open redoes the work.
		m.CloseChat(c, targetID, isGroup)
		return apperr.WithCause(apperr.ErrUnavailable, fmt.Errorf("mark conversation seen: %w", err))
	}
	if count > 0 {
		m.notify(ctx, targetID, protocol.EventLastSeen, protocol.LastSeen{
			MessageID: lastID,
			ViewerID:  viewerID,
			SeenAt:    &now,
			Label:     ElapsedLabel(0),
		})
	}
	if unseen, ok := m.unseenCount(ctx, viewerID); ok {
		m.notify(ctx, viewerID, protocol.EventMessagesCount, protocol.MessagesCount{Count: unseen})
	}
	return nil
}

// CloseChat removes the open marker for c. Nothing is broadcast.
func (m *Manager) CloseChat(c *ws.Client, targetID int, isGroup bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.open[c.ID()]
	if !ok {
		return
	}
	delete(set, target{id: targetID, group: isGroup})
	if len(set) == 0 {
		delete(m.open, c.ID())
	}
}

// IsOpen reports whether any live connection of userID has the chat open.
func (m *Manager) IsOpen(userID, targetID int, isGroup bool) bool {
	t := target{id: targetID, group: isGroup}
	conns := m.hub.ConnectionsFor(userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range conns {
		if _, ok := m.open[c.ID()][t]; ok {
			return true
		}
	}
	return false
}

// ForgetConnection drops every marker held by c.
func (m *Manager) ForgetConnection(c *ws.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, c.ID())
}

// OnDelivered settles seen state for a 1:1 message delivered to this node's
// connections of the recipient. If the recipient is looking at the conversation
// the message is marked seen and the sender is told on every node; otherwise
// the recipient's local connections get a fresh unseen counter. Nodes without
// a connection of the recipient leave the message to the node that has one.
func (m *Manager) OnDelivered(ctx context.Context, msg models.Message) bool {
	if msg.RecipientID == nil {
		return false
	}
	recipientID := *msg.RecipientID
	if !m.hub.IsOnline(recipientID) {
		return false
	}
	if !m.IsOpen(recipientID, msg.SenderID, false) {
		m.PushUnseenCount(ctx, recipientID)
		return false
	}

	now := m.now()
	if err := m.messages.MarkSeen(ctx, msg.ID, now); err != nil {
		log.Printf("mark seen failed message_id=%d: %v", msg.ID, err)
		return false
	}
	m.notify(ctx, msg.SenderID, protocol.EventLastSeen, protocol.LastSeen{
		MessageID: msg.ID,
		ViewerID:  recipientID,
		SeenAt:    &now,
		Label:     ElapsedLabel(0),
	})
	return true
}

// PushUnseenCount sends messages_count to this node's connections of userID.
func (m *Manager) PushUnseenCount(ctx context.Context, userID int) {
	if count, ok := m.unseenCount(ctx, userID); ok {
		m.hub.SendToUser(userID, protocol.EventMessagesCount, protocol.MessagesCount{Count: count})
	}
}

func (m *Manager) unseenCount(ctx context.Context, userID int) (int, bool) {
	count, err := m.messages.UnseenCount(ctx, userID)
	if err != nil {
		log.Printf("unseen count failed user_id=%d: %v", userID, err)
		return 0, false
	}
	return count, true
}

// notify delivers to userID here and publishes the same event for the other nodes.
func (m *Manager) notify(ctx context.Context, userID int, event string, data any) {
	m.hub.SendToUser(userID, event, data)
	body, err := json.Marshal(data)
	if err != nil {
		log.Printf("presence encode failed event=%s: %v", event, err)
		return
	}
	m.fanout.Publish(ctx, bridge.TopicMessages, bridge.Envelope{TargetUserID: userID, Event: event, Payload: body})
}

// ResolveSeenState loads a message and labels its seen state.
func (m *Manager) ResolveSeenState(ctx context.Context, messageID int) (SeenState, error) {
	msg, err := m.messages.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return SeenState{}, apperr.Wrap(apperr.ErrNotFound, "message %d not found", messageID)
		}
		return SeenState{}, apperr.WithCause(apperr.ErrUnavailable, err)
	}
	state := SeenState{MessageID: msg.ID, Seen: msg.Seen, SeenAt: msg.SeenAt}
	if msg.Seen && msg.SeenAt != nil {
		state.Label = ElapsedLabel(m.now().Sub(*msg.SeenAt))
	} else {
		state.Label = "unseen"
	}
	return state, nil
}

// JoinRooms adds c to rooms and returns how many it joined.
func (m *Manager) JoinRooms(c *ws.Client, rooms []string) int {
	joined := 0
	for _, room := range rooms {
		if m.hub.Join(c, room) {
			joined++
		}
	}
	return joined
}

func (m *Manager) LeaveRoom(c *ws.Client, room string) {
	m.hub.Leave(c, room)
}

// ElapsedLabel renders d the way clients show last-seen times.
func ElapsedLabel(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}
