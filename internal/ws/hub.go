package ws

import (
	"errors"
	"log"
	"sync"

	"relay-service/internal/protocol"
)

var (
	ErrClientClosed = errors.New("connection is closed")
	ErrClientBound  = errors.New("connection is bound to another identity")
)

// Hub is the process-wide registry of live connections, their owners and room memberships.
// Every mutation happens under one lock so a connection is never visible to fan-out
// before its identity is set, and never reachable after Deregister.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	users   map[int]map[string]*Client
	bots    map[int]map[string]*Client
	rooms   map[string]map[string]*Client
	joined  map[string]map[string]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		users:   make(map[int]map[string]*Client),
		bots:    make(map[int]map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Departure describes what a Deregister removed.
type Departure struct {
	UserID int
	BotID  int
	// Last is set when the user has no connections left on this node.
	Last  bool
	Rooms []string
}

// Add tracks a connection that has not authenticated yet.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.Closed() {
		return
	}
	h.clients[c.ID()] = c
}

// Register binds c to userID. It reports whether this is the user's first connection.
// Registering the same connection twice has no further effect.
func (h *Hub) Register(c *Client, userID int, visible bool, version protocol.Version) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.Closed() {
		return false, ErrClientClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == userID {
		return false, nil
	}
	if c.userID != 0 || c.botID != 0 {
		return false, ErrClientBound
	}
	c.userID = userID
	c.visible = visible
	c.protocol = version

	set, ok := h.users[userID]
	if !ok {
		set = make(map[string]*Client)
		h.users[userID] = set
	}
	first := len(set) == 0
	set[c.ID()] = c
	h.clients[c.ID()] = c
	return first, nil
}

// RegisterBot binds c to botID.
func (h *Hub) RegisterBot(c *Client, botID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.Closed() {
		return ErrClientClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.botID == botID {
		return nil
	}
	if c.userID != 0 || c.botID != 0 {
		return ErrClientBound
	}
	c.botID = botID

	set, ok := h.bots[botID]
	if !ok {
		set = make(map[string]*Client)
		h.bots[botID] = set
	}
	set[c.ID()] = c
	h.clients[c.ID()] = c
	return nil
}

// Deregister closes c for delivery and removes it from its owner and from every room.
func (h *Hub) Deregister(c *Client) Departure {
	c.Close()

	h.mu.Lock()
	defer h.mu.Unlock()

	dep := Departure{UserID: c.UserID(), BotID: c.BotID()}
	delete(h.clients, c.ID())

	if dep.UserID != 0 {
		if set, ok := h.users[dep.UserID]; ok {
			if _, present := set[c.ID()]; present {
				delete(set, c.ID())
				if len(set) == 0 {
					delete(h.users, dep.UserID)
					dep.Last = true
				}
			}
		}
	}
	if dep.BotID != 0 {
		if set, ok := h.bots[dep.BotID]; ok {
			delete(set, c.ID())
			if len(set) == 0 {
				delete(h.bots, dep.BotID)
			}
		}
	}
	for room := range h.joined[c.ID()] {
		dep.Rooms = append(dep.Rooms, room)
		h.removeFromRoomLocked(room, c.ID())
	}
	delete(h.joined, c.ID())
	return dep
}

// ConnectionsFor returns the user's live connections. Offline users yield an empty slice.
func (h *Hub) ConnectionsFor(userID int) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return collect(h.users[userID])
}

// BotConnections returns the bot's live connections.
func (h *Hub) BotConnections(botID int) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return collect(h.bots[botID])
}

func (h *Hub) IsOnline(userID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// Join adds c to room. Connections that are unknown or closed are ignored.
func (h *Hub) Join(c *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.Closed() {
		return false
	}
	if _, ok := h.clients[c.ID()]; !ok {
		return false
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[c.ID()] = c
	rooms, ok := h.joined[c.ID()]
	if !ok {
		rooms = make(map[string]struct{})
		h.joined[c.ID()] = rooms
	}
	rooms[room] = struct{}{}
	return true
}

// Leave removes c from room.
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoomLocked(room, c.ID())
	if rooms, ok := h.joined[c.ID()]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(h.joined, c.ID())
		}
	}
}

// LeaveAll empties room.
func (h *Hub) LeaveAll(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.rooms[room] {
		if rooms, ok := h.joined[id]; ok {
			delete(rooms, room)
			if len(rooms) == 0 {
				delete(h.joined, id)
			}
		}
	}
	delete(h.rooms, room)
}

func (h *Hub) removeFromRoomLocked(room, connID string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) InRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c.ID()]
	return ok
}

func (h *Hub) RoomMembers(room string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return collect(h.rooms[room])
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// RoomUserIDs lists the distinct users with at least one connection in room.
func (h *Hub) RoomUserIDs(room string) []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[int]struct{})
	var ids []int
	for _, c := range h.rooms[room] {
		uid := c.UserID()
		if _, dup := seen[uid]; dup || uid == 0 {
			continue
		}
		seen[uid] = struct{}{}
		ids = append(ids, uid)
	}
	return ids
}

// Deliver pushes one event to every target once, however often it appears in targets.
func (h *Hub) Deliver(targets []*Client, event string, data any) int {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		log.Printf("ws encode failed event=%s: %v", event, err)
		return 0
	}
	delivered := 0
	seen := make(map[string]struct{}, len(targets))
	for _, c := range targets {
		if _, dup := seen[c.ID()]; dup {
			continue
		}
		seen[c.ID()] = struct{}{}
		if c.Push(frame) {
			delivered++
		}
	}
	return delivered
}

// DeliverKind pushes a logical event under the names each target's protocol version expects.
func (h *Hub) DeliverKind(targets []*Client, kind protocol.Kind, data any) int {
	frames := make(map[string][]byte)
	delivered := 0
	seen := make(map[string]struct{}, len(targets))
	for _, c := range targets {
		if _, dup := seen[c.ID()]; dup {
			continue
		}
		seen[c.ID()] = struct{}{}
		ok := false
		for _, name := range protocol.Names(kind, c.Protocol()) {
			frame, cached := frames[name]
			if !cached {
				var err error
				frame, err = protocol.Encode(name, data)
				if err != nil {
					log.Printf("ws encode failed event=%s: %v", name, err)
					return delivered
				}
				frames[name] = frame
			}
			if c.Push(frame) {
				ok = true
			}
		}
		if ok {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) SendToUser(userID int, event string, data any) int {
	return h.Deliver(h.ConnectionsFor(userID), event, data)
}

// SendToUserExcept skips the connection with exceptConnID, used for multi-device sync.
func (h *Hub) SendToUserExcept(userID int, exceptConnID string, event string, data any) int {
	return h.Deliver(without(h.ConnectionsFor(userID), exceptConnID), event, data)
}

func (h *Hub) SendToBot(botID int, event string, data any) int {
	return h.Deliver(h.BotConnections(botID), event, data)
}

// SendToRoom broadcasts to room, skipping exceptConnID when set.
func (h *Hub) SendToRoom(room string, exceptConnID string, event string, data any) int {
	return h.Deliver(without(h.RoomMembers(room), exceptConnID), event, data)
}

// Stats is a snapshot of hub sizes.
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Bots        int `json:"bots"`
	Rooms       int `json:"rooms"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Connections: len(h.clients), Users: len(h.users), Bots: len(h.bots), Rooms: len(h.rooms)}
}

// Union concatenates target sets; Deliver removes duplicates.
func Union(sets ...[]*Client) []*Client {
	var out []*Client
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

func collect(set map[string]*Client) []*Client {
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func without(clients []*Client, connID string) []*Client {
	if connID == "" {
		return clients
	}
	out := clients[:0]
	for _, c := range clients {
		if c.ID() != connID {
			out = append(out, c)
		}
	}
	return out
}
