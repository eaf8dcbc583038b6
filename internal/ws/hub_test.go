package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-service/internal/protocol"
)

func newTestClient(buffer int) *Client {
	return NewClient(ConnInfo{}, nil, buffer)
}

func drain(c *Client) []protocol.Frame {
	var frames []protocol.Frame
	for {
		select {
		case raw := <-c.Outbox():
			var f protocol.Frame
			if err := json.Unmarshal(raw, &f); err == nil {
				frames = append(frames, f)
			}
		default:
			return frames
		}
	}
}

func TestRegisterFirstConnectionAndIdempotency(t *testing.T) {
	hub := NewHub()
	a, b := newTestClient(4), newTestClient(4)
	hub.Add(a)
	hub.Add(b)

	first, err := hub.Register(a, 7, true, protocol.VersionUnknown)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = hub.Register(a, 7, true, protocol.VersionUnknown)
	require.NoError(t, err)
	assert.False(t, first)

	first, err = hub.Register(b, 7, true, protocol.VersionCurrent)
	require.NoError(t, err)
	assert.False(t, first)

	assert.Len(t, hub.ConnectionsFor(7), 2)
	assert.Empty(t, hub.ConnectionsFor(8))

	_, err = hub.Register(a, 9, true, protocol.VersionUnknown)
	assert.ErrorIs(t, err, ErrClientBound)
}

func TestDeliverReachesEveryDeviceOnce(t *testing.T) {
	hub := NewHub()
	a, b := newTestClient(4), newTestClient(4)
	_, _ = hub.Register(a, 1, true, protocol.VersionCurrent)
	_, _ = hub.Register(b, 1, true, protocol.VersionCurrent)
	hub.Join(a, "group:1")

	targets := Union(hub.ConnectionsFor(1), hub.RoomMembers("group:1"))
	n := hub.Deliver(targets, protocol.EventNewMessage, map[string]int{"id": 42})

	assert.Equal(t, 2, n)
	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
}

func TestDeliverKindUsesProtocolNames(t *testing.T) {
	hub := NewHub()
	legacy, current, unknown := newTestClient(4), newTestClient(4), newTestClient(4)
	_, _ = hub.Register(legacy, 1, true, protocol.VersionLegacy)
	_, _ = hub.Register(current, 1, true, protocol.VersionCurrent)
	_, _ = hub.Register(unknown, 1, true, protocol.VersionUnknown)

	hub.DeliverKind(hub.ConnectionsFor(1), protocol.KindPrivateMessage, map[string]int{"id": 42})

	names := func(c *Client) []string {
		var out []string
		for _, f := range drain(c) {
			out = append(out, f.Event)
		}
		return out
	}
	assert.Equal(t, []string{protocol.EventPrivateMsg}, names(legacy))
	assert.Equal(t, []string{protocol.EventNewMessage}, names(current))
	assert.ElementsMatch(t, []string{protocol.EventPrivateMsg, protocol.EventNewMessage}, names(unknown))
}

func TestDeregisterRemovesFromEveryRoom(t *testing.T) {
	hub := NewHub()
	a, b := newTestClient(4), newTestClient(4)
	_, _ = hub.Register(a, 1, true, protocol.VersionUnknown)
	_, _ = hub.Register(b, 1, true, protocol.VersionUnknown)
	hub.Join(a, "group:1")
	hub.Join(a, "channel:3")
	hub.Join(b, "group:1")

	dep := hub.Deregister(a)
	assert.Equal(t, 1, dep.UserID)
	assert.False(t, dep.Last)
	assert.ElementsMatch(t, []string{"group:1", "channel:3"}, dep.Rooms)

	assert.Equal(t, 1, hub.SendToRoom("group:1", "", "ping", nil))
	assert.Equal(t, 0, hub.RoomSize("channel:3"))
	assert.Empty(t, drain(a))
	assert.False(t, hub.Join(a, "group:1"))

	dep = hub.Deregister(b)
	assert.True(t, dep.Last)
	assert.False(t, hub.IsOnline(1))
	assert.Equal(t, Stats{}, hub.Stats())
}

func TestFullBufferClosesClient(t *testing.T) {
	hub := NewHub()
	slow := newTestClient(1)
	_, _ = hub.Register(slow, 1, true, protocol.VersionUnknown)

	assert.True(t, slow.Send("ping", nil))
	assert.False(t, slow.Send("ping", nil))
	assert.True(t, slow.Closed())

	_, err := hub.Register(slow, 1, true, protocol.VersionUnknown)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestLeaveAllAndRoomUserIDs(t *testing.T) {
	hub := NewHub()
	a, b, c := newTestClient(4), newTestClient(4), newTestClient(4)
	_, _ = hub.Register(a, 1, true, protocol.VersionUnknown)
	_, _ = hub.Register(b, 1, true, protocol.VersionUnknown)
	_, _ = hub.Register(c, 2, true, protocol.VersionUnknown)
	for _, cl := range []*Client{a, b, c} {
		hub.Join(cl, "call:r1")
	}

	assert.ElementsMatch(t, []int{1, 2}, hub.RoomUserIDs("call:r1"))
	assert.Equal(t, 2, hub.SendToRoom("call:r1", a.ID(), "x", nil))

	hub.LeaveAll("call:r1")
	assert.Equal(t, 0, hub.RoomSize("call:r1"))
	assert.False(t, hub.InRoom(a, "call:r1"))
}

func TestBotRegistration(t *testing.T) {
	hub := NewHub()
	bot := newTestClient(4)
	hub.Add(bot)

	require.NoError(t, hub.RegisterBot(bot, 5))
	require.NoError(t, hub.RegisterBot(bot, 5))
	assert.Len(t, hub.BotConnections(5), 1)
	assert.True(t, bot.Authenticated())

	_, err := hub.Register(bot, 3, true, protocol.VersionUnknown)
	assert.ErrorIs(t, err, ErrClientBound)

	dep := hub.Deregister(bot)
	assert.Equal(t, 5, dep.BotID)
	assert.Empty(t, hub.BotConnections(5))
}
