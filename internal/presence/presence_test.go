package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"relay-service/internal/apperr"
	"relay-service/internal/bridge"
	"relay-service/internal/mocks"
	"relay-service/internal/models"
	"relay-service/internal/protocol"
	"relay-service/internal/repositories"
	"relay-service/internal/ws"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingFanout struct {
	sent []bridge.Envelope
}

func (r *recordingFanout) Publish(_ context.Context, _ string, env bridge.Envelope) {
	r.sent = append(r.sent, env)
}

func (r *recordingFanout) events() []string {
	out := make([]string, 0, len(r.sent))
	for _, env := range r.sent {
		out = append(out, fmt.Sprintf("%s->%d", env.Event, env.TargetUserID))
	}
	return out
}

type fixture struct {
	hub      *ws.Hub
	messages *mocks.MessageRepositoryMock
	fanout   *recordingFanout
	manager  *Manager
	seq      int
}

func newFixture() *fixture {
	hub := ws.NewHub()
	messages := new(mocks.MessageRepositoryMock)
	fanout := &recordingFanout{}
	m := NewManager(hub, messages, fanout)
	m.now = func() time.Time { return fixedNow }
	return &fixture{hub: hub, messages: messages, fanout: fanout, manager: m}
}

func (f *fixture) connect(t *testing.T, userID int) *ws.Client {
	t.Helper()
	f.seq++
	c := ws.NewClient(ws.ConnInfo{ConnID: fmt.Sprintf("conn-%d", f.seq)}, nil, 8)
	f.hub.Add(c)
	_, err := f.hub.Register(c, userID, true, protocol.VersionCurrent)
	require.NoError(t, err)
	return c
}

func events(c *ws.Client) []protocol.Frame {
	var out []protocol.Frame
	for {
		select {
		case raw := <-c.Outbox():
			var f protocol.Frame
			if err := json.Unmarshal(raw, &f); err == nil {
				out = append(out, f)
			}
		default:
			return out
		}
	}
}

func TestOpenChatBroadcastsSeenOnce(t *testing.T) {
	f := newFixture()
	viewer := f.connect(t, 1)
	partner := f.connect(t, 2)
	f.messages.On("MarkConversationSeen", mock.Anything, 1, 2, fixedNow).Return(42, 3, nil).Once()
	f.messages.On("UnseenCount", mock.Anything, 1).Return(0, nil).Once()

	require.NoError(t, f.manager.OpenChat(context.Background(), viewer, 2, false))
	require.NoError(t, f.manager.OpenChat(context.Background(), viewer, 2, false))

	pf := events(partner)
	require.Len(t, pf, 1)
	assert.Equal(t, protocol.EventLastSeen, pf[0].Event)
	var seen protocol.LastSeen
	require.NoError(t, json.Unmarshal(pf[0].Data, &seen))
	assert.Equal(t, 42, seen.MessageID)
	assert.Equal(t, 1, seen.ViewerID)

	vf := events(viewer)
	require.Len(t, vf, 1)
	assert.Equal(t, protocol.EventMessagesCount, vf[0].Event)
	assert.Equal(t, []string{"lastseen->2", "messages_count->1"}, f.fanout.events())
	f.messages.AssertExpectations(t)
}

func TestOpenChatWithNothingUnseenSkipsLastSeen(t *testing.T) {
	f := newFixture()
	viewer := f.connect(t, 1)
	partner := f.connect(t, 2)
	f.messages.On("MarkConversationSeen", mock.Anything, 1, 2, fixedNow).Return(0, 0, nil)
	f.messages.On("UnseenCount", mock.Anything, 1).Return(5, nil)

	require.NoError(t, f.manager.OpenChat(context.Background(), viewer, 2, false))

	assert.Empty(t, events(partner))
	vf := events(viewer)
	require.Len(t, vf, 1)
	assert.JSONEq(t, `{"count":5}`, string(vf[0].Data))
}

func TestOpenChatStoreFailureIsUnavailable(t *testing.T) {
	f := newFixture()
	viewer := f.connect(t, 1)
	f.messages.On("MarkConversationSeen", mock.Anything, 1, 2, fixedNow).Return(0, 0, errors.New("db down"))

	err := f.manager.OpenChat(context.Background(), viewer, 2, false)

	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.False(t, f.manager.IsOpen(1, 2, false))
}

func TestOpenChatRetryAfterStoreFailure(t *testing.T) {
	f := newFixture()
	viewer := f.connect(t, 1)
	partner := f.connect(t, 2)
	f.messages.On("MarkConversationSeen", mock.Anything, 1, 2, fixedNow).Return(0, 0, errors.New("db down")).Once()
	f.messages.On("MarkConversationSeen", mock.Anything, 1, 2, fixedNow).Return(42, 1, nil).Once()
	f.messages.On("UnseenCount", mock.Anything, 1).Return(0, nil).Once()

	require.Error(t, f.manager.OpenChat(context.Background(), viewer, 2, false))
	require.NoError(t, f.manager.OpenChat(context.Background(), viewer, 2, false))

	pf := events(partner)
	require.Len(t, pf, 1)
	assert.Equal(t, protocol.EventLastSeen, pf[0].Event)
	assert.True(t, f.manager.IsOpen(1, 2, false))
	f.messages.AssertExpectations(t)
}

func TestIsOpenUsesAnyDevice(t *testing.T) {
	f := newFixture()
	phone := f.connect(t, 1)
	laptop := f.connect(t, 1)
	require.NoError(t, f.manager.OpenChat(context.Background(), phone, 9, true))

	assert.True(t, f.manager.IsOpen(1, 9, true))
	assert.False(t, f.manager.IsOpen(1, 9, false))

	f.manager.CloseChat(laptop, 9, true)
	assert.True(t, f.manager.IsOpen(1, 9, true))

	f.manager.CloseChat(phone, 9, true)
	assert.False(t, f.manager.IsOpen(1, 9, true))
}

func TestForgetConnectionClearsMarkers(t *testing.T) {
	f := newFixture()
	c := f.connect(t, 1)
	require.NoError(t, f.manager.OpenChat(context.Background(), c, 9, true))

	f.manager.ForgetConnection(c)

	assert.False(t, f.manager.IsOpen(1, 9, true))
}

func TestOnDeliveredMarksSeenWhenOpen(t *testing.T) {
	f := newFixture()
	recipient := f.connect(t, 2)
	sender := f.connect(t, 1)
	f.messages.On("MarkConversationSeen", mock.Anything, 2, 1, fixedNow).Return(0, 0, nil)
	f.messages.On("UnseenCount", mock.Anything, 2).Return(0, nil)
	require.NoError(t, f.manager.OpenChat(context.Background(), recipient, 1, false))
	events(recipient)

	to := 2
	f.messages.On("MarkSeen", mock.Anything, 42, fixedNow).Return(nil).Once()
	seen := f.manager.OnDelivered(context.Background(), models.Message{ID: 42, SenderID: 1, RecipientID: &to})

	assert.True(t, seen)
	sf := events(sender)
	require.Len(t, sf, 1)
	assert.Equal(t, protocol.EventLastSeen, sf[0].Event)
	assert.Contains(t, string(sf[0].Data), `"message_id":42`)
	require.NotEmpty(t, f.fanout.sent)
	last := f.fanout.sent[len(f.fanout.sent)-1]
	assert.Equal(t, protocol.EventLastSeen, last.Event)
	assert.Equal(t, 1, last.TargetUserID)
	f.messages.AssertExpectations(t)
}

func TestOnDeliveredLeavesRemoteRecipientsToTheirNode(t *testing.T) {
	f := newFixture()
	sender := f.connect(t, 1)

	to := 2
	seen := f.manager.OnDelivered(context.Background(), models.Message{ID: 42, SenderID: 1, RecipientID: &to})

	assert.False(t, seen)
	assert.Empty(t, events(sender))
	assert.Empty(t, f.fanout.sent)
	f.messages.AssertNotCalled(t, "UnseenCount", mock.Anything, mock.Anything)
	f.messages.AssertNotCalled(t, "MarkSeen", mock.Anything, mock.Anything, mock.Anything)
}

func TestOnDeliveredRefreshesCounterWhenClosed(t *testing.T) {
	f := newFixture()
	recipient := f.connect(t, 2)
	sender := f.connect(t, 1)
	f.messages.On("UnseenCount", mock.Anything, 2).Return(4, nil).Once()

	to := 2
	seen := f.manager.OnDelivered(context.Background(), models.Message{ID: 42, SenderID: 1, RecipientID: &to})

	assert.False(t, seen)
	assert.Empty(t, events(sender))
	rf := events(recipient)
	require.Len(t, rf, 1)
	assert.JSONEq(t, `{"count":4}`, string(rf[0].Data))
	f.messages.AssertNotCalled(t, "MarkSeen", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolveSeenState(t *testing.T) {
	f := newFixture()
	seenAt := fixedNow.Add(-3 * time.Hour)
	f.messages.On("GetMessage", mock.Anything, 1).Return(models.Message{ID: 1, Seen: true, SeenAt: &seenAt}, nil)
	f.messages.On("GetMessage", mock.Anything, 2).Return(models.Message{ID: 2}, nil)
	f.messages.On("GetMessage", mock.Anything, 3).Return(models.Message{}, repositories.ErrMessageNotFound)

	state, err := f.manager.ResolveSeenState(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, state.Seen)
	assert.Equal(t, "3h ago", state.Label)

	state, err = f.manager.ResolveSeenState(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, state.Seen)
	assert.Equal(t, "unseen", state.Label)

	_, err = f.manager.ResolveSeenState(context.Background(), 3)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestJoinRoomsAndLeave(t *testing.T) {
	f := newFixture()
	c := f.connect(t, 1)

	assert.Equal(t, 2, f.manager.JoinRooms(c, []string{models.GroupRoom(1), models.ChannelRoom(2)}))
	f.manager.LeaveRoom(c, models.GroupRoom(1))

	assert.False(t, f.hub.InRoom(c, models.GroupRoom(1)))
	assert.True(t, f.hub.InRoom(c, models.ChannelRoom(2)))
}

func TestElapsedLabel(t *testing.T) {
	cases := map[time.Duration]string{
		10 * time.Second: "just now",
		5 * time.Minute:  "5m ago",
		2 * time.Hour:    "2h ago",
		72 * time.Hour:   "3d ago",
	}
	for d, want := range cases {
		assert.Equal(t, want, ElapsedLabel(d))
	}
}
