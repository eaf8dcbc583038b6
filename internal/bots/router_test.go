package bots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

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

type captured struct {
	topic string
	env   bridge.Envelope
}

type recordingFanout struct {
	sent []captured
}

func (r *recordingFanout) Publish(_ context.Context, topic string, env bridge.Envelope) {
	r.sent = append(r.sent, captured{topic: topic, env: env})
}

type fixture struct {
	hub    *ws.Hub
	bots   *mocks.BotRepositoryMock
	polls  *mocks.PollRepositoryMock
	fanout *recordingFanout
	router *Router
	seq    int
}

func newFixture() *fixture {
	f := &fixture{
		hub:    ws.NewHub(),
		bots:   new(mocks.BotRepositoryMock),
		polls:  new(mocks.PollRepositoryMock),
		fanout: &recordingFanout{},
	}
	f.router = NewRouter(f.hub, f.bots, f.polls, f.fanout, nil)
	return f
}

func (f *fixture) conn() *ws.Client {
	f.seq++
	c := ws.NewClient(ws.ConnInfo{ConnID: fmt.Sprintf("c%d", f.seq)}, nil, 16)
	f.hub.Add(c)
	return c
}

func (f *fixture) user(t *testing.T, userID int) *ws.Client {
	t.Helper()
	c := f.conn()
	_, err := f.hub.Register(c, userID, true, protocol.VersionCurrent)
	require.NoError(t, err)
	return c
}

func (f *fixture) bot(t *testing.T, botID int) *ws.Client {
	t.Helper()
	c := f.conn()
	require.NoError(t, f.hub.RegisterBot(c, botID))
	return c
}

func frames(c *ws.Client) []protocol.Frame {
	var out []protocol.Frame
	for {
		select {
		case raw := <-c.Outbox():
			var fr protocol.Frame
			if err := json.Unmarshal(raw, &fr); err == nil {
				out = append(out, fr)
			}
		default:
			return out
		}
	}
}

var activeBot = models.Bot{ID: 3, OwnerID: 1, Username: "weather_bot", Active: true}

func TestAuthenticateBot(t *testing.T) {
	f := newFixture()
	f.bots.On("GetBotByToken", mock.Anything, "tok").Return(activeBot, nil)
	f.bots.On("GetBotByToken", mock.Anything, "gone").Return(models.Bot{}, repositories.ErrBotNotFound)
	f.bots.On("GetBotByToken", mock.Anything, "off").Return(models.Bot{ID: 4, Username: "off_bot"}, nil)
	f.bots.On("CountPending", mock.Anything, 3).Return(2, nil)

	c := f.conn()
	res, err := f.router.AuthenticateBot(context.Background(), c, "tok")
	require.NoError(t, err)
	assert.Equal(t, protocol.BotAuthResult{BotID: 3, Username: "weather_bot", Pending: 2}, res)
	assert.Equal(t, 3, c.BotID())

	_, err = f.router.AuthenticateBot(context.Background(), f.conn(), "gone")
	assert.ErrorIs(t, err, apperr.ErrInvalidCredential)
	_, err = f.router.AuthenticateBot(context.Background(), f.conn(), "off")
	assert.ErrorIs(t, err, apperr.ErrBotInactive)
	_, err = f.router.AuthenticateBot(context.Background(), f.conn(), "  ")
	assert.ErrorIs(t, err, apperr.ErrInvalidCredential)
}

func TestSubscribeTwiceIsAlreadySubscribed(t *testing.T) {
	f := newFixture()
	f.bots.On("GetBot", mock.Anything, 3).Return(activeBot, nil)
	c := f.user(t, 1)

	require.NoError(t, f.router.Subscribe(context.Background(), c, 3))
	err := f.router.Subscribe(context.Background(), c, 3)
	assert.ErrorIs(t, err, apperr.ErrAlreadySubscribed)

	f.router.Unsubscribe(c, 3)
	assert.False(t, f.hub.InRoom(c, models.BotRoom(1, 3)))
}

func TestUserToOfflineBotIsQueued(t *testing.T) {
	f := newFixture()
	f.bots.On("GetBot", mock.Anything, 3).Return(activeBot, nil)
	f.bots.On("CreateBotMessage", mock.Anything, mock.MatchedBy(func(m models.BotMessage) bool {
		return m.BotID == 3 && m.UserID == 1 && m.Direction == models.BotInbound && m.Kind == models.BotKindCommand && !m.Processed
	})).Return(models.BotMessage{ID: 11, BotID: 3, UserID: 1, Direction: models.BotInbound, Kind: models.BotKindCommand, Text: "/start"}, nil)
	f.bots.On("IncrementUsage", mock.Anything, 3).Return(nil)
	sender := f.user(t, 1)

	msg, err := f.router.RouteUserToBot(context.Background(), 1, protocol.UserToBot{BotID: 3, Text: "/start"})

	require.NoError(t, err)
	assert.False(t, msg.Processed)
	assert.Empty(t, frames(sender))
	f.bots.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything)
	require.Len(t, f.fanout.sent, 1)
	assert.Equal(t, bridge.TopicBotMessages, f.fanout.sent[0].topic)
	assert.Equal(t, 3, f.fanout.sent[0].env.BotID)

	// The bot connects later and polls.
	f.bots.On("PendingUpdates", mock.Anything, 3, defaultUpdatesLimit).Return([]models.BotMessage{msg}, nil)
	f.bots.On("MarkProcessed", mock.Anything, []int{11}).Return(nil)
	updates, err := f.router.PendingUpdates(context.Background(), 3, 0)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, 11, updates[0].ID)
	assert.True(t, updates[0].Processed)
}

func TestUserToConnectedBotIsPushed(t *testing.T) {
	f := newFixture()
	f.bots.On("GetBot", mock.Anything, 3).Return(activeBot, nil)
	f.bots.On("CreateBotMessage", mock.Anything, mock.Anything).Return(models.BotMessage{ID: 12, BotID: 3, UserID: 1, Text: "hi"}, nil)
	f.bots.On("IncrementUsage", mock.Anything, 3).Return(nil)
	f.bots.On("MarkProcessed", mock.Anything, []int{12}).Return(nil).Once()
	botConn := f.bot(t, 3)

	msg, err := f.router.RouteUserToBot(context.Background(), 1, protocol.UserToBot{BotID: 3, Text: "hi"})

	require.NoError(t, err)
	assert.True(t, msg.Processed)
	fs := frames(botConn)
	require.Len(t, fs, 1)
	assert.Equal(t, protocol.EventBotUpdate, fs[0].Event)
	assert.Empty(t, f.fanout.sent)
	f.bots.AssertExpectations(t)
}

func TestUserToInactiveBot(t *testing.T) {
	f := newFixture()
	f.bots.On("GetBot", mock.Anything, 4).Return(models.Bot{ID: 4, Username: "off_bot"}, nil)
	f.bots.On("GetBot", mock.Anything, 5).Return(models.Bot{}, repositories.ErrBotNotFound)

	_, err := f.router.RouteUserToBot(context.Background(), 1, protocol.UserToBot{BotID: 4, Text: "hi"})
	assert.ErrorIs(t, err, apperr.ErrBotInactive)
	_, err = f.router.RouteUserToBot(context.Background(), 1, protocol.UserToBot{BotID: 5, Text: "hi"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	f.bots.AssertNotCalled(t, "CreateBotMessage", mock.Anything, mock.Anything)
}

func TestBotToUserRequiresBotConnection(t *testing.T) {
	f := newFixture()
	impostor := f.user(t, 9)

	_, err := f.router.RouteBotToUser(context.Background(), impostor, protocol.BotOutgoing{UserID: 1, Text: "x"})

	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	f.bots.AssertNotCalled(t, "CreateBotMessage", mock.Anything, mock.Anything)
}

func TestBotToUserDeliversToDevicesAndRoomOnce(t *testing.T) {
	f := newFixture()
	f.bots.On("GetBot", mock.Anything, 3).Return(activeBot, nil)
	f.bots.On("CreateBotMessage", mock.Anything, mock.MatchedBy(func(m models.BotMessage) bool {
		return m.Direction == models.BotOutbound && m.Processed
	})).Return(models.BotMessage{ID: 20, BotID: 3, UserID: 1, Direction: models.BotOutbound, Text: "sunny"}, nil)
	botConn := f.bot(t, 3)
	phone := f.user(t, 1)
	laptop := f.user(t, 1)
	require.NoError(t, f.router.Subscribe(context.Background(), phone, 3))

	delivery, err := f.router.RouteBotToUser(context.Background(), botConn, protocol.BotOutgoing{UserID: 1, Text: "sunny"})

	require.NoError(t, err)
	assert.Equal(t, 20, delivery.Message.ID)
	for _, c := range []*ws.Client{phone, laptop} {
		fs := frames(c)
		require.Len(t, fs, 1)
		assert.Equal(t, protocol.EventBotMessage, fs[0].Event)
	}
	assert.Empty(t, frames(botConn))
	require.Len(t, f.fanout.sent, 1)
	assert.Equal(t, 1, f.fanout.sent[0].env.TargetUserID)
	assert.Equal(t, 20, f.fanout.sent[0].env.MessageID)
}

func TestBotPollJoinsRecipientsToPollRoom(t *testing.T) {
	f := newFixture()
	f.bots.On("CreateBotMessage", mock.Anything, mock.MatchedBy(func(m models.BotMessage) bool {
		return m.Kind == models.BotKindPoll && m.Text == "lunch?"
	})).Return(models.BotMessage{ID: 21, BotID: 3, UserID: 1, Kind: models.BotKindPoll, Text: "lunch?"}, nil)
	f.polls.On("CreatePoll", mock.Anything, mock.MatchedBy(func(p models.Poll) bool {
		return p.MessageID == 21 && len(p.Options) == 2 && p.Options[1].Text == "sushi"
	})).Return(models.Poll{ID: 7, BotID: 3, MessageID: 21, Question: "lunch?", Options: []models.PollOption{{Index: 0, Text: "pizza"}, {Index: 1, Text: "sushi"}}}, nil)
	botConn := f.bot(t, 3)
	phone := f.user(t, 1)

	delivery, err := f.router.RouteBotToUser(context.Background(), botConn, protocol.BotOutgoing{
		UserID: 1,
		Poll:   &protocol.PollSpec{Question: "lunch?", Options: []string{"pizza", "sushi"}},
	})

	require.NoError(t, err)
	require.NotNil(t, delivery.Poll)
	assert.True(t, f.hub.InRoom(phone, models.PollRoom(7)))
}

func TestRecordPollVoteBroadcastsResults(t *testing.T) {
	f := newFixture()
	poll := models.Poll{ID: 7, BotID: 3, TotalVotes: 1, Options: []models.PollOption{{Index: 0, Text: "pizza", Votes: 1}, {Index: 1, Text: "sushi"}}}
	f.polls.On("RecordPollVote", mock.Anything, 7, 1, 0).Return(poll, nil)
	f.polls.On("ListPollVotes", mock.Anything, 7).Return([]models.PollVote{{PollID: 7, UserID: 1, OptionIndex: 0}}, nil)
	botConn := f.bot(t, 3)
	voter := f.user(t, 1)
	watcher := f.user(t, 2)
	require.True(t, f.hub.Join(watcher, models.PollRoom(7)))

	res, err := f.router.RecordPollVote(context.Background(), voter, protocol.BotPollVote{PollID: 7, OptionIndex: 0})

	require.NoError(t, err)
	assert.Equal(t, 100.0, res.Options[0].Percent)
	for _, c := range []*ws.Client{botConn, voter, watcher} {
		fs := frames(c)
		require.Len(t, fs, 1)
		assert.Equal(t, protocol.EventPollResults, fs[0].Event)
	}
}

func TestRecordPollVoteRejectsSecondAnswer(t *testing.T) {
	f := newFixture()
	f.polls.On("RecordPollVote", mock.Anything, 7, 1, 1).Return(models.Poll{}, fmt.Errorf("vote: %w", apperr.ErrAlreadyVoted))
	f.polls.On("RecordPollVote", mock.Anything, 8, 1, 0).Return(models.Poll{}, repositories.ErrPollNotFound)
	f.polls.On("RecordPollVote", mock.Anything, 9, 1, 0).Return(models.Poll{}, errors.New("conn reset"))
	voter := f.user(t, 1)

	_, err := f.router.RecordPollVote(context.Background(), voter, protocol.BotPollVote{PollID: 7, OptionIndex: 1})
	assert.ErrorIs(t, err, apperr.ErrAlreadyVoted)
	_, err = f.router.RecordPollVote(context.Background(), voter, protocol.BotPollVote{PollID: 8})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.router.RecordPollVote(context.Background(), voter, protocol.BotPollVote{PollID: 9})
	assert.ErrorIs(t, err, apperr.ErrUnavailable)

	assert.Empty(t, frames(voter))
	f.polls.AssertNotCalled(t, "ListPollVotes", mock.Anything, mock.Anything)
}

func TestCallbackQueryRoundTrip(t *testing.T) {
	f := newFixture()
	f.bots.On("GetBot", mock.Anything, 3).Return(activeBot, nil)
	f.bots.On("GetBotMessage", mock.Anything, 20).Return(models.BotMessage{ID: 20, BotID: 3, UserID: 1}, nil)
	f.bots.On("CreateCallbackQuery", mock.Anything, mock.Anything).Return(models.CallbackQuery{ID: 5, BotID: 3, UserID: 1, MessageID: 20, Data: "yes"}, nil)
	f.bots.On("AnswerCallbackQuery", mock.Anything, 3, 5, "done", true).Return(models.CallbackQuery{ID: 5, BotID: 3, UserID: 1, MessageID: 20, Answered: true, AnswerText: "done", ShowAlert: true}, nil).Once()
	f.bots.On("AnswerCallbackQuery", mock.Anything, 3, 5, "again", false).Return(models.CallbackQuery{}, repositories.ErrCallbackQueryNotFound)
	botConn := f.bot(t, 3)
	user := f.user(t, 1)

	q, err := f.router.RecordCallbackQuery(context.Background(), 1, protocol.BotCallbackQuery{BotID: 3, MessageID: 20, Data: "yes"})
	require.NoError(t, err)
	assert.Equal(t, 5, q.ID)
	bf := frames(botConn)
	require.Len(t, bf, 1)
	assert.Equal(t, protocol.EventCallbackQuery, bf[0].Event)

	_, err = f.router.AnswerCallback(context.Background(), botConn, protocol.CallbackAnswer{CallbackQueryID: 5, Text: "done", ShowAlert: true})
	require.NoError(t, err)
	uf := frames(user)
	require.Len(t, uf, 1)
	assert.Equal(t, protocol.EventCallbackAnswer, uf[0].Event)
	assert.Contains(t, string(uf[0].Data), `"show_alert":true`)

	_, err = f.router.AnswerCallback(context.Background(), botConn, protocol.CallbackAnswer{CallbackQueryID: 5, Text: "again"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCallbackQueryOnForeignMessage(t *testing.T) {
	f := newFixture()
	f.bots.On("GetBot", mock.Anything, 3).Return(activeBot, nil)
	f.bots.On("GetBotMessage", mock.Anything, 20).Return(models.BotMessage{ID: 20, BotID: 3, UserID: 2}, nil)

	_, err := f.router.RecordCallbackQuery(context.Background(), 1, protocol.BotCallbackQuery{BotID: 3, MessageID: 20})

	assert.ErrorIs(t, err, apperr.ErrNotFound)
	f.bots.AssertNotCalled(t, "CreateCallbackQuery", mock.Anything, mock.Anything)
}

func TestUpdateMarkupPushesToUser(t *testing.T) {
	f := newFixture()
	markup := json.RawMessage(`{"inline_keyboard":[[{"text":"ok","callback_data":"ok"}]]}`)
	f.bots.On("UpdateMarkup", mock.Anything, 3, 20, markup).Return(models.BotMessage{ID: 20, BotID: 3, UserID: 1, Markup: markup}, nil)
	botConn := f.bot(t, 3)
	user := f.user(t, 1)

	_, err := f.router.UpdateMarkup(context.Background(), botConn, protocol.UpdateMarkup{MessageID: 20, Markup: markup})

	require.NoError(t, err)
	uf := frames(user)
	require.Len(t, uf, 1)
	assert.Equal(t, protocol.EventMarkupUpdated, uf[0].Event)
}

func TestBotTypingReachesUser(t *testing.T) {
	f := newFixture()
	botConn := f.bot(t, 3)
	user := f.user(t, 1)

	require.NoError(t, f.router.BotTyping(botConn, protocol.BotTyping{UserID: 1}))
	assert.ErrorIs(t, f.router.BotTyping(user, protocol.BotTyping{UserID: 2}), apperr.ErrUnauthorized)

	uf := frames(user)
	require.Len(t, uf, 1)
	assert.JSONEq(t, `{"bot_id":3}`, string(uf[0].Data))
}
