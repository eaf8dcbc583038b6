package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/mock"

	"relay-service/internal/models"
	"relay-service/internal/repositories"
)

type SessionRepositoryMock struct {
	mock.Mock
}

func (m *SessionRepositoryMock) GetSession(ctx context.Context, credential string) (models.Session, error) {
	args := m.Called(ctx, credential)
	var s models.Session
	if val := args.Get(0); val != nil {
		s = val.(models.Session)
	}
	return s, args.Error(1)
}

func (m *SessionRepositoryMock) UpdateLastSeen(ctx context.Context, userID int, at time.Time) error {
	args := m.Called(ctx, userID, at)
	return args.Error(0)
}

type ChatRepositoryMock struct {
	mock.Mock
}

func (m *ChatRepositoryMock) CreateOrGetChat(ctx context.Context, userID int, friendID int) (models.Chat, error) {
	args := m.Called(ctx, userID, friendID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) GetChat(ctx context.Context, chatID int) (models.Chat, error) {
	args := m.Called(ctx, chatID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) ContactIDs(ctx context.Context, userID int) ([]int, error) {
	args := m.Called(ctx, userID)
	var ids []int
	if val := args.Get(0); val != nil {
		ids = val.([]int)
	}
	return ids, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkSeen(ctx context.Context, messageID int, at time.Time) error {
	args := m.Called(ctx, messageID, at)
	return args.Error(0)
}

func (m *MessageRepositoryMock) MarkConversationSeen(ctx context.Context, viewerID int, partnerID int, at time.Time) (int, int, error) {
	args := m.Called(ctx, viewerID, partnerID, at)
	return args.Int(0), args.Int(1), args.Error(2)
}

func (m *MessageRepositoryMock) UnseenCount(ctx context.Context, userID int) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type GroupRepositoryMock struct {
	mock.Mock
}

func (m *GroupRepositoryMock) IsMember(ctx context.Context, groupID int, userID int) (bool, error) {
	args := m.Called(ctx, groupID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *GroupRepositoryMock) MemberIDs(ctx context.Context, groupID int) ([]int, error) {
	args := m.Called(ctx, groupID)
	var ids []int
	if val := args.Get(0); val != nil {
		ids = val.([]int)
	}
	return ids, args.Error(1)
}

type ChannelRepositoryMock struct {
	mock.Mock
}

func (m *ChannelRepositoryMock) IsChannelOwner(ctx context.Context, channelID int, userID int) (bool, error) {
	args := m.Called(ctx, channelID, userID)
	return args.Bool(0), args.Error(1)
}

type CallRepositoryMock struct {
	mock.Mock
}

func (m *CallRepositoryMock) CreateCall(ctx context.Context, call models.Call) (models.Call, error) {
	args := m.Called(ctx, call)
	var out models.Call
	if val := args.Get(0); val != nil {
		out = val.(models.Call)
	}
	return out, args.Error(1)
}

func (m *CallRepositoryMock) GetCall(ctx context.Context, roomName string) (models.Call, error) {
	args := m.Called(ctx, roomName)
	var call models.Call
	if val := args.Get(0); val != nil {
		call = val.(models.Call)
	}
	return call, args.Error(1)
}

func (m *CallRepositoryMock) UpdateCallState(ctx context.Context, roomName string, from []models.CallState, update models.CallUpdate) (models.Call, error) {
	args := m.Called(ctx, roomName, from, update)
	var call models.Call
	if val := args.Get(0); val != nil {
		call = val.(models.Call)
	}
	return call, args.Error(1)
}

func (m *CallRepositoryMock) ListRingingBefore(ctx context.Context, cutoff time.Time) ([]models.Call, error) {
	args := m.Called(ctx, cutoff)
	var calls []models.Call
	if val := args.Get(0); val != nil {
		calls = val.([]models.Call)
	}
	return calls, args.Error(1)
}

type BotRepositoryMock struct {
	mock.Mock
}

func (m *BotRepositoryMock) GetBotByToken(ctx context.Context, token string) (models.Bot, error) {
	args := m.Called(ctx, token)
	var bot models.Bot
	if val := args.Get(0); val != nil {
		bot = val.(models.Bot)
	}
	return bot, args.Error(1)
}

func (m *BotRepositoryMock) GetBot(ctx context.Context, botID int) (models.Bot, error) {
	args := m.Called(ctx, botID)
	var bot models.Bot
	if val := args.Get(0); val != nil {
		bot = val.(models.Bot)
	}
	return bot, args.Error(1)
}

func (m *BotRepositoryMock) IncrementUsage(ctx context.Context, botID int) error {
	args := m.Called(ctx, botID)
	return args.Error(0)
}

func (m *BotRepositoryMock) CreateBotMessage(ctx context.Context, msg models.BotMessage) (models.BotMessage, error) {
	args := m.Called(ctx, msg)
	var out models.BotMessage
	if val := args.Get(0); val != nil {
		out = val.(models.BotMessage)
	}
	return out, args.Error(1)
}

func (m *BotRepositoryMock) GetBotMessage(ctx context.Context, messageID int) (models.BotMessage, error) {
	args := m.Called(ctx, messageID)
	var out models.BotMessage
	if val := args.Get(0); val != nil {
		out = val.(models.BotMessage)
	}
	return out, args.Error(1)
}

func (m *BotRepositoryMock) MarkProcessed(ctx context.Context, messageIDs []int) error {
	args := m.Called(ctx, messageIDs)
	return args.Error(0)
}

func (m *BotRepositoryMock) PendingUpdates(ctx context.Context, botID int, limit int) ([]models.BotMessage, error) {
	args := m.Called(ctx, botID, limit)
	var msgs []models.BotMessage
	if val := args.Get(0); val != nil {
		msgs = val.([]models.BotMessage)
	}
	return msgs, args.Error(1)
}

func (m *BotRepositoryMock) CountPending(ctx context.Context, botID int) (int, error) {
	args := m.Called(ctx, botID)
	return args.Int(0), args.Error(1)
}

func (m *BotRepositoryMock) UpdateMarkup(ctx context.Context, botID int, messageID int, markup json.RawMessage) (models.BotMessage, error) {
	args := m.Called(ctx, botID, messageID, markup)
	var out models.BotMessage
	if val := args.Get(0); val != nil {
		out = val.(models.BotMessage)
	}
	return out, args.Error(1)
}

func (m *BotRepositoryMock) CreateCallbackQuery(ctx context.Context, q models.CallbackQuery) (models.CallbackQuery, error) {
	args := m.Called(ctx, q)
	var out models.CallbackQuery
	if val := args.Get(0); val != nil {
		out = val.(models.CallbackQuery)
	}
	return out, args.Error(1)
}

func (m *BotRepositoryMock) AnswerCallbackQuery(ctx context.Context, botID int, queryID int, text string, showAlert bool) (models.CallbackQuery, error) {
	args := m.Called(ctx, botID, queryID, text, showAlert)
	var out models.CallbackQuery
	if val := args.Get(0); val != nil {
		out = val.(models.CallbackQuery)
	}
	return out, args.Error(1)
}

type PollRepositoryMock struct {
	mock.Mock
}

func (m *PollRepositoryMock) CreatePoll(ctx context.Context, poll models.Poll) (models.Poll, error) {
	args := m.Called(ctx, poll)
	var out models.Poll
	if val := args.Get(0); val != nil {
		out = val.(models.Poll)
	}
	return out, args.Error(1)
}

func (m *PollRepositoryMock) GetPoll(ctx context.Context, pollID int) (models.Poll, error) {
	args := m.Called(ctx, pollID)
	var out models.Poll
	if val := args.Get(0); val != nil {
		out = val.(models.Poll)
	}
	return out, args.Error(1)
}

func (m *PollRepositoryMock) RecordPollVote(ctx context.Context, pollID int, userID int, option int) (models.Poll, error) {
	args := m.Called(ctx, pollID, userID, option)
	var out models.Poll
	if val := args.Get(0); val != nil {
		out = val.(models.Poll)
	}
	return out, args.Error(1)
}

func (m *PollRepositoryMock) ListPollVotes(ctx context.Context, pollID int) ([]models.PollVote, error) {
	args := m.Called(ctx, pollID)
	var votes []models.PollVote
	if val := args.Get(0); val != nil {
		votes = val.([]models.PollVote)
	}
	return votes, args.Error(1)
}

var (
	_ repositories.SessionRepository = (*SessionRepositoryMock)(nil)
	_ repositories.ChatRepository    = (*ChatRepositoryMock)(nil)
	_ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
	_ repositories.GroupRepository   = (*GroupRepositoryMock)(nil)
	_ repositories.ChannelRepository = (*ChannelRepositoryMock)(nil)
	_ repositories.CallRepository    = (*CallRepositoryMock)(nil)
	_ repositories.BotRepository     = (*BotRepositoryMock)(nil)
	_ repositories.PollRepository    = (*PollRepositoryMock)(nil)
)
