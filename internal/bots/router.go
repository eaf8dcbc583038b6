// Package bots routes messages, callback queries and poll votes between users and bots.
package bots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"relay-service/internal/apperr"
	"relay-service/internal/bridge"
	"relay-service/internal/models"
	"relay-service/internal/protocol"
	"relay-service/internal/repositories"
	"relay-service/internal/ws"
)

const (
	defaultUpdatesLimit = 100
	maxUpdatesLimit     = 1000
)

// Fanout publishes locally delivered events to the other relay nodes.
type Fanout interface {
	Publish(ctx context.Context, topic string, env bridge.Envelope)
}

// Auditor records bot authorization failures and votes.
type Auditor interface {
	Emit(ctx context.Context, level, text, requestID string, userID int)
}

type noopFanout struct{}

func (noopFanout) Publish(context.Context, string, bridge.Envelope) {}

type noopAuditor struct{}

func (noopAuditor) Emit(context.Context, string, string, string, int) {}

// Router delivers bot traffic. Bots that are not connected are reached through
// storage: their inbound messages stay unprocessed until fetched.
type Router struct {
	hub    *ws.Hub
	bots   repositories.BotRepository
	polls  repositories.PollRepository
	fanout Fanout
	audit  Auditor
}

func NewRouter(hub *ws.Hub, bots repositories.BotRepository, polls repositories.PollRepository, fanout Fanout, audit Auditor) *Router {
	if fanout == nil {
		fanout = noopFanout{}
	}
	if audit == nil {
		audit = noopAuditor{}
	}
	return &Router{hub: hub, bots: bots, polls: polls, fanout: fanout, audit: audit}
}

// BotByToken resolves an active bot by its token.
func (r *Router) BotByToken(ctx context.Context, token string) (models.Bot, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Bot{}, apperr.ErrInvalidCredential
	}
	bot, err := r.bots.GetBotByToken(ctx, token)
	if errors.Is(err, repositories.ErrBotNotFound) {
		return models.Bot{}, apperr.Wrap(apperr.ErrInvalidCredential, "unknown bot token")
	}
	if err != nil {
		return models.Bot{}, apperr.WithCause(apperr.ErrUnavailable, err)
	}
	if !bot.Active {
		return models.Bot{}, apperr.Wrap(apperr.ErrBotInactive, "bot %s is inactive", bot.Username)
	}
	return bot, nil
}

// AuthenticateBot binds c to the bot owning token and reports its queued updates.
func (r *Router) AuthenticateBot(ctx context.Context, c *ws.Client, token string) (protocol.BotAuthResult, error) {
	bot, err := r.BotByToken(ctx, token)
	if err != nil {
		r.audit.Emit(ctx, "warn", fmt.Sprintf("bot auth rejected conn_id=%s: %v", c.ID(), err), c.Info().RequestID, 0)
		return protocol.BotAuthResult{}, err
	}
	if err := r.hub.RegisterBot(c, bot.ID); err != nil {
		return protocol.BotAuthResult{}, apperr.Wrap(apperr.ErrInvalidState, "connection already authenticated: %v", err)
	}
	pending, err := r.bots.CountPending(ctx, bot.ID)
	if err != nil {
		log.Printf("bot pending count failed bot_id=%d: %v", bot.ID, err)
	}
	return protocol.BotAuthResult{BotID: bot.ID, Username: bot.Username, Pending: pending}, nil
}

// Subscribe joins c to the user's live chat room with botID.
func (r *Router) Subscribe(ctx context.Context, c *ws.Client, botID int) error {
	room := models.BotRoom(c.UserID(), botID)
	if r.hub.InRoom(c, room) {
		return apperr.Wrap(apperr.ErrAlreadySubscribed, "already subscribed to bot %d", botID)
	}
	if _, err := r.activeBot(ctx, botID); err != nil {
		return err
	}
	if !r.hub.Join(c, room) {
		return apperr.Wrap(apperr.ErrInvalidState, "connection is closed")
	}
	return nil
}

func (r *Router) Unsubscribe(c *ws.Client, botID int) {
	r.hub.Leave(c, models.BotRoom(c.UserID(), botID))
}

// RouteUserToBot stores a user message and pushes it to the bot when it is connected here.
func (r *Router) RouteUserToBot(ctx context.Context, userID int, req protocol.UserToBot) (models.BotMessage, error) {
	if _, err := r.activeBot(ctx, req.BotID); err != nil {
		return models.BotMessage{}, err
	}
	msg, err := r.bots.CreateBotMessage(ctx, models.BotMessage{
		BotID:     req.BotID,
		UserID:    userID,
		Direction: models.BotInbound,
		Kind:      req.MessageKind(),
		Text:      req.Text,
	})
	if err != nil {
		return models.BotMessage{}, apperr.WithCause(apperr.ErrUnavailable, err)
	}
	if err := r.bots.IncrementUsage(ctx, req.BotID); err != nil {
		log.Printf("bot usage increment failed bot_id=%d: %v", req.BotID, err)
	}
	if r.pushToBot(ctx, msg) {
		msg.Processed = true
	}
	return msg, nil
}

// pushToBot delivers an inbound message to the bot's live connections and marks
// it processed. Otherwise it stays queued for polling and other nodes are told.
func (r *Router) pushToBot(ctx context.Context, msg models.BotMessage) bool {
	if r.hub.SendToBot(msg.BotID, protocol.EventBotUpdate, msg) > 0 {
		if err := r.bots.MarkProcessed(ctx, []int{msg.ID}); err != nil {
			log.Printf("bot mark processed failed message_id=%d: %v", msg.ID, err)
			return false
		}
		return true
	}
	r.publish(ctx, bridge.TopicBotMessages, bridge.Envelope{
		BotID:     msg.BotID,
		Event:     protocol.EventBotUpdate,
		MessageID: msg.ID,
	}, msg)
	return false
}

// RouteBotToUser stores a bot message, optionally with a poll, and delivers it to the
// user's connections and the bot chat room. Only a connection authenticated as the bot may send.
func (r *Router) RouteBotToUser(ctx context.Context, c *ws.Client, req protocol.BotOutgoing) (protocol.BotDelivery, error) {
	botID := c.BotID()
	if botID == 0 {
		r.audit.Emit(ctx, "warn", fmt.Sprintf("bot message from unauthenticated connection user_id=%d", c.UserID()), c.Info().RequestID, c.UserID())
		return protocol.BotDelivery{}, apperr.Wrap(apperr.ErrUnauthorized, "connection is not a bot")
	}

	kind := models.BotKindMessage
	text := req.Text
	if req.Poll != nil {
		kind = models.BotKindPoll
		if text == "" {
			text = req.Poll.Question
		}
	}
	msg, err := r.bots.CreateBotMessage(ctx, models.BotMessage{
		BotID:     botID,
		UserID:    req.UserID,
		Direction: models.BotOutbound,
		Kind:      kind,
		Text:      text,
		Markup:    req.Markup,
		Processed: true,
	})
	if err != nil {
		return protocol.BotDelivery{}, apperr.WithCause(apperr.ErrUnavailable, err)
	}
	delivery := protocol.BotDelivery{Message: msg}

	if req.Poll != nil {
		draft := models.Poll{
			BotID:           botID,
			MessageID:       msg.ID,
			Question:        req.Poll.Question,
			Anonymous:       req.Poll.Anonymous,
			MultipleAnswers: req.Poll.MultipleAnswers,
		}
		for i, opt := range req.Poll.Options {
			draft.Options = append(draft.Options, models.PollOption{Index: i, Text: opt})
		}
		poll, err := r.polls.CreatePoll(ctx, draft)
		if err != nil {
			return protocol.BotDelivery{}, apperr.WithCause(apperr.ErrUnavailable, err)
		}
		delivery.Poll = &poll
	}

	targets := r.userTargets(req.UserID, botID)
	if delivery.Poll != nil {
		for _, t := range targets {
			r.hub.Join(t, models.PollRoom(delivery.Poll.ID))
		}
	}
	r.hub.Deliver(targets, protocol.EventBotMessage, delivery)
	r.publish(ctx, bridge.TopicBotMessages, bridge.Envelope{
		TargetUserID: req.UserID,
		Event:        protocol.EventBotMessage,
		MessageID:    msg.ID,
	}, delivery)
	return delivery, nil
}

// BotTyping shows a typing indicator from the bot to the user.
func (r *Router) BotTyping(c *ws.Client, req protocol.BotTyping) error {
	if c.BotID() == 0 {
		return apperr.Wrap(apperr.ErrUnauthorized, "connection is not a bot")
	}
	r.hub.Deliver(r.userTargets(req.UserID, c.BotID()), protocol.EventBotTyping, protocol.BotTypingEvent{BotID: c.BotID()})
	return nil
}

// UpdateMarkup replaces the inline keyboard of one of the bot's messages.
func (r *Router) UpdateMarkup(ctx context.Context, c *ws.Client, req protocol.UpdateMarkup) (models.BotMessage, error) {
	botID := c.BotID()
	if botID == 0 {
		return models.BotMessage{}, apperr.Wrap(apperr.ErrUnauthorized, "connection is not a bot")
	}
	msg, err := r.bots.UpdateMarkup(ctx, botID, req.MessageID, req.Markup)
	if errors.Is(err, repositories.ErrBotMessageNotFound) {
		return models.BotMessage{}, apperr.Wrap(apperr.ErrNotFound, "bot message %d not found", req.MessageID)
	}
	if err != nil {
		return models.BotMessage{}, apperr.WithCause(apperr.ErrUnavailable, err)
	}
	event := protocol.MarkupUpdated{MessageID: msg.ID, BotID: botID, Markup: msg.Markup}
	r.hub.Deliver(r.userTargets(msg.UserID, botID), protocol.EventMarkupUpdated, event)
	r.publish(ctx, bridge.TopicBotMessages, bridge.Envelope{
		TargetUserID: msg.UserID,
		Event:        protocol.EventMarkupUpdated,
	}, event)
	return msg, nil
}

// RecordCallbackQuery stores a button press and forwards it to the bot.
func (r *Router) RecordCallbackQuery(ctx context.Context, userID int, req protocol.BotCallbackQuery) (models.CallbackQuery, error) {
	if _, err := r.activeBot(ctx, req.BotID); err != nil {
		return models.CallbackQuery{}, err
	}
	msg, err := r.bots.GetBotMessage(ctx, req.MessageID)
	if errors.Is(err, repositories.ErrBotMessageNotFound) || err == nil && (msg.BotID != req.BotID || msg.UserID != userID) {
		return models.CallbackQuery{}, apperr.Wrap(apperr.ErrNotFound, "bot message %d not found", req.MessageID)
	}
	if err != nil {
		return models.CallbackQuery{}, apperr.WithCause(apperr.ErrUnavailable, err)
	}
	q, err := r.bots.CreateCallbackQuery(ctx, models.CallbackQuery{
		BotID:     req.BotID,
		UserID:    userID,
		MessageID: req.MessageID,
		Data:      req.Data,
	})
	if err != nil {
		return models.CallbackQuery{}, apperr.WithCause(apperr.ErrUnavailable, err)
	}
	if r.hub.SendToBot(req.BotID, protocol.EventCallbackQuery, q) == 0 {
		r.publish(ctx, bridge.TopicBotMessages, bridge.Envelope{BotID: req.BotID, Event: protocol.EventCallbackQuery}, q)
	}
	return q, nil
}

// AnswerCallback marks a query answered and shows the answer to the user who pressed.
func (r *Router) AnswerCallback(ctx context.Context, c *ws.Client, req protocol.CallbackAnswer) (models.CallbackQuery, error) {
	botID := c.BotID()
	if botID == 0 {
		return models.CallbackQuery{}, apperr.Wrap(apperr.ErrUnauthorized, "connection is not a bot")
	}
	q, err := r.bots.AnswerCallbackQuery(ctx, botID, req.CallbackQueryID, req.Text, req.ShowAlert)
	if errors.Is(err, repositories.ErrCallbackQueryNotFound) {
		return models.CallbackQuery{}, apperr.Wrap(apperr.ErrNotFound, "callback query %d not found or already answered", req.CallbackQueryID)
	}
	if err != nil {
		return models.CallbackQuery{}, apperr.WithCause(apperr.ErrUnavailable, err)
	}
	event := protocol.CallbackAnswerEvent{
		CallbackQueryID: q.ID,
		MessageID:       q.MessageID,
		BotID:           botID,
		Text:            q.AnswerText,
		ShowAlert:       q.ShowAlert,
	}
	r.hub.SendToUser(q.UserID, protocol.EventCallbackAnswer, event)
	r.publish(ctx, bridge.TopicBotMessages, bridge.Envelope{TargetUserID: q.UserID, Event: protocol.EventCallbackAnswer}, event)
	return q, nil
}

// RecordPollVote stores a vote and broadcasts fresh results to the poll room and the bot.
func (r *Router) RecordPollVote(ctx context.Context, c *ws.Client, req protocol.BotPollVote) (models.PollResults, error) {
	userID := c.UserID()
	poll, err := r.polls.RecordPollVote(ctx, req.PollID, userID, req.OptionIndex)
	if err != nil {
		if errors.Is(err, repositories.ErrPollNotFound) {
			return models.PollResults{}, apperr.Wrap(apperr.ErrNotFound, "poll %d not found", req.PollID)
		}
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return models.PollResults{}, appErr
		}
		return models.PollResults{}, apperr.WithCause(apperr.ErrUnavailable, err)
	}
	r.audit.Emit(ctx, "info", fmt.Sprintf("poll %d vote option=%d", poll.ID, req.OptionIndex), c.Info().RequestID, userID)

	votes, err := r.polls.ListPollVotes(ctx, poll.ID)
	if err != nil {
		log.Printf("poll votes load failed poll_id=%d: %v", poll.ID, err)
	}
	results := models.BuildPollResults(poll, votes)

	room := models.PollRoom(poll.ID)
	r.hub.Join(c, room)
	r.hub.Deliver(ws.Union(r.hub.RoomMembers(room), r.hub.BotConnections(poll.BotID)), protocol.EventPollResults, results)
	r.publish(ctx, bridge.TopicBotMessages, bridge.Envelope{
		TargetRoom: room,
		BotID:      poll.BotID,
		Event:      protocol.EventPollResults,
	}, results)
	return results, nil
}

// PendingUpdates returns queued inbound messages for botID and marks them processed.
func (r *Router) PendingUpdates(ctx context.Context, botID int, limit int) ([]models.BotMessage, error) {
	if limit <= 0 {
		limit = defaultUpdatesLimit
	}
	if limit > maxUpdatesLimit {
		limit = maxUpdatesLimit
	}
	updates, err := r.bots.PendingUpdates(ctx, botID, limit)
	if err != nil {
		return nil, apperr.WithCause(apperr.ErrUnavailable, err)
	}
	if len(updates) == 0 {
		return []models.BotMessage{}, nil
	}
	ids := make([]int, 0, len(updates))
	for _, u := range updates {
		ids = append(ids, u.ID)
	}
	if err := r.bots.MarkProcessed(ctx, ids); err != nil {
		return nil, apperr.WithCause(apperr.ErrUnavailable, err)
	}
	for i := range updates {
		updates[i].Processed = true
	}
	return updates, nil
}

func (r *Router) activeBot(ctx context.Context, botID int) (models.Bot, error) {
	bot, err := r.bots.GetBot(ctx, botID)
	if errors.Is(err, repositories.ErrBotNotFound) {
		return models.Bot{}, apperr.Wrap(apperr.ErrNotFound, "bot %d not found", botID)
	}
	if err != nil {
		return models.Bot{}, apperr.WithCause(apperr.ErrUnavailable, err)
	}
	if !bot.Active {
		return models.Bot{}, apperr.Wrap(apperr.ErrBotInactive, "bot %s is inactive", bot.Username)
	}
	return bot, nil
}

// userTargets is every connection that shows the user's chat with botID.
func (r *Router) userTargets(userID, botID int) []*ws.Client {
	return ws.Union(r.hub.ConnectionsFor(userID), r.hub.RoomMembers(models.BotRoom(userID, botID)))
}

func (r *Router) publish(ctx context.Context, topic string, env bridge.Envelope, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("bot fanout encode failed event=%s: %v", env.Event, err)
		return
	}
	env.Payload = body
	r.fanout.Publish(ctx, topic, env)
}
