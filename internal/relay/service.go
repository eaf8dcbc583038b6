// Package relay dispatches inbound connection events to the messaging,
// presence, call and bot components.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"relay-service/internal/apperr"
	"relay-service/internal/bots"
	"relay-service/internal/bridge"
	"relay-service/internal/calls"
	"relay-service/internal/models"
	"relay-service/internal/observability"
	"relay-service/internal/presence"
	"relay-service/internal/protocol"
	"relay-service/internal/repositories"
	"relay-service/internal/ws"
)

const metricsKind = "relay"

// Fanout publishes locally delivered events to the other relay nodes.
type Fanout interface {
	Publish(ctx context.Context, topic string, env bridge.Envelope)
}

// Auditor records security relevant connection events.
type Auditor interface {
	Emit(ctx context.Context, level, text, requestID string, userID int)
}

type noopFanout struct{}

func (noopFanout) Publish(context.Context, string, bridge.Envelope) {}

type noopAuditor struct{}

func (noopAuditor) Emit(context.Context, string, string, string, int) {}

// Deps are the collaborators of a Service. Fanout and Audit may be nil.
type Deps struct {
	Hub      *ws.Hub
	Auth     ws.Authenticator
	Presence *presence.Manager
	Calls    *calls.Engine
	Bots     *bots.Router
	Fanout   Fanout
	Audit    Auditor
	Sessions repositories.SessionRepository
	Chats    repositories.ChatRepository
	Messages repositories.MessageRepository
	Groups   repositories.GroupRepository
	Channels repositories.ChannelRepository
}

// Service implements ws.Dispatcher.
type Service struct {
	hub      *ws.Hub
	auth     ws.Authenticator
	presence *presence.Manager
	calls    *calls.Engine
	bots     *bots.Router
	fanout   Fanout
	audit    Auditor
	sessions repositories.SessionRepository
	chats    repositories.ChatRepository
	messages repositories.MessageRepository
	groups   repositories.GroupRepository
	channels repositories.ChannelRepository
	tracer   trace.Tracer
	now      func() time.Time
}

func NewService(d Deps) *Service {
	if d.Fanout == nil {
		d.Fanout = noopFanout{}
	}
	if d.Audit == nil {
		d.Audit = noopAuditor{}
	}
	return &Service{
		hub:      d.Hub,
		auth:     d.Auth,
		presence: d.Presence,
		calls:    d.Calls,
		bots:     d.Bots,
		fanout:   d.Fanout,
		audit:    d.Audit,
		sessions: d.Sessions,
		chats:    d.Chats,
		messages: d.Messages,
		groups:   d.Groups,
		channels: d.Channels,
		tracer:   otel.Tracer("relay-service/relay"),
		now:      time.Now,
	}
}

// events accepted before the connection is bound to a user or bot.
var preAuth = map[string]bool{
	protocol.EventJoin:    true,
	protocol.EventBotAuth: true,
	protocol.EventPing:    true,
}

// Attach binds a connection authenticated during the handshake.
func (s *Service) Attach(ctx context.Context, c *ws.Client, session models.Session) error {
	_, err := s.attach(ctx, c, session, protocol.VersionUnknown, nil, nil)
	return err
}

// Dispatch handles one inbound frame and acknowledges it when the frame carries an id.
func (s *Service) Dispatch(ctx context.Context, c *ws.Client, f protocol.Frame) {
	ctx, span := s.tracer.Start(ctx, "ws.event", trace.WithAttributes(
		attribute.String("ws.event", f.Event),
		attribute.String("ws.conn_id", c.ID()),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("relay handler panic event=%s conn_id=%s: %v", f.Event, c.ID(), r)
			s.reply(c, f, nil, apperr.ErrInternal)
		}
	}()
	label := f.Event
	if !protocol.Known(label) {
		label = "unknown"
	}
	observability.IncWSEvent(metricsKind, label)
	defer observability.ObserveWSEvent(label, s.now())

	p, err := protocol.Decode(f)
	if err == nil && !c.Authenticated() && !preAuth[f.Event] {
		err = apperr.ErrNotAuthenticated
	}
	if err == nil && c.BotID() != 0 && !botEvents[f.Event] {
		err = apperr.Wrap(apperr.ErrUnauthorized, "bot connections cannot send %s", f.Event)
	}
	var result any
	if err == nil {
		result, err = s.handle(ctx, c, p)
	}
	if err != nil {
		span.RecordError(err)
		if call, ok := callRoom(p); ok {
			e := apperr.From(err)
			c.Send(protocol.EventCallError, protocol.CallError{Message: e.Message, Code: e.Code, RoomName: call})
		}
	}
	s.reply(c, f, result, err)

	if err != nil && f.Event == protocol.EventJoin && apperr.KindOf(err) == apperr.KindAuth {
		c.Close()
	}
}

// Disconnected releases everything the connection held.
func (s *Service) Disconnected(ctx context.Context, c *ws.Client) {
	visible := c.Visible()
	dep := s.hub.Deregister(c)
	s.presence.ForgetConnection(c)
	if dep.UserID == 0 {
		return
	}
	if !dep.Last {
		s.calls.ConnectionLeft(ctx, dep.UserID, dep.Rooms)
		return
	}

	s.calls.UserOffline(ctx, dep.UserID)
	at := s.now().UTC()
	if err := s.sessions.UpdateLastSeen(ctx, dep.UserID, at); err != nil {
		log.Printf("relay last seen update failed user_id=%d: %v", dep.UserID, err)
	}
	if visible {
		s.announcePresence(ctx, dep.UserID, false, &at)
	}
}

func (s *Service) reply(c *ws.Client, f protocol.Frame, result any, err error) {
	if !f.HasID() {
		if err != nil {
			log.Printf("relay event failed event=%s conn_id=%s user_id=%d: %v", f.Event, c.ID(), c.UserID(), err)
		}
		return
	}
	if err != nil {
		c.Push(protocol.EncodeError(f.ID, err))
		return
	}
	c.Push(protocol.EncodeAck(f.ID, result))
}

func (s *Service) handle(ctx context.Context, c *ws.Client, p protocol.Payload) (any, error) {
	switch p := p.(type) {
	case *protocol.Ping:
		c.Send(protocol.EventPong, map[string]int64{"ts": s.now().UnixMilli()})
		return nil, nil
	case *protocol.JoinRequest:
		return s.join(ctx, c, p)
	case *protocol.ChatPresence:
		return nil, s.chatPresence(ctx, c, p)
	case *protocol.OutgoingMessage:
		return s.sendMessage(ctx, c, p)
	case *protocol.Typing:
		return nil, s.typing(ctx, c, p)

	case *protocol.CallInitiate:
		return s.calls.Initiate(ctx, c, *p)
	case *protocol.CallAccept:
		return s.calls.Accept(ctx, c, *p)
	case *protocol.CallReject:
		return s.calls.Reject(ctx, c, *p)
	case *protocol.CallEnd:
		return s.calls.End(ctx, c, *p)
	case *protocol.CallRoomRequest:
		if p.Leave {
			return nil, s.calls.LeaveRoom(ctx, c, p.RoomName)
		}
		return s.calls.JoinRoom(ctx, c, p.RoomName)
	case *protocol.ToggleMedia:
		return nil, s.calls.ToggleMedia(ctx, c, *p)
	case *protocol.IceCandidate:
		return nil, s.calls.RelayIceCandidate(ctx, c, *p)

	case *protocol.ChannelSubscription:
		return nil, s.channelSubscription(c, p)
	case *protocol.ChannelPostEvent:
		return nil, s.channelPost(ctx, c, p)
	case *protocol.StorySubscription:
		s.hub.Join(c, models.StoryRoom(p.OwnerID))
		return nil, nil
	case *protocol.StoryNew:
		return nil, s.storyNew(ctx, c, p)
	case *protocol.StoryInteraction:
		return nil, s.storyInteraction(ctx, c, p)

	case *protocol.BotAuth:
		return s.bots.AuthenticateBot(ctx, c, p.Token)
	case *protocol.BotOutgoing:
		return s.bots.RouteBotToUser(ctx, c, *p)
	case *protocol.BotTyping:
		return nil, s.bots.BotTyping(c, *p)
	case *protocol.CallbackAnswer:
		return s.bots.AnswerCallback(ctx, c, *p)
	case *protocol.UpdateMarkup:
		return s.bots.UpdateMarkup(ctx, c, *p)
	case *protocol.BotGetUpdates:
		if c.BotID() == 0 {
			return nil, apperr.Wrap(apperr.ErrUnauthorized, "only bot connections fetch updates")
		}
		updates, err := s.bots.PendingUpdates(ctx, c.BotID(), p.Limit)
		if err != nil {
			return nil, err
		}
		return protocol.BotUpdates{Updates: updates}, nil
	case *protocol.BotSubscription:
		if p.Subscribe {
			return nil, s.bots.Subscribe(ctx, c, p.BotID)
		}
		s.bots.Unsubscribe(c, p.BotID)
		return nil, nil
	case *protocol.UserToBot:
		return s.bots.RouteUserToBot(ctx, c.UserID(), *p)
	case *protocol.BotCallbackQuery:
		return s.bots.RecordCallbackQuery(ctx, c.UserID(), *p)
	case *protocol.BotPollVote:
		return s.bots.RecordPollVote(ctx, c, *p)
	}
	return nil, apperr.ErrUnknownEvent
}

// events a bot connection may send.
var botEvents = map[string]bool{
	protocol.EventBotAuth:        true,
	protocol.EventBotMessage:     true,
	protocol.EventBotTyping:      true,
	protocol.EventCallbackAnswer: true,
	protocol.EventUpdateMarkup:   true,
	protocol.EventBotGetUpdates:  true,
	protocol.EventPing:           true,
}

// callRoom returns the room of call events, whose failures are also reported as call:error.
func callRoom(p protocol.Payload) (string, bool) {
	switch p := p.(type) {
	case *protocol.CallInitiate:
		return p.RoomName, true
	case *protocol.CallAccept:
		return p.RoomName, true
	case *protocol.CallReject:
		return p.RoomName, true
	case *protocol.CallEnd:
		return p.RoomName, true
	case *protocol.CallRoomRequest:
		return p.RoomName, true
	case *protocol.ToggleMedia:
		return p.RoomName, true
	case *protocol.IceCandidate:
		return p.RoomName, true
	}
	return "", false
}

func (s *Service) publish(ctx context.Context, topic string, env bridge.Envelope, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("relay fanout encode failed event=%s: %v", env.Event, err)
		return
	}
	env.Payload = body
	s.fanout.Publish(ctx, topic, env)
}

func storeError(err, notFound error) error {
	if errors.Is(err, notFound) {
		return apperr.ErrNotFound
	}
	var e *apperr.Error
	if errors.As(err, &e) {
		return e
	}
	return apperr.WithCause(apperr.ErrUnavailable, err)
}
