package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"relay-service/internal/apperr"
	"relay-service/internal/bridge"
	"relay-service/internal/models"
	"relay-service/internal/protocol"
	"relay-service/internal/repositories"
	"relay-service/internal/ws"
)

func (s *Service) join(ctx context.Context, c *ws.Client, req *protocol.JoinRequest) (protocol.JoinResult, error) {
	session := models.Session{UserID: c.UserID(), Visible: c.Visible()}
	if req.SessionCredential != "" || !c.Authenticated() {
		authed, err := s.auth.Authenticate(ctx, req.SessionCredential)
		if err != nil {
			s.audit.Emit(ctx, "warn", fmt.Sprintf("join rejected conn_id=%s: %v", c.ID(), err), c.Info().RequestID, 0)
			return protocol.JoinResult{}, err
		}
		if c.UserID() != 0 && c.UserID() != authed.UserID {
			return protocol.JoinResult{}, apperr.Wrap(apperr.ErrUnauthorized, "connection is bound to another user")
		}
		session = authed
	}
	return s.attach(ctx, c, session, protocol.Version(req.Protocol), req.RecipientIDs, req.RecipientGroupIDs)
}

// attach registers the connection and joins the requested rooms. A repeated join
// on the same connection only adds rooms.
func (s *Service) attach(ctx context.Context, c *ws.Client, session models.Session, version protocol.Version, recipients, groups []int) (protocol.JoinResult, error) {
	first, err := s.hub.Register(c, session.UserID, session.Visible, version)
	if err != nil {
		return protocol.JoinResult{}, apperr.Wrap(apperr.ErrInvalidState, "cannot bind connection: %v", err)
	}
	userID := session.UserID

	rooms := make([]string, 0, len(recipients)+len(groups))
	for _, id := range recipients {
		if id > 0 && id != userID {
			rooms = append(rooms, models.ChatRoom(userID, id))
		}
	}
	for _, id := range groups {
		if err := s.requireMember(ctx, id, userID); err != nil {
			if apperr.KindOf(err) == apperr.KindUnavailable {
				return protocol.JoinResult{}, err
			}
			log.Printf("relay join skipped group_id=%d user_id=%d: not a member", id, userID)
			continue
		}
		rooms = append(rooms, models.GroupRoom(id))
	}
	joined := s.presence.JoinRooms(c, rooms)

	if first && session.Visible {
		s.announcePresence(ctx, userID, true, nil)
	}
	log.Printf("relay joined conn_id=%s user_id=%d rooms=%d first=%t", c.ID(), userID, joined, first)
	return protocol.JoinResult{
		Status:       "ok",
		UserID:       userID,
		ConnectionID: c.ID(),
		Protocol:     int(c.Protocol()),
	}, nil
}

// announcePresence tells the user's contacts, on every node, that the user came or went.
func (s *Service) announcePresence(ctx context.Context, userID int, online bool, lastSeen *time.Time) {
	contacts, err := s.chats.ContactIDs(ctx, userID)
	if err != nil {
		log.Printf("relay contact lookup failed user_id=%d: %v", userID, err)
		return
	}
	event := protocol.EventUserOffline
	if online {
		event = protocol.EventUserOnline
	}
	data := protocol.UserPresence{UserID: userID, Online: online, LastSeen: lastSeen}
	for _, id := range contacts {
		s.hub.SendToUser(id, event, data)
		s.publish(ctx, bridge.TopicMessages, bridge.Envelope{TargetUserID: id, Event: event}, data)
	}
}

func (s *Service) chatPresence(ctx context.Context, c *ws.Client, req *protocol.ChatPresence) error {
	if req.ViewerID != 0 && req.ViewerID != c.UserID() {
		return apperr.Wrap(apperr.ErrUnauthorized, "viewer_id does not match the connection")
	}
	if !req.Open {
		s.presence.CloseChat(c, req.TargetID, req.IsGroup)
		return nil
	}
	return s.presence.OpenChat(ctx, c, req.TargetID, req.IsGroup)
}

func (s *Service) sendMessage(ctx context.Context, c *ws.Client, req *protocol.OutgoingMessage) (models.Message, error) {
	if req.Kind == models.MessageGroup {
		return s.sendGroupMessage(ctx, c, req)
	}
	userID := c.UserID()
	if req.RecipientID == userID {
		return models.Message{}, apperr.Wrap(apperr.ErrValidation, "cannot message yourself")
	}

	msg, err := s.resolveMessage(ctx, userID, req)
	if err != nil {
		return models.Message{}, err
	}

	kind := protocol.KindPrivateMessage
	if req.Kind == models.MessagePage {
		kind = protocol.KindPageMessage
	}
	targets := ws.Union(
		s.hub.ConnectionsFor(req.RecipientID),
		s.hub.ConnectionsFor(userID),
		s.hub.RoomMembers(models.ChatRoom(userID, req.RecipientID)),
	)
	s.hub.DeliverKind(except(targets, c.ID()), kind, msg)
	for _, target := range []int{req.RecipientID, userID} {
		s.publish(ctx, bridge.TopicMessages, bridge.Envelope{TargetUserID: target, Event: string(kind), MessageID: msg.ID}, msg)
	}

	s.presence.OnDelivered(ctx, msg)
	return msg, nil
}

func (s *Service) sendGroupMessage(ctx context.Context, c *ws.Client, req *protocol.OutgoingMessage) (models.Message, error) {
	userID := c.UserID()
	if err := s.requireMember(ctx, req.GroupID, userID); err != nil {
		return models.Message{}, err
	}
	msg, err := s.resolveMessage(ctx, userID, req)
	if err != nil {
		return models.Message{}, err
	}

	room := models.GroupRoom(req.GroupID)
	s.hub.DeliverKind(except(s.hub.RoomMembers(room), c.ID()), protocol.KindGroupMessage, msg)
	s.publish(ctx, bridge.TopicMessages, bridge.Envelope{
		TargetRoom: room,
		Event:      string(protocol.KindGroupMessage),
		MessageID:  msg.ID,
	}, msg)
	return msg, nil
}

// resolveMessage loads an already stored message or stores a new one.
func (s *Service) resolveMessage(ctx context.Context, userID int, req *protocol.OutgoingMessage) (models.Message, error) {
	if req.ID > 0 {
		msg, err := s.messages.GetMessage(ctx, req.ID)
		if err != nil {
			return models.Message{}, storeError(err, repositories.ErrMessageNotFound)
		}
		if msg.SenderID != userID {
			return models.Message{}, apperr.Wrap(apperr.ErrUnauthorized, "message %d belongs to another sender", req.ID)
		}
		if req.Kind == models.MessageGroup && (msg.GroupID == nil || *msg.GroupID != req.GroupID) {
			return models.Message{}, apperr.Wrap(apperr.ErrValidation, "message %d is not in group %d", req.ID, req.GroupID)
		}
		if req.Kind != models.MessageGroup && (msg.RecipientID == nil || *msg.RecipientID != req.RecipientID) {
			return models.Message{}, apperr.Wrap(apperr.ErrValidation, "message %d is not addressed to user %d", req.ID, req.RecipientID)
		}
		return msg, nil
	}

	msg := models.Message{SenderID: userID, Kind: req.Kind, Body: req.Body}
	if req.Kind == models.MessageGroup {
		groupID := req.GroupID
		msg.GroupID = &groupID
	} else {
		chat, err := s.chats.CreateOrGetChat(ctx, userID, req.RecipientID)
		if err != nil {
			return models.Message{}, storeError(err, repositories.ErrChatNotFound)
		}
		recipientID := req.RecipientID
		msg.ChatID = &chat.ID
		msg.RecipientID = &recipientID
	}
	stored, err := s.messages.CreateMessage(ctx, msg)
	if err != nil {
		return models.Message{}, apperr.WithCause(apperr.ErrUnavailable, err)
	}
	return stored, nil
}

func (s *Service) typing(ctx context.Context, c *ws.Client, req *protocol.Typing) error {
	userID := c.UserID()
	event := protocol.EventTyping
	if req.Stop {
		event = protocol.EventStopTyping
	}
	data := protocol.TypingEvent{UserID: userID, TargetID: req.TargetID, IsGroup: req.IsGroup, Typing: !req.Stop}

	if !req.IsGroup {
		s.hub.SendToUser(req.TargetID, event, data)
		s.publish(ctx, bridge.TopicMessages, bridge.Envelope{TargetUserID: req.TargetID, Event: event}, data)
		return nil
	}
	if err := s.requireMember(ctx, req.TargetID, userID); err != nil {
		return err
	}
	room := models.GroupRoom(req.TargetID)
	s.hub.SendToRoom(room, c.ID(), event, data)
	s.publish(ctx, bridge.TopicMessages, bridge.Envelope{TargetRoom: room, Event: event}, data)
	return nil
}

func (s *Service) requireMember(ctx context.Context, groupID, userID int) error {
	ok, err := s.groups.IsMember(ctx, groupID, userID)
	if err != nil {
		return apperr.WithCause(apperr.ErrUnavailable, err)
	}
	if !ok {
		return apperr.Wrap(apperr.ErrUnauthorized, "not a member of group %d", groupID)
	}
	return nil
}

func except(clients []*ws.Client, connID string) []*ws.Client {
	out := clients[:0:0]
	for _, c := range clients {
		if c.ID() != connID {
			out = append(out, c)
		}
	}
	return out
}
