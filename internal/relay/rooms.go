package relay

import (
	"context"

	"relay-service/internal/apperr"
	"relay-service/internal/bridge"
	"relay-service/internal/models"
	"relay-service/internal/protocol"
	"relay-service/internal/ws"
)

func (s *Service) channelSubscription(c *ws.Client, req *protocol.ChannelSubscription) error {
	room := models.ChannelRoom(req.ChannelID)
	if req.Subscribe {
		s.hub.Join(c, room)
		return nil
	}
	s.hub.Leave(c, room)
	return nil
}

// channelPost relays post changes from the owner, and reactions from anyone, to subscribers.
func (s *Service) channelPost(ctx context.Context, c *ws.Client, req *protocol.ChannelPostEvent) error {
	userID := c.UserID()
	if req.Action != protocol.EventChannelPostReaction {
		owner, err := s.channels.IsChannelOwner(ctx, req.ChannelID, userID)
		if err != nil {
			return apperr.WithCause(apperr.ErrUnavailable, err)
		}
		if !owner {
			return apperr.Wrap(apperr.ErrUnauthorized, "only the owner posts to channel %d", req.ChannelID)
		}
	}

	room := models.ChannelRoom(req.ChannelID)
	data := protocol.ChannelPost{
		ChannelID: req.ChannelID,
		PostID:    req.PostID,
		AuthorID:  userID,
		Post:      req.Post,
		Reaction:  req.Reaction,
	}
	s.hub.SendToRoom(room, c.ID(), req.Action, data)
	s.publish(ctx, bridge.TopicMessages, bridge.Envelope{TargetRoom: room, Event: req.Action}, data)
	return nil
}

func (s *Service) storyNew(ctx context.Context, c *ws.Client, req *protocol.StoryNew) error {
	userID := c.UserID()
	room := models.StoryRoom(userID)
	data := protocol.StoryEvent{StoryID: req.StoryID, OwnerID: userID, Story: req.Story}
	s.hub.SendToRoom(room, c.ID(), protocol.EventStoryNew, data)
	s.publish(ctx, bridge.TopicMessages, bridge.Envelope{TargetRoom: room, Event: protocol.EventStoryNew}, data)
	return nil
}

// storyInteraction notifies the story owner of a view or reaction. Owners viewing
// their own stories are not notified.
func (s *Service) storyInteraction(ctx context.Context, c *ws.Client, req *protocol.StoryInteraction) error {
	userID := c.UserID()
	if req.OwnerID == userID {
		return nil
	}
	event := protocol.EventStoryViewed
	if req.Reaction {
		event = protocol.EventStoryReaction
	}
	data := protocol.StoryEvent{
		StoryID:  req.StoryID,
		OwnerID:  req.OwnerID,
		UserID:   userID,
		Emoji:    req.Emoji,
		Reaction: req.Reaction,
	}
	s.hub.SendToUser(req.OwnerID, event, data)
	s.publish(ctx, bridge.TopicMessages, bridge.Envelope{TargetUserID: req.OwnerID, Event: event}, data)
	return nil
}
