package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"relay-service/internal/apperr"
	"relay-service/internal/models"
)

// Payload is a decoded, validated inbound event body.
type Payload interface {
	Validate() error
}

var inbound = map[string]func() Payload{
	EventJoin:       func() Payload { return &JoinRequest{} },
	EventIsChatOn:   func() Payload { return &ChatPresence{Open: true} },
	EventIsChatOff:  func() Payload { return &ChatPresence{} },
	EventPrivateMsg: func() Payload { return &OutgoingMessage{Kind: models.MessagePrivate} },
	EventGroupMsg:   func() Payload { return &OutgoingMessage{Kind: models.MessageGroup} },
	EventPageMsg:    func() Payload { return &OutgoingMessage{Kind: models.MessagePage} },
	EventTyping:     func() Payload { return &Typing{} },
	EventStopTyping: func() Payload { return &Typing{Stop: true} },
	EventPing:       func() Payload { return &Ping{} },

	EventCallInitiate:    func() Payload { return &CallInitiate{} },
	EventCallAccept:      func() Payload { return &CallAccept{} },
	EventCallReject:      func() Payload { return &CallReject{} },
	EventCallEnd:         func() Payload { return &CallEnd{} },
	EventCallJoinRoom:    func() Payload { return &CallRoomRequest{} },
	EventCallLeaveRoom:   func() Payload { return &CallRoomRequest{Leave: true} },
	EventCallToggleMedia: func() Payload { return &ToggleMedia{} },
	EventIceCandidate:    func() Payload { return &IceCandidate{} },

	EventChannelSubscribe:    func() Payload { return &ChannelSubscription{Subscribe: true} },
	EventChannelUnsubscribe:  func() Payload { return &ChannelSubscription{} },
	EventChannelNewPost:      func() Payload { return &ChannelPostEvent{Action: EventChannelNewPost} },
	EventChannelPostUpdated:  func() Payload { return &ChannelPostEvent{Action: EventChannelPostUpdated} },
	EventChannelPostDeleted:  func() Payload { return &ChannelPostEvent{Action: EventChannelPostDeleted} },
	EventChannelPostReaction: func() Payload { return &ChannelPostEvent{Action: EventChannelPostReaction} },

	EventStorySubscribe: func() Payload { return &StorySubscription{} },
	EventStoryNew:       func() Payload { return &StoryNew{} },
	EventStoryView:      func() Payload { return &StoryInteraction{} },
	EventStoryReaction:  func() Payload { return &StoryInteraction{Reaction: true} },

	EventBotAuth:          func() Payload { return &BotAuth{} },
	EventBotMessage:       func() Payload { return &BotOutgoing{} },
	EventBotTyping:        func() Payload { return &BotTyping{} },
	EventCallbackAnswer:   func() Payload { return &CallbackAnswer{} },
	EventUpdateMarkup:     func() Payload { return &UpdateMarkup{} },
	EventBotGetUpdates:    func() Payload { return &BotGetUpdates{} },
	EventSubscribeBot:     func() Payload { return &BotSubscription{Subscribe: true} },
	EventUnsubscribeBot:   func() Payload { return &BotSubscription{} },
	EventUserToBot:        func() Payload { return &UserToBot{} },
	EventBotCallbackQuery: func() Payload { return &BotCallbackQuery{} },
	EventBotPollVote:      func() Payload { return &BotPollVote{} },
}

// Decode resolves the payload type for the frame's event, unmarshals and validates it.
func Decode(f Frame) (Payload, error) {
	ctor, ok := inbound[f.Event]
	if !ok {
		return nil, apperr.Wrap(apperr.ErrUnknownEvent, "unknown event %q", f.Event)
	}
	p := ctor()
	data := bytes.TrimSpace(f.Data)
	if len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, apperr.Wrap(apperr.ErrValidation, "malformed %s payload: %v", f.Event, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Known reports whether event has a registered payload type.
func Known(event string) bool {
	_, ok := inbound[event]
	return ok
}

func required(field string) error {
	return apperr.Wrap(apperr.ErrValidation, "%s is required", field)
}

// JoinRequest authenticates a connection and names the rooms it wants.
type JoinRequest struct {
	SessionCredential string `json:"session_credential"`
	RecipientIDs      []int  `json:"recipient_ids"`
	RecipientGroupIDs []int  `json:"recipient_group_ids"`
	Protocol          int    `json:"protocol"`
}

func (j *JoinRequest) Validate() error {
	if !Version(j.Protocol).Valid() {
		return apperr.Wrap(apperr.ErrValidation, "unsupported protocol %d", j.Protocol)
	}
	return nil
}

// ChatPresence opens or closes a conversation on the viewer's device.
type ChatPresence struct {
	ViewerID int  `json:"viewer_id"`
	TargetID int  `json:"target_id"`
	IsGroup  bool `json:"is_group"`
	Open     bool `json:"-"`
}

func (c *ChatPresence) Validate() error {
	if c.TargetID <= 0 {
		return required("target_id")
	}
	return nil
}

// OutgoingMessage is a message sent by a client. A zero ID asks the relay to persist it.
type OutgoingMessage struct {
	ID          int                `json:"id"`
	RecipientID int                `json:"recipient_id"`
	GroupID     int                `json:"group_id"`
	Body        string             `json:"body"`
	Kind        models.MessageKind `json:"-"`
}

func (m *OutgoingMessage) Validate() error {
	if m.Kind == models.MessageGroup {
		if m.GroupID <= 0 {
			return required("group_id")
		}
	} else if m.RecipientID <= 0 {
		return required("recipient_id")
	}
	if m.ID == 0 && strings.TrimSpace(m.Body) == "" {
		return required("body")
	}
	return nil
}

// Typing starts or stops a typing indicator.
type Typing struct {
	TargetID int  `json:"target_id"`
	IsGroup  bool `json:"is_group"`
	Stop     bool `json:"-"`
}

func (t *Typing) Validate() error {
	if t.TargetID <= 0 {
		return required("target_id")
	}
	return nil
}

type Ping struct{}

func (*Ping) Validate() error { return nil }

// CallInitiate starts a 1:1 call when RecipientID is set or a group call when GroupID is set.
type CallInitiate struct {
	RoomName    string          `json:"room_name"`
	RecipientID int             `json:"recipient_id"`
	GroupID     int             `json:"group_id"`
	CallType    models.CallType `json:"call_type"`
	Offer       json.RawMessage `json:"offer"`
}

func (c *CallInitiate) Validate() error {
	if (c.RecipientID > 0) == (c.GroupID > 0) {
		return apperr.Wrap(apperr.ErrValidation, "exactly one of recipient_id or group_id is required")
	}
	if c.CallType == "" {
		c.CallType = models.CallAudio
	}
	if !c.CallType.Valid() {
		return apperr.Wrap(apperr.ErrValidation, "unknown call_type %q", c.CallType)
	}
	return nil
}

type CallAccept struct {
	RoomName string          `json:"room_name"`
	Answer   json.RawMessage `json:"answer"`
}

func (c *CallAccept) Validate() error {
	if c.RoomName == "" {
		return required("room_name")
	}
	return nil
}

type CallReject struct {
	RoomName string `json:"room_name"`
}

func (c *CallReject) Validate() error {
	if c.RoomName == "" {
		return required("room_name")
	}
	return nil
}

type CallEnd struct {
	RoomName string `json:"room_name"`
	Reason   string `json:"reason"`
}

func (c *CallEnd) Validate() error {
	if c.RoomName == "" {
		return required("room_name")
	}
	return nil
}

// CallRoomRequest joins or leaves a group call room.
type CallRoomRequest struct {
	RoomName string `json:"room_name"`
	Leave    bool   `json:"-"`
}

func (c *CallRoomRequest) Validate() error {
	if c.RoomName == "" {
		return required("room_name")
	}
	return nil
}

type ToggleMedia struct {
	RoomName string `json:"room_name"`
	Kind     string `json:"kind"`
	Enabled  bool   `json:"enabled"`
}

func (t *ToggleMedia) Validate() error {
	if t.RoomName == "" {
		return required("room_name")
	}
	switch t.Kind {
	case "audio", "video", "screen":
		return nil
	}
	return apperr.Wrap(apperr.ErrValidation, "unknown media kind %q", t.Kind)
}

// IceCandidate is routed to TargetUserID, or to the whole call room when it is zero.
type IceCandidate struct {
	RoomName     string          `json:"room_name"`
	TargetUserID int             `json:"target_user_id"`
	Candidate    json.RawMessage `json:"candidate"`
}

func (c *IceCandidate) Validate() error {
	if c.RoomName == "" {
		return required("room_name")
	}
	if len(c.Candidate) == 0 {
		return required("candidate")
	}
	return nil
}

type ChannelSubscription struct {
	ChannelID int  `json:"channel_id"`
	Subscribe bool `json:"-"`
}

func (c *ChannelSubscription) Validate() error {
	if c.ChannelID <= 0 {
		return required("channel_id")
	}
	return nil
}

// ChannelPostEvent is relayed to the channel room under the event it arrived with.
type ChannelPostEvent struct {
	ChannelID int             `json:"channel_id"`
	PostID    int             `json:"post_id"`
	Post      json.RawMessage `json:"post,omitempty"`
	Reaction  string          `json:"reaction,omitempty"`
	Action    string          `json:"-"`
}

func (c *ChannelPostEvent) Validate() error {
	if c.ChannelID <= 0 {
		return required("channel_id")
	}
	if c.PostID <= 0 {
		return required("post_id")
	}
	return nil
}

type StorySubscription struct {
	OwnerID int `json:"owner_id"`
}

func (s *StorySubscription) Validate() error {
	if s.OwnerID <= 0 {
		return required("owner_id")
	}
	return nil
}

// StoryNew announces a story posted by the sending user.
type StoryNew struct {
	StoryID int             `json:"story_id"`
	Story   json.RawMessage `json:"story,omitempty"`
}

func (s *StoryNew) Validate() error {
	if s.StoryID <= 0 {
		return required("story_id")
	}
	return nil
}

// StoryInteraction is a view or, with Reaction set, a reaction on someone's story.
type StoryInteraction struct {
	StoryID  int    `json:"story_id"`
	OwnerID  int    `json:"owner_id"`
	Emoji    string `json:"emoji,omitempty"`
	Reaction bool   `json:"-"`
}

func (s *StoryInteraction) Validate() error {
	if s.StoryID <= 0 {
		return required("story_id")
	}
	if s.OwnerID <= 0 {
		return required("owner_id")
	}
	if s.Reaction && s.Emoji == "" {
		return required("emoji")
	}
	return nil
}

type BotAuth struct {
	Token string `json:"token"`
}

func (b *BotAuth) Validate() error {
	if strings.TrimSpace(b.Token) == "" {
		return required("token")
	}
	return nil
}

// PollSpec attaches a poll to an outgoing bot message.
type PollSpec struct {
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	Anonymous       bool     `json:"is_anonymous"`
	MultipleAnswers bool     `json:"multiple_answers"`
}

// BotOutgoing is a message a bot sends to a user.
type BotOutgoing struct {
	UserID int             `json:"user_id"`
	Text   string          `json:"text"`
	Markup json.RawMessage `json:"markup,omitempty"`
	Poll   *PollSpec       `json:"poll,omitempty"`
}

func (b *BotOutgoing) Validate() error {
	if b.UserID <= 0 {
		return required("user_id")
	}
	if b.Poll != nil {
		if strings.TrimSpace(b.Poll.Question) == "" {
			return required("poll.question")
		}
		if len(b.Poll.Options) < 2 {
			return apperr.Wrap(apperr.ErrValidation, "poll needs at least two options")
		}
		return nil
	}
	if strings.TrimSpace(b.Text) == "" {
		return required("text")
	}
	return nil
}

type BotTyping struct {
	UserID int `json:"user_id"`
}

func (b *BotTyping) Validate() error {
	if b.UserID <= 0 {
		return required("user_id")
	}
	return nil
}

type CallbackAnswer struct {
	CallbackQueryID int    `json:"callback_query_id"`
	Text            string `json:"text"`
	ShowAlert       bool   `json:"show_alert"`
}

func (c *CallbackAnswer) Validate() error {
	if c.CallbackQueryID <= 0 {
		return required("callback_query_id")
	}
	return nil
}

type UpdateMarkup struct {
	MessageID int             `json:"message_id"`
	Markup    json.RawMessage `json:"markup"`
}

func (u *UpdateMarkup) Validate() error {
	if u.MessageID <= 0 {
		return required("message_id")
	}
	return nil
}

type BotGetUpdates struct {
	Limit int `json:"limit"`
}

func (b *BotGetUpdates) Validate() error {
	if b.Limit < 0 {
		return apperr.Wrap(apperr.ErrValidation, "limit must not be negative")
	}
	return nil
}

type BotSubscription struct {
	BotID     int  `json:"bot_id"`
	Subscribe bool `json:"-"`
}

func (b *BotSubscription) Validate() error {
	if b.BotID <= 0 {
		return required("bot_id")
	}
	return nil
}

// UserToBot is a plain message or, when Text starts with a slash, a command.
type UserToBot struct {
	BotID int    `json:"bot_id"`
	Text  string `json:"text"`
}

func (u *UserToBot) Validate() error {
	if u.BotID <= 0 {
		return required("bot_id")
	}
	if strings.TrimSpace(u.Text) == "" {
		return required("text")
	}
	return nil
}

// MessageKind classifies the text.
func (u *UserToBot) MessageKind() models.BotMessageKind {
	if strings.HasPrefix(strings.TrimSpace(u.Text), "/") {
		return models.BotKindCommand
	}
	return models.BotKindMessage
}

type BotCallbackQuery struct {
	BotID     int    `json:"bot_id"`
	MessageID int    `json:"message_id"`
	Data      string `json:"data"`
}

func (b *BotCallbackQuery) Validate() error {
	if b.BotID <= 0 {
		return required("bot_id")
	}
	if b.MessageID <= 0 {
		return required("message_id")
	}
	return nil
}

type BotPollVote struct {
	PollID      int `json:"poll_id"`
	OptionIndex int `json:"option_index"`
}

func (b *BotPollVote) Validate() error {
	if b.PollID <= 0 {
		return required("poll_id")
	}
	return nil
}
