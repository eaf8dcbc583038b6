package protocol

import (
	"encoding/json"
	"time"

	"relay-service/internal/models"
)

// JoinResult answers a successful join.
type JoinResult struct {
	Status       string `json:"status"`
	UserID       int    `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	Protocol     int    `json:"protocol"`
}

// LastSeen tells a sender that the recipient has seen a message.
type LastSeen struct {
	MessageID int        `json:"message_id"`
	ViewerID  int        `json:"viewer_id"`
	SeenAt    *time.Time `json:"seen_at,omitempty"`
	Label     string     `json:"label"`
}

type MessagesCount struct {
	Count int `json:"count"`
}

type UserPresence struct {
	UserID   int        `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type TypingEvent struct {
	UserID   int  `json:"user_id"`
	TargetID int  `json:"target_id"`
	IsGroup  bool `json:"is_group"`
	Typing   bool `json:"typing"`
}

// IceServer follows the RTCIceServer shape clients hand to their peer connection.
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type CallIncoming struct {
	RoomName   string          `json:"room_name"`
	CallerID   int             `json:"caller_id"`
	GroupID    *int            `json:"group_id,omitempty"`
	CallType   models.CallType `json:"call_type"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	IceServers []IceServer     `json:"ice_servers"`
}

type CallAccepted struct {
	RoomName   string          `json:"room_name"`
	UserID     int             `json:"user_id"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	IceServers []IceServer     `json:"ice_servers"`
}

type CallRejected struct {
	RoomName string `json:"room_name"`
	UserID   int    `json:"user_id"`
}

type CallEnded struct {
	RoomName        string `json:"room_name"`
	EndedBy         int    `json:"ended_by"`
	Reason          string `json:"reason,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
}

type CallMissed struct {
	RoomName string `json:"room_name"`
	CallerID int    `json:"caller_id"`
	Reason   string `json:"reason"`
}

type CallAnsweredElsewhere struct {
	RoomName string `json:"room_name"`
}

type CallParticipant struct {
	RoomName   string      `json:"room_name"`
	UserID     int         `json:"user_id"`
	IceServers []IceServer `json:"ice_servers,omitempty"`
}

type MediaToggled struct {
	RoomName string `json:"room_name"`
	UserID   int    `json:"user_id"`
	Kind     string `json:"kind"`
	Enabled  bool   `json:"enabled"`
}

type IceCandidateEvent struct {
	RoomName   string          `json:"room_name"`
	FromUserID int             `json:"from_user_id"`
	Candidate  json.RawMessage `json:"candidate"`
}

type CallError struct {
	Message  string `json:"message"`
	Code     string `json:"code"`
	RoomName string `json:"room_name,omitempty"`
}

type ChannelPost struct {
	ChannelID int             `json:"channel_id"`
	PostID    int             `json:"post_id"`
	AuthorID  int             `json:"author_id"`
	Post      json.RawMessage `json:"post,omitempty"`
	Reaction  string          `json:"reaction,omitempty"`
}

type StoryEvent struct {
	StoryID  int             `json:"story_id"`
	OwnerID  int             `json:"owner_id"`
	UserID   int             `json:"user_id,omitempty"`
	Emoji    string          `json:"emoji,omitempty"`
	Story    json.RawMessage `json:"story,omitempty"`
	Reaction bool            `json:"reaction,omitempty"`
}

type BotAuthResult struct {
	BotID    int    `json:"bot_id"`
	Username string `json:"username"`
	Pending  int    `json:"pending_updates"`
}

type BotTypingEvent struct {
	BotID int `json:"bot_id"`
}

type CallbackAnswerEvent struct {
	CallbackQueryID int    `json:"callback_query_id"`
	MessageID       int    `json:"message_id"`
	BotID           int    `json:"bot_id"`
	Text            string `json:"text"`
	ShowAlert       bool   `json:"show_alert"`
}

type MarkupUpdated struct {
	MessageID int             `json:"message_id"`
	BotID     int             `json:"bot_id"`
	Markup    json.RawMessage `json:"markup"`
}

// BotDelivery is a bot message as pushed to the user's devices.
type BotDelivery struct {
	Message models.BotMessage `json:"message"`
	Poll    *models.Poll      `json:"poll,omitempty"`
}

type BotUpdates struct {
	Updates []models.BotMessage `json:"updates"`
}
