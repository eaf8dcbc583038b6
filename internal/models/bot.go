package models

import (
	"encoding/json"
	"time"
)

// Bot is an automated account that connects with its own token.
type Bot struct {
	ID         int    `db:"id" json:"id"`
	OwnerID    int    `db:"owner_id" json:"owner_id"`
	Username   string `db:"username" json:"username"`
	Token      string `db:"token" json:"-"`
	Active     bool   `db:"is_active" json:"is_active"`
	UsageCount int    `db:"usage_count" json:"usage_count"`
}

// BotDirection tells who wrote a bot message.
type BotDirection string

const (
	BotInbound  BotDirection = "inbound"
	BotOutbound BotDirection = "outbound"
)

// BotMessageKind describes the body of a bot message.
type BotMessageKind string

const (
	BotKindMessage  BotMessageKind = "message"
	BotKindCommand  BotMessageKind = "command"
	BotKindCallback BotMessageKind = "callback"
	BotKindPoll     BotMessageKind = "poll"
)

// BotMessage is a message exchanged between a user and a bot.
type BotMessage struct {
	ID        int             `db:"id" json:"id"`
	BotID     int             `db:"bot_id" json:"bot_id"`
	UserID    int             `db:"user_id" json:"user_id"`
	Direction BotDirection    `db:"direction" json:"direction"`
	Kind      BotMessageKind  `db:"kind" json:"kind"`
	Text      string          `db:"text" json:"text"`
	Markup    json.RawMessage `db:"markup" json:"markup,omitempty"`
	Processed bool            `db:"processed" json:"processed"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// CallbackQuery is a user press on an inline button rendered by a bot.
type CallbackQuery struct {
	ID         int       `db:"id" json:"id"`
	BotID      int       `db:"bot_id" json:"bot_id"`
	UserID     int       `db:"user_id" json:"user_id"`
	MessageID  int       `db:"message_id" json:"message_id"`
	Data       string    `db:"data" json:"data"`
	Answered   bool      `db:"answered" json:"answered"`
	AnswerText string    `db:"answer_text" json:"answer_text,omitempty"`
	ShowAlert  bool      `db:"show_alert" json:"show_alert"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
