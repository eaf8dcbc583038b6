package models

import "time"

// MessageKind distinguishes the conversations a message belongs to.
type MessageKind string

const (
	MessagePrivate MessageKind = "private"
	MessageGroup   MessageKind = "group"
	MessagePage    MessageKind = "page"
)

// Message represents a chat message.
type Message struct {
	ID          int         `db:"id" json:"id"`
	ChatID      *int        `db:"chat_id" json:"chat_id,omitempty"`
	SenderID    int         `db:"sender_id" json:"sender_id"`
	RecipientID *int        `db:"recipient_id" json:"recipient_id,omitempty"`
	GroupID     *int        `db:"group_id" json:"group_id,omitempty"`
	Kind        MessageKind `db:"kind" json:"kind"`
	Body        string      `db:"body" json:"body"`
	Seen        bool        `db:"seen" json:"seen"`
	SeenAt      *time.Time  `db:"seen_at" json:"seen_at,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}
