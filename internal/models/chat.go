package models

import "time"

// Chat represents a private chat between exactly two users.
type Chat struct {
	ID        int       `db:"id" json:"id"`
	User1ID   int       `db:"user1_id" json:"user1_id"`
	User2ID   int       `db:"user2_id" json:"user2_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Partner returns the other side of the chat for userID.
func (c Chat) Partner(userID int) int {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// OrderedPair returns the two user ids with the smaller one first, the order chats are stored in.
func OrderedPair(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}

// Session is the stored state behind a session credential.
type Session struct {
	Credential string     `db:"credential" json:"-"`
	UserID     int        `db:"user_id" json:"user_id"`
	Active     bool       `db:"is_active" json:"is_active"`
	Visible    bool       `db:"is_visible" json:"is_visible"`
	ExpiresAt  *time.Time `db:"expires_at" json:"expires_at,omitempty"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}
