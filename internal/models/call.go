package models

import "time"

// CallState is a state of the call signaling state machine.
type CallState string

const (
	CallRinging   CallState = "ringing"
	CallConnected CallState = "connected"
	CallEnded     CallState = "ended"
	CallMissed    CallState = "missed"
	CallRejected  CallState = "rejected"
)

// Terminal reports whether no further transition may leave the state.
func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallMissed || s == CallRejected
}

// CallType is the media kind of a call.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

// Call is a persisted call signaling session.
type Call struct {
	ID              int        `db:"id" json:"id"`
	RoomName        string     `db:"room_name" json:"room_name"`
	InitiatorID     int        `db:"initiator_id" json:"initiator_id"`
	ParticipantID   *int       `db:"participant_id" json:"participant_id,omitempty"`
	GroupID         *int       `db:"group_id" json:"group_id,omitempty"`
	Type            CallType   `db:"call_type" json:"call_type"`
	State           CallState  `db:"state" json:"state"`
	Offer           string     `db:"offer" json:"-"`
	Answer          string     `db:"answer" json:"-"`
	EndReason       string     `db:"end_reason" json:"end_reason,omitempty"`
	DurationSeconds int        `db:"duration_seconds" json:"duration_seconds"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	AcceptedAt      *time.Time `db:"accepted_at" json:"accepted_at,omitempty"`
	EndedAt         *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// IsGroup reports whether the call targets a group.
func (c Call) IsGroup() bool {
	return c.GroupID != nil
}

// Involves reports whether userID is the initiator or the 1:1 participant.
func (c Call) Involves(userID int) bool {
	if c.InitiatorID == userID {
		return true
	}
	return c.ParticipantID != nil && *c.ParticipantID == userID
}

// CallUpdate carries the columns written by a state transition.
type CallUpdate struct {
	State           CallState
	AcceptedAt      *time.Time
	EndedAt         *time.Time
	Answer          string
	EndReason       string
	DurationSeconds int
}
