package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the caller.
type Kind string

const (
	KindAuth          Kind = "auth"
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindStateConflict Kind = "state_conflict"
	KindNotFound      Kind = "not_found"
	KindUnavailable   Kind = "unavailable"
	KindInternal      Kind = "internal"
)

// Error is the structured error reported back to relay clients.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

var (
	ErrInvalidCredential = New(KindAuth, "InvalidCredential", "invalid session credential")
	ErrUserInactive      = New(KindAuth, "UserInactive", "user is inactive")
	ErrNotAuthenticated  = New(KindAuth, "NotAuthenticated", "connection is not authenticated")
	ErrValidation        = New(KindValidation, "ValidationError", "invalid request")
	ErrUnknownEvent      = New(KindValidation, "UnknownEvent", "unknown event")
	ErrBotInactive       = New(KindValidation, "BotInactive", "bot is inactive")
	ErrUnauthorized      = New(KindAuthorization, "Unauthorized", "not allowed")
	ErrInvalidState      = New(KindStateConflict, "InvalidState", "invalid state transition")
	ErrAlreadyVoted      = New(KindStateConflict, "AlreadyVoted", "already voted")
	ErrAlreadySubscribed = New(KindStateConflict, "AlreadySubscribed", "already subscribed")
	ErrNotFound          = New(KindNotFound, "NotFound", "not found")
	ErrUnavailable       = New(KindUnavailable, "DependencyUnavailable", "dependency unavailable")
	ErrInternal          = New(KindInternal, "Internal", "internal error")
)

// New builds a sentinel error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by code so wrapped details still compare equal to their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of base carrying a more specific message.
func Wrap(base *Error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

// WithCause returns a copy of base that keeps err for logging; err is never serialized.
func WithCause(base *Error, err error) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: base.Message, Err: err}
}

// From converts any error into a structured one. Unknown errors become internal errors.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return WithCause(ErrInternal, err)
}

// KindOf reports the kind of err, or KindInternal for unstructured errors.
func KindOf(err error) Kind {
	if e := From(err); e != nil {
		return e.Kind
	}
	return ""
}
