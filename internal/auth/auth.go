// Package auth resolves session credentials to users.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"relay-service/internal/apperr"
	"relay-service/internal/models"
	"relay-service/internal/repositories"
)

// Authenticator validates session credentials against the session store.
type Authenticator struct {
	sessions repositories.SessionRepository
	now      func() time.Time
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(sessions repositories.SessionRepository) *Authenticator {
	return &Authenticator{sessions: sessions, now: time.Now}
}

// Authenticate accepts a bare credential or an "Authorization: Bearer" value.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (models.Session, error) {
	credential = strings.TrimSpace(credential)
	if len(credential) >= 6 && strings.EqualFold(credential[:6], "bearer") {
		rest := credential[6:]
		if rest == "" || rest[0] == ' ' || rest[0] == '\t' {
			credential = strings.TrimSpace(rest)
		}
	}
	if credential == "" {
		return models.Session{}, apperr.ErrInvalidCredential
	}

	session, err := a.sessions.GetSession(ctx, credential)
	if errors.Is(err, repositories.ErrSessionNotFound) {
		return models.Session{}, apperr.ErrInvalidCredential
	}
	if err != nil {
		return models.Session{}, apperr.WithCause(apperr.ErrUnavailable, err)
	}
	if session.Expired(a.now()) {
		return models.Session{}, apperr.Wrap(apperr.ErrInvalidCredential, "session expired")
	}
	if !session.Active {
		return models.Session{}, apperr.ErrUserInactive
	}
	return session, nil
}
