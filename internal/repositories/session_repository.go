package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"relay-service/internal/models"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionRepository resolves session credentials to users.
type SessionRepository interface {
	GetSession(ctx context.Context, credential string) (models.Session, error)
	UpdateLastSeen(ctx context.Context, userID int, at time.Time) error
}

// SessionRepo is a sqlx implementation of SessionRepository.
type SessionRepo struct {
	db *sqlx.DB
}

// NewSessionRepo constructs a SessionRepo.
func NewSessionRepo(db *sqlx.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// GetSession loads the session together with the owning user's status flags.
func (r *SessionRepo) GetSession(ctx context.Context, credential string) (models.Session, error) {
	var s models.Session
	err := r.db.GetContext(ctx, &s, `SELECT s.credential, s.user_id, u.is_active, u.is_visible, s.expires_at
        FROM sessions s JOIN users u ON u.id = s.user_id
        WHERE s.credential=$1`, credential)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrSessionNotFound
	}
	return s, err
}

// UpdateLastSeen stores when the user's last connection went away.
func (r *SessionRepo) UpdateLastSeen(ctx context.Context, userID int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_seen_at=$2 WHERE id=$1`, userID, at)
	return err
}
