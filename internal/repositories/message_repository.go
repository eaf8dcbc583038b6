package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"relay-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, chat_id, sender_id, recipient_id, group_id, kind, body, seen, seen_at, created_at`

// MessageRepository defines interactions for relayed messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	MarkSeen(ctx context.Context, messageID int, at time.Time) error
	MarkConversationSeen(ctx context.Context, viewerID int, partnerID int, at time.Time) (lastID int, count int, err error)
	UnseenCount(ctx context.Context, userID int) (int, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage stores a private, page or group message.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	var out models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (chat_id, sender_id, recipient_id, group_id, kind, body)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+messageColumns,
		msg.ChatID, msg.SenderID, msg.RecipientID, msg.GroupID, msg.Kind, msg.Body).StructScan(&out)
	return out, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// MarkSeen flags one message as seen. Already seen messages keep their original timestamp.
func (r *MessageRepo) MarkSeen(ctx context.Context, messageID int, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET seen=TRUE, seen_at=COALESCE(seen_at, $2) WHERE id=$1`, messageID, at)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MarkConversationSeen marks everything partnerID sent to viewerID as seen and
// returns the newest affected id together with the number of rows changed.
func (r *MessageRepo) MarkConversationSeen(ctx context.Context, viewerID int, partnerID int, at time.Time) (int, int, error) {
	var ids []int
	err := r.db.SelectContext(ctx, &ids, `UPDATE messages SET seen=TRUE, seen_at=$3
        WHERE recipient_id=$1 AND sender_id=$2 AND group_id IS NULL AND seen=FALSE
        RETURNING id`, viewerID, partnerID, at)
	if err != nil {
		return 0, 0, err
	}
	last := 0
	for _, id := range ids {
		if id > last {
			last = id
		}
	}
	return last, len(ids), nil
}

// UnseenCount counts direct messages addressed to userID that were not seen yet.
func (r *MessageRepo) UnseenCount(ctx context.Context, userID int) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages WHERE recipient_id=$1 AND group_id IS NULL AND seen=FALSE`, userID)
	return count, err
}
