package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"relay-service/internal/models"
)

var (
	ErrCallNotFound     = errors.New("call not found")
	ErrCallExists       = errors.New("call room already exists")
	ErrCallStateChanged = errors.New("call state changed concurrently")
)

const callColumns = `id, room_name, initiator_id, participant_id, group_id, call_type, state, offer, answer,
        end_reason, duration_seconds, created_at, accepted_at, ended_at`

// CallRepository persists call lifecycle records.
type CallRepository interface {
	CreateCall(ctx context.Context, call models.Call) (models.Call, error)
	GetCall(ctx context.Context, roomName string) (models.Call, error)
	UpdateCallState(ctx context.Context, roomName string, from []models.CallState, update models.CallUpdate) (models.Call, error)
	ListRingingBefore(ctx context.Context, cutoff time.Time) ([]models.Call, error)
}

// CallRepo is a sqlx implementation of CallRepository.
type CallRepo struct {
	db *sqlx.DB
}

// NewCallRepo constructs a CallRepo.
func NewCallRepo(db *sqlx.DB) *CallRepo {
	return &CallRepo{db: db}
}

// CreateCall inserts a new call. Room names are unique.
func (r *CallRepo) CreateCall(ctx context.Context, call models.Call) (models.Call, error) {
	var out models.Call
	err := r.db.QueryRowxContext(ctx, `INSERT INTO calls (room_name, initiator_id, participant_id, group_id, call_type, state, offer)
        VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+callColumns,
		call.RoomName, call.InitiatorID, call.ParticipantID, call.GroupID, call.Type, call.State, call.Offer).StructScan(&out)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return models.Call{}, ErrCallExists
		}
		return models.Call{}, fmt.Errorf("create call: %w", err)
	}
	return out, nil
}

// GetCall fetches a call by room name.
func (r *CallRepo) GetCall(ctx context.Context, roomName string) (models.Call, error) {
	var call models.Call
	err := r.db.GetContext(ctx, &call, `SELECT `+callColumns+` FROM calls WHERE room_name=$1`, roomName)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Call{}, ErrCallNotFound
	}
	return call, err
}

// UpdateCallState applies a transition only while the stored state is one of from.
// A lost race returns ErrCallStateChanged and leaves the row untouched.
func (r *CallRepo) UpdateCallState(ctx context.Context, roomName string, from []models.CallState, update models.CallUpdate) (models.Call, error) {
	states := make([]string, 0, len(from))
	for _, s := range from {
		states = append(states, string(s))
	}
	var call models.Call
	err := r.db.QueryRowxContext(ctx, `UPDATE calls SET
            state=$2,
            accepted_at=COALESCE($3, accepted_at),
            ended_at=COALESCE($4, ended_at),
            answer=CASE WHEN $5 = '' THEN answer ELSE $5 END,
            end_reason=CASE WHEN $6 = '' THEN end_reason ELSE $6 END,
            duration_seconds=$7
        WHERE room_name=$1 AND state = ANY($8)
        RETURNING `+callColumns,
		roomName, update.State, update.AcceptedAt, update.EndedAt, update.Answer, update.EndReason, update.DurationSeconds, pq.Array(states)).
		StructScan(&call)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetCall(ctx, roomName); errors.Is(getErr, ErrCallNotFound) {
			return models.Call{}, ErrCallNotFound
		}
		return models.Call{}, ErrCallStateChanged
	}
	if err != nil {
		return models.Call{}, fmt.Errorf("update call: %w", err)
	}
	return call, nil
}

// ListRingingBefore returns calls still ringing that were created before cutoff.
func (r *CallRepo) ListRingingBefore(ctx context.Context, cutoff time.Time) ([]models.Call, error) {
	var calls []models.Call
	err := r.db.SelectContext(ctx, &calls, `SELECT `+callColumns+` FROM calls WHERE state='ringing' AND created_at < $1 ORDER BY created_at`, cutoff)
	return calls, err
}
