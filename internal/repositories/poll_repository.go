package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"relay-service/internal/models"
)

var ErrPollNotFound = errors.New("poll not found")

const pollColumns = `id, bot_id, message_id, question, is_anonymous, multiple_answers, is_closed, total_votes`

// PollRepository persists polls and votes.
type PollRepository interface {
	CreatePoll(ctx context.Context, poll models.Poll) (models.Poll, error)
	GetPoll(ctx context.Context, pollID int) (models.Poll, error)
	RecordPollVote(ctx context.Context, pollID int, userID int, option int) (models.Poll, error)
	ListPollVotes(ctx context.Context, pollID int) ([]models.PollVote, error)
}

// PollRepo is a sqlx implementation of PollRepository.
type PollRepo struct {
	db *sqlx.DB
}

// NewPollRepo constructs a PollRepo.
func NewPollRepo(db *sqlx.DB) *PollRepo {
	return &PollRepo{db: db}
}

// CreatePoll stores the poll and its options atomically.
func (r *PollRepo) CreatePoll(ctx context.Context, poll models.Poll) (models.Poll, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Poll{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var out models.Poll
	if err = tx.QueryRowxContext(ctx, `INSERT INTO polls (bot_id, message_id, question, is_anonymous, multiple_answers)
        VALUES ($1, $2, $3, $4, $5) RETURNING `+pollColumns,
		poll.BotID, poll.MessageID, poll.Question, poll.Anonymous, poll.MultipleAnswers).StructScan(&out); err != nil {
		return models.Poll{}, fmt.Errorf("create poll: %w", err)
	}
	for i, opt := range poll.Options {
		if _, err = tx.ExecContext(ctx, `INSERT INTO poll_options (poll_id, option_index, text) VALUES ($1, $2, $3)`, out.ID, i, opt.Text); err != nil {
			return models.Poll{}, fmt.Errorf("create poll option: %w", err)
		}
		out.Options = append(out.Options, models.PollOption{PollID: out.ID, Index: i, Text: opt.Text})
	}
	if err = tx.Commit(); err != nil {
		return models.Poll{}, err
	}
	return out, nil
}

// GetPoll fetches a poll with its options.
func (r *PollRepo) GetPoll(ctx context.Context, pollID int) (models.Poll, error) {
	return getPoll(ctx, r.db, pollID, false)
}

// RecordPollVote validates and stores a vote. The poll row is locked for the
// duration of the transaction so concurrent votes on one poll serialize.
func (r *PollRepo) RecordPollVote(ctx context.Context, pollID int, userID int, option int) (models.Poll, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Poll{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	poll, err := getPoll(ctx, tx, pollID, true)
	if err != nil {
		return models.Poll{}, err
	}

	var previous []int
	if err = tx.SelectContext(ctx, &previous, `SELECT option_index FROM poll_votes WHERE poll_id=$1 AND user_id=$2`, pollID, userID); err != nil {
		return models.Poll{}, err
	}
	if err = models.ValidateVote(poll, previous, option); err != nil {
		return models.Poll{}, err
	}

	if _, err = tx.ExecContext(ctx, `INSERT INTO poll_votes (poll_id, user_id, option_index) VALUES ($1, $2, $3)`, pollID, userID, option); err != nil {
		return models.Poll{}, fmt.Errorf("insert vote: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE poll_options SET votes = votes + 1 WHERE poll_id=$1 AND option_index=$2`, pollID, option); err != nil {
		return models.Poll{}, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE polls SET total_votes = total_votes + 1 WHERE id=$1`, pollID); err != nil {
		return models.Poll{}, err
	}

	poll.TotalVotes++
	for i := range poll.Options {
		if poll.Options[i].Index == option {
			poll.Options[i].Votes++
		}
	}
	if err = tx.Commit(); err != nil {
		return models.Poll{}, err
	}
	return poll, nil
}

// ListPollVotes returns every vote of a poll.
func (r *PollRepo) ListPollVotes(ctx context.Context, pollID int) ([]models.PollVote, error) {
	var votes []models.PollVote
	err := r.db.SelectContext(ctx, &votes, `SELECT poll_id, user_id, option_index, created_at FROM poll_votes WHERE poll_id=$1 ORDER BY created_at`, pollID)
	return votes, err
}

func getPoll(ctx context.Context, q sqlx.QueryerContext, pollID int, lock bool) (models.Poll, error) {
	query := `SELECT ` + pollColumns + ` FROM polls WHERE id=$1`
	if lock {
		query += ` FOR UPDATE`
	}
	var poll models.Poll
	err := sqlx.GetContext(ctx, q, &poll, query, pollID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Poll{}, ErrPollNotFound
	}
	if err != nil {
		return models.Poll{}, err
	}
	if err := sqlx.SelectContext(ctx, q, &poll.Options, `SELECT poll_id, option_index, text, votes FROM poll_options WHERE poll_id=$1 ORDER BY option_index`, pollID); err != nil {
		return models.Poll{}, err
	}
	return poll, nil
}
