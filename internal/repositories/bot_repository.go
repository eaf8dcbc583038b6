package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"relay-service/internal/models"
)

var (
	ErrBotNotFound           = errors.New("bot not found")
	ErrBotMessageNotFound    = errors.New("bot message not found")
	ErrCallbackQueryNotFound = errors.New("callback query not found")
)

const (
	botColumns        = `id, owner_id, username, token, is_active, usage_count`
	botMessageColumns = `id, bot_id, user_id, direction, kind, text, COALESCE(markup, 'null'::jsonb) AS markup, processed, created_at`
	callbackColumns   = `id, bot_id, user_id, message_id, data, answered, answer_text, show_alert, created_at`
)

// BotRepository persists bots and the traffic routed through them.
type BotRepository interface {
	GetBotByToken(ctx context.Context, token string) (models.Bot, error)
	GetBot(ctx context.Context, botID int) (models.Bot, error)
	IncrementUsage(ctx context.Context, botID int) error
	CreateBotMessage(ctx context.Context, msg models.BotMessage) (models.BotMessage, error)
	GetBotMessage(ctx context.Context, messageID int) (models.BotMessage, error)
	MarkProcessed(ctx context.Context, messageIDs []int) error
	PendingUpdates(ctx context.Context, botID int, limit int) ([]models.BotMessage, error)
	CountPending(ctx context.Context, botID int) (int, error)
	UpdateMarkup(ctx context.Context, botID int, messageID int, markup json.RawMessage) (models.BotMessage, error)
	CreateCallbackQuery(ctx context.Context, q models.CallbackQuery) (models.CallbackQuery, error)
	AnswerCallbackQuery(ctx context.Context, botID int, queryID int, text string, showAlert bool) (models.CallbackQuery, error)
}

// BotRepo is a sqlx implementation of BotRepository.
type BotRepo struct {
	db *sqlx.DB
}

// NewBotRepo constructs a BotRepo.
func NewBotRepo(db *sqlx.DB) *BotRepo {
	return &BotRepo{db: db}
}

// GetBotByToken resolves a bot credential.
func (r *BotRepo) GetBotByToken(ctx context.Context, token string) (models.Bot, error) {
	var bot models.Bot
	err := r.db.GetContext(ctx, &bot, `SELECT `+botColumns+` FROM bots WHERE token=$1`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Bot{}, ErrBotNotFound
	}
	return bot, err
}

// GetBot fetches a bot by id.
func (r *BotRepo) GetBot(ctx context.Context, botID int) (models.Bot, error) {
	var bot models.Bot
	err := r.db.GetContext(ctx, &bot, `SELECT `+botColumns+` FROM bots WHERE id=$1`, botID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Bot{}, ErrBotNotFound
	}
	return bot, err
}

// IncrementUsage bumps the bot usage counter.
func (r *BotRepo) IncrementUsage(ctx context.Context, botID int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE bots SET usage_count = usage_count + 1 WHERE id=$1`, botID)
	return err
}

// CreateBotMessage stores a message in either direction.
func (r *BotRepo) CreateBotMessage(ctx context.Context, msg models.BotMessage) (models.BotMessage, error) {
	var out models.BotMessage
	err := r.db.QueryRowxContext(ctx, `INSERT INTO bot_messages (bot_id, user_id, direction, kind, text, markup, processed)
        VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+botMessageColumns,
		msg.BotID, msg.UserID, msg.Direction, msg.Kind, msg.Text, jsonParam(msg.Markup), msg.Processed).StructScan(&out)
	if err != nil {
		return models.BotMessage{}, fmt.Errorf("create bot message: %w", err)
	}
	return out, nil
}

// GetBotMessage fetches a bot message by id.
func (r *BotRepo) GetBotMessage(ctx context.Context, messageID int) (models.BotMessage, error) {
	var msg models.BotMessage
	err := r.db.GetContext(ctx, &msg, `SELECT `+botMessageColumns+` FROM bot_messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BotMessage{}, ErrBotMessageNotFound
	}
	return msg, err
}

// MarkProcessed flags inbound messages as handed to the bot.
func (r *BotRepo) MarkProcessed(ctx context.Context, messageIDs []int) error {
	if len(messageIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE bot_messages SET processed=TRUE WHERE id IN (?)`, messageIDs)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	return err
}

// PendingUpdates lists unprocessed inbound messages for the bot, oldest first.
func (r *BotRepo) PendingUpdates(ctx context.Context, botID int, limit int) ([]models.BotMessage, error) {
	var msgs []models.BotMessage
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+botMessageColumns+` FROM bot_messages
        WHERE bot_id=$1 AND direction='inbound' AND processed=FALSE
        ORDER BY id LIMIT $2`, botID, limit)
	return msgs, err
}

// CountPending counts unprocessed inbound messages for the bot.
func (r *BotRepo) CountPending(ctx context.Context, botID int) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM bot_messages WHERE bot_id=$1 AND direction='inbound' AND processed=FALSE`, botID)
	return count, err
}

// UpdateMarkup replaces the inline keyboard of a message the bot sent.
func (r *BotRepo) UpdateMarkup(ctx context.Context, botID int, messageID int, markup json.RawMessage) (models.BotMessage, error) {
	var msg models.BotMessage
	err := r.db.QueryRowxContext(ctx, `UPDATE bot_messages SET markup=$3
        WHERE id=$1 AND bot_id=$2 AND direction='outbound'
        RETURNING `+botMessageColumns, messageID, botID, jsonParam(markup)).StructScan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BotMessage{}, ErrBotMessageNotFound
	}
	return msg, err
}

// CreateCallbackQuery records an unanswered button press.
func (r *BotRepo) CreateCallbackQuery(ctx context.Context, q models.CallbackQuery) (models.CallbackQuery, error) {
	var out models.CallbackQuery
	err := r.db.QueryRowxContext(ctx, `INSERT INTO callback_queries (bot_id, user_id, message_id, data)
        VALUES ($1, $2, $3, $4) RETURNING `+callbackColumns, q.BotID, q.UserID, q.MessageID, q.Data).StructScan(&out)
	if err != nil {
		return models.CallbackQuery{}, fmt.Errorf("create callback query: %w", err)
	}
	return out, nil
}

// AnswerCallbackQuery answers a query once. Answered or foreign queries return ErrCallbackQueryNotFound.
func (r *BotRepo) AnswerCallbackQuery(ctx context.Context, botID int, queryID int, text string, showAlert bool) (models.CallbackQuery, error) {
	var out models.CallbackQuery
	err := r.db.QueryRowxContext(ctx, `UPDATE callback_queries SET answered=TRUE, answer_text=$3, show_alert=$4
        WHERE id=$1 AND bot_id=$2 AND answered=FALSE
        RETURNING `+callbackColumns, queryID, botID, text, showAlert).StructScan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CallbackQuery{}, ErrCallbackQueryNotFound
	}
	return out, err
}

// jsonParam passes JSON as text so lib/pq does not send it as bytea.
func jsonParam(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
