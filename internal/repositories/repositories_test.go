package repositories

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-service/internal/apperr"
	"relay-service/internal/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "postgres"), mock
}

var callCols = []string{"id", "room_name", "initiator_id", "participant_id", "group_id", "call_type", "state", "offer", "answer",
	"end_reason", "duration_seconds", "created_at", "accepted_at", "ended_at"}

func TestCallRepoCreateCallDuplicateRoom(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallRepo(db)

	mock.ExpectQuery("INSERT INTO calls").WillReturnError(&pq.Error{Code: "23505"})

	_, err := repo.CreateCall(context.Background(), models.Call{RoomName: "r1", InitiatorID: 1, State: models.CallRinging, Type: models.CallAudio})
	assert.ErrorIs(t, err, ErrCallExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCallRepoUpdateCallState(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallRepo(db)
	now := time.Now()
	participant := 2

	mock.ExpectQuery("UPDATE calls SET").
		WithArgs("r1", models.CallConnected, sqlmock.AnyArg(), sqlmock.AnyArg(), "sdp-answer", "", 0, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(callCols).
			AddRow(1, "r1", 1, participant, nil, "video", "connected", "sdp-offer", "sdp-answer", "", 0, now, now, nil))

	call, err := repo.UpdateCallState(context.Background(), "r1", []models.CallState{models.CallRinging}, models.CallUpdate{
		State:      models.CallConnected,
		AcceptedAt: &now,
		Answer:     "sdp-answer",
	})
	require.NoError(t, err)
	assert.Equal(t, models.CallConnected, call.State)
	assert.Equal(t, models.CallVideo, call.Type)
	require.NotNil(t, call.ParticipantID)
	assert.Equal(t, 2, *call.ParticipantID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCallRepoUpdateCallStateLostRace(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallRepo(db)
	now := time.Now()

	mock.ExpectQuery("UPDATE calls SET").WillReturnRows(sqlmock.NewRows(callCols))
	mock.ExpectQuery("SELECT (.+) FROM calls WHERE room_name").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(callCols).
			AddRow(1, "r1", 1, 2, nil, "audio", "connected", "", "", "", 0, now, now, nil))

	_, err := repo.UpdateCallState(context.Background(), "r1", []models.CallState{models.CallRinging}, models.CallUpdate{State: models.CallConnected})
	assert.ErrorIs(t, err, ErrCallStateChanged)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCallRepoUpdateCallStateMissingRoom(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallRepo(db)

	mock.ExpectQuery("UPDATE calls SET").WillReturnRows(sqlmock.NewRows(callCols))
	mock.ExpectQuery("SELECT (.+) FROM calls WHERE room_name").WillReturnError(sql.ErrNoRows)

	_, err := repo.UpdateCallState(context.Background(), "nope", []models.CallState{models.CallRinging}, models.CallUpdate{State: models.CallEnded})
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestMessageRepoMarkConversationSeen(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectQuery("UPDATE messages SET seen=TRUE").
		WithArgs(5, 7, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4).AddRow(9))

	last, count, err := repo.MarkConversationSeen(context.Background(), 5, 7, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 9, last)
	assert.Equal(t, 2, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepoMarkSeenMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectExec("UPDATE messages SET seen=TRUE").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkSeen(context.Background(), 42, time.Now())
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestSessionRepoGetSession(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepo(db)

	mock.ExpectQuery("SELECT (.+) FROM sessions s JOIN users u").
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"credential", "user_id", "is_active", "is_visible", "expires_at"}).
			AddRow("tok", 11, true, false, nil))
	mock.ExpectQuery("SELECT (.+) FROM sessions s JOIN users u").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	s, err := repo.GetSession(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 11, s.UserID)
	assert.True(t, s.Active)
	assert.False(t, s.Visible)
	assert.Nil(t, s.ExpiresAt)

	_, err = repo.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestBotRepoMarkProcessedExpandsIDs(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBotRepo(db)

	mock.ExpectExec(`UPDATE bot_messages SET processed=TRUE WHERE id IN \(\$1, \$2\)`).
		WithArgs(3, 4).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.MarkProcessed(context.Background(), []int{3, 4}))
	require.NoError(t, repo.MarkProcessed(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBotRepoAnswerCallbackQueryOnce(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBotRepo(db)

	mock.ExpectQuery("UPDATE callback_queries SET answered=TRUE").
		WithArgs(8, 2, "done", true).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.AnswerCallbackQuery(context.Background(), 2, 8, "done", true)
	assert.ErrorIs(t, err, ErrCallbackQueryNotFound)
}

func TestBotRepoCreateBotMessagePassesMarkupAsText(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBotRepo(db)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO bot_messages").
		WithArgs(2, 9, models.BotOutbound, models.BotKindMessage, "hi", `{"rows":[]}`, false).
		WillReturnRows(sqlmock.NewRows([]string{"id", "bot_id", "user_id", "direction", "kind", "text", "markup", "processed", "created_at"}).
			AddRow(30, 2, 9, "outbound", "message", "hi", []byte(`{"rows":[]}`), false, now))

	msg, err := repo.CreateBotMessage(context.Background(), models.BotMessage{
		BotID: 2, UserID: 9, Direction: models.BotOutbound, Kind: models.BotKindMessage, Text: "hi", Markup: []byte(`{"rows":[]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 30, msg.ID)
	assert.JSONEq(t, `{"rows":[]}`, string(msg.Markup))
}

var pollCols = []string{"id", "bot_id", "message_id", "question", "is_anonymous", "multiple_answers", "is_closed", "total_votes"}
var optionCols = []string{"poll_id", "option_index", "text", "votes"}

func expectPollLoad(mock sqlmock.Sqlmock, multiple bool) {
	mock.ExpectQuery("SELECT (.+) FROM polls WHERE id=(.+) FOR UPDATE").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows(pollCols).AddRow(7, 2, 70, "lunch?", false, multiple, false, 1))
	mock.ExpectQuery("SELECT (.+) FROM poll_options").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows(optionCols).AddRow(7, 0, "pizza", 1).AddRow(7, 1, "sushi", 0))
}

func TestPollRepoRecordPollVoteAlreadyVoted(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPollRepo(db)

	mock.ExpectBegin()
	expectPollLoad(mock, false)
	mock.ExpectQuery("SELECT option_index FROM poll_votes").
		WithArgs(7, 10).
		WillReturnRows(sqlmock.NewRows([]string{"option_index"}).AddRow(0))
	mock.ExpectRollback()

	_, err := repo.RecordPollVote(context.Background(), 7, 10, 1)
	assert.True(t, errors.Is(err, apperr.ErrAlreadyVoted))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPollRepoRecordPollVote(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPollRepo(db)

	mock.ExpectBegin()
	expectPollLoad(mock, false)
	mock.ExpectQuery("SELECT option_index FROM poll_votes").
		WithArgs(7, 11).
		WillReturnRows(sqlmock.NewRows([]string{"option_index"}))
	mock.ExpectExec("INSERT INTO poll_votes").WithArgs(7, 11, 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE poll_options SET votes").WithArgs(7, 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE polls SET total_votes").WithArgs(7).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	poll, err := repo.RecordPollVote(context.Background(), 7, 11, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, poll.TotalVotes)
	assert.Equal(t, 1, poll.Options[1].Votes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepoCreateOrGetChatOrdersPair(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChatRepo(db)

	now := time.Now()
	mock.ExpectQuery("INSERT INTO chats").WithArgs(3, 9).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user1_id", "user2_id", "created_at"}).AddRow(5, 3, 9, now))

	chat, err := repo.CreateOrGetChat(context.Background(), 9, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, chat.ID)
	assert.Equal(t, 3, chat.User1ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepoRejectsSelfChat(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChatRepo(db)

	_, err := repo.CreateOrGetChat(context.Background(), 4, 4)
	assert.ErrorIs(t, err, ErrSelfChat)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepoGetChatMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChatRepo(db)

	mock.ExpectQuery("SELECT id, user1_id, user2_id, created_at FROM chats").WithArgs(77).WillReturnError(sql.ErrNoRows)

	_, err := repo.GetChat(context.Background(), 77)
	assert.ErrorIs(t, err, ErrChatNotFound)
}
