package db

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect initializes the database connection and runs migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id SERIAL PRIMARY KEY,
            username TEXT NOT NULL UNIQUE,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            is_visible BOOLEAN NOT NULL DEFAULT TRUE,
            last_seen_at TIMESTAMPTZ
        );`,
	`CREATE TABLE IF NOT EXISTS sessions (
            credential TEXT PRIMARY KEY,
            user_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            expires_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS chats (
            id SERIAL PRIMARY KEY,
            user1_id INT NOT NULL,
            user2_id INT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            UNIQUE(user1_id, user2_id)
        );`,
	`CREATE TABLE IF NOT EXISTS groups (
            id SERIAL PRIMARY KEY,
            name TEXT NOT NULL,
            owner_id INT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS group_members (
            group_id INT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
            user_id INT NOT NULL,
            PRIMARY KEY(group_id, user_id)
        );`,
	`CREATE TABLE IF NOT EXISTS channels (
            id SERIAL PRIMARY KEY,
            name TEXT NOT NULL,
            owner_id INT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS messages (
            id SERIAL PRIMARY KEY,
            chat_id INT REFERENCES chats(id) ON DELETE CASCADE,
            sender_id INT NOT NULL,
            recipient_id INT,
            group_id INT REFERENCES groups(id) ON DELETE CASCADE,
            kind TEXT NOT NULL DEFAULT 'private',
            body TEXT NOT NULL,
            seen BOOLEAN NOT NULL DEFAULT FALSE,
            seen_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS messages_unseen_idx ON messages (recipient_id, sender_id) WHERE seen = FALSE;`,
	`CREATE TABLE IF NOT EXISTS calls (
            id SERIAL PRIMARY KEY,
            room_name TEXT NOT NULL UNIQUE,
            initiator_id INT NOT NULL,
            participant_id INT,
            group_id INT,
            call_type TEXT NOT NULL,
            state TEXT NOT NULL,
            offer TEXT NOT NULL DEFAULT '',
            answer TEXT NOT NULL DEFAULT '',
            end_reason TEXT NOT NULL DEFAULT '',
            duration_seconds INT NOT NULL DEFAULT 0,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            accepted_at TIMESTAMPTZ,
            ended_at TIMESTAMPTZ
        );`,
	`CREATE INDEX IF NOT EXISTS calls_ringing_idx ON calls (created_at) WHERE state = 'ringing';`,
	`CREATE TABLE IF NOT EXISTS bots (
            id SERIAL PRIMARY KEY,
            owner_id INT NOT NULL,
            username TEXT NOT NULL UNIQUE,
            token TEXT NOT NULL UNIQUE,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            usage_count INT NOT NULL DEFAULT 0
        );`,
	`CREATE TABLE IF NOT EXISTS bot_messages (
            id SERIAL PRIMARY KEY,
            bot_id INT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
            user_id INT NOT NULL,
            direction TEXT NOT NULL,
            kind TEXT NOT NULL,
            text TEXT NOT NULL DEFAULT '',
            markup JSONB,
            processed BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS callback_queries (
            id SERIAL PRIMARY KEY,
            bot_id INT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
            user_id INT NOT NULL,
            message_id INT NOT NULL,
            data TEXT NOT NULL DEFAULT '',
            answered BOOLEAN NOT NULL DEFAULT FALSE,
            answer_text TEXT NOT NULL DEFAULT '',
            show_alert BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS polls (
            id SERIAL PRIMARY KEY,
            bot_id INT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
            message_id INT NOT NULL REFERENCES bot_messages(id) ON DELETE CASCADE,
            question TEXT NOT NULL,
            is_anonymous BOOLEAN NOT NULL DEFAULT FALSE,
            multiple_answers BOOLEAN NOT NULL DEFAULT FALSE,
            is_closed BOOLEAN NOT NULL DEFAULT FALSE,
            total_votes INT NOT NULL DEFAULT 0
        );`,
	`CREATE TABLE IF NOT EXISTS poll_options (
            poll_id INT NOT NULL REFERENCES polls(id) ON DELETE CASCADE,
            option_index INT NOT NULL,
            text TEXT NOT NULL,
            votes INT NOT NULL DEFAULT 0,
            PRIMARY KEY(poll_id, option_index)
        );`,
	`CREATE TABLE IF NOT EXISTS poll_votes (
            poll_id INT NOT NULL REFERENCES polls(id) ON DELETE CASCADE,
            user_id INT NOT NULL,
            option_index INT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            PRIMARY KEY(poll_id, user_id, option_index)
        );`,
}

func runMigrations(db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Println("database migrations applied")
	return nil
}
