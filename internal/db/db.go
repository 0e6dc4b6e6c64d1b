package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// Migrations is the schema, applied in order. Every statement is idempotent.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username VARCHAR(50) UNIQUE NOT NULL,
		email VARCHAR(255) UNIQUE NOT NULL,
		password VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		is_group BOOLEAN NOT NULL DEFAULT false,
		group_name VARCHAR(100),
		created_by TEXT REFERENCES users(id) ON DELETE SET NULL,
		last_message_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS chat_participants (
		chat_id TEXT REFERENCES chats(id) ON DELETE CASCADE,
		user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (chat_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		type VARCHAR(10) NOT NULL DEFAULT 'text' CHECK (type IN ('text', 'image', 'video', 'call')),
		content TEXT NOT NULL DEFAULT '',
		call_status VARCHAR(12) CHECK (call_status IN ('missed', 'completed', 'declined', 'cancelled', 'no-answer')),
		call_duration INT,
		call_room_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS messages_chat_created_idx ON messages (chat_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS video_calls (
		id TEXT PRIMARY KEY,
		room_id TEXT UNIQUE NOT NULL,
		initiator_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		status VARCHAR(10) NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'ended')),
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		ended_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS video_call_members (
		call_id TEXT REFERENCES video_calls(id) ON DELETE CASCADE,
		user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
		invited BOOLEAN NOT NULL DEFAULT false,
		joined BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (call_id, user_id)
	)`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for i, query := range Migrations {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
