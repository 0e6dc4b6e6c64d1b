package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const chatColumns = `c.id, c.is_group, COALESCE(c.group_name, ''), COALESCE(c.created_by, ''), c.last_message_at, c.created_at,
	(SELECT string_agg(user_id, ',' ORDER BY user_id) FROM chat_participants WHERE chat_id = c.id)`

func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	c := &Chat{}
	var participants sql.NullString
	if err := row.Scan(&c.ID, &c.IsGroup, &c.GroupName, &c.CreatedBy, &c.LastMessageAt, &c.CreatedAt, &participants); err != nil {
		return nil, err
	}
	c.Participants = []string{}
	if participants.Valid && participants.String != "" {
		c.Participants = strings.Split(participants.String, ",")
	}
	return c, nil
}

// FindPrivateChat returns the one-to-one chat between a and b.
func (r *Repository) FindPrivateChat(ctx context.Context, a, b string) (*Chat, error) {
	query := `SELECT ` + chatColumns + `
		FROM chats c
		JOIN chat_participants p1 ON p1.chat_id = c.id AND p1.user_id = $1
		JOIN chat_participants p2 ON p2.chat_id = c.id AND p2.user_id = $2
		WHERE c.is_group = false
		LIMIT 1`

	c, err := scanChat(r.db.QueryRowContext(ctx, query, a, b))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	return c, err
}

func (r *Repository) CreateChat(ctx context.Context, c *Chat) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var groupName any
	if c.GroupName != "" {
		groupName = c.GroupName
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO chats (id, is_group, group_name, created_by, last_message_at, created_at) VALUES ($1, $2, $3, $4, $5, $5)`,
		c.ID, c.IsGroup, groupName, c.CreatedBy, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}

	for _, userID := range c.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			c.ID, userID); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return tx.Commit()
}

func (r *Repository) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	query := `SELECT ` + chatColumns + `
		FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id AND p.user_id = $1
		ORDER BY c.last_message_at DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

func (r *Repository) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID).Scan(&exists)
	return exists, err
}

// SaveMessage appends msg and bumps the chat's activity time.
func (r *Repository) SaveMessage(ctx context.Context, msg *Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, type, content, call_status, call_duration, call_room_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.ChatID, msg.SenderID, msg.Type, msg.Content,
		nullString(msg.CallStatus), nullInt(msg.CallDuration), nullString(msg.CallRoomID), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chats SET last_message_at = $2 WHERE id = $1`, msg.ChatID, msg.CreatedAt); err != nil {
		return fmt.Errorf("bump chat: %w", err)
	}
	return tx.Commit()
}

// GetMessages returns up to limit messages older than before, oldest first.
// A zero before means "latest".
func (r *Repository) GetMessages(ctx context.Context, chatID string, before time.Time, limit int) ([]Message, error) {
	query := `
		SELECT m.id, m.chat_id, m.sender_id, u.username, m.type, m.content,
		       m.call_status, m.call_duration, m.call_room_id, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1 AND ($2::timestamptz IS NULL OR m.created_at < $2)
		ORDER BY m.created_at DESC
		LIMIT $3`

	var cursor sql.NullTime
	if !before.IsZero() {
		cursor = sql.NullTime{Time: before, Valid: true}
	}

	rows, err := r.db.QueryContext(ctx, query, chatID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			m        Message
			status   sql.NullString
			duration sql.NullInt64
			roomID   sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Type, &m.Content,
			&status, &duration, &roomID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CallStatus = status.String
		m.CallDuration = int(duration.Int64)
		m.CallRoomID = roomID.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
