package call

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const callColumns = `c.id, c.room_id, c.initiator_id, c.status, c.started_at, c.ended_at,
	(SELECT string_agg(user_id, ',' ORDER BY user_id) FROM video_call_members WHERE call_id = c.id AND joined),
	(SELECT string_agg(user_id, ',' ORDER BY user_id) FROM video_call_members WHERE call_id = c.id AND invited)`

func scanCall(row interface{ Scan(...any) error }) (*Call, error) {
	c := &Call{}
	var (
		endedAt         sql.NullTime
		joined, invited sql.NullString
	)
	if err := row.Scan(&c.ID, &c.RoomID, &c.InitiatorID, &c.Status, &c.StartedAt, &endedAt, &joined, &invited); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	c.Participants = splitIDs(joined)
	c.Invited = splitIDs(invited)
	return c, nil
}

func splitIDs(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return []string{}
	}
	return strings.Split(s.String, ",")
}

// CreateCall stores the call with the initiator joined and everyone else invited.
func (r *Repository) CreateCall(ctx context.Context, c *Call) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO video_calls (id, room_id, initiator_id, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.RoomID, c.InitiatorID, c.Status, c.StartedAt); err != nil {
		return fmt.Errorf("insert call: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO video_call_members (call_id, user_id, joined) VALUES ($1, $2, true)`,
		c.ID, c.InitiatorID); err != nil {
		return fmt.Errorf("insert initiator: %w", err)
	}
	for _, userID := range c.Invited {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO video_call_members (call_id, user_id, invited) VALUES ($1, $2, true)
			 ON CONFLICT (call_id, user_id) DO UPDATE SET invited = true`,
			c.ID, userID); err != nil {
			return fmt.Errorf("insert invitee: %w", err)
		}
	}
	return tx.Commit()
}

func (r *Repository) GetByRoom(ctx context.Context, roomID string) (*Call, error) {
	c, err := scanCall(r.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM video_calls c WHERE c.room_id = $1`, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCallNotFound
	}
	return c, err
}

// Join marks userID as in the call. Ended calls cannot be joined.
func (r *Repository) Join(ctx context.Context, roomID, userID string) (*Call, error) {
	var callID string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM video_calls WHERE room_id = $1 AND status = $2`, roomID, StatusActive).Scan(&callID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO video_call_members (call_id, user_id, joined) VALUES ($1, $2, true)
		 ON CONFLICT (call_id, user_id) DO UPDATE SET joined = true`,
		callID, userID); err != nil {
		return nil, err
	}
	return r.GetByRoom(ctx, roomID)
}

func (r *Repository) Leave(ctx context.Context, roomID, userID string) (*Call, error) {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE video_call_members SET joined = false
		 WHERE user_id = $2 AND call_id = (SELECT id FROM video_calls WHERE room_id = $1)`,
		roomID, userID); err != nil {
		return nil, err
	}
	return r.GetByRoom(ctx, roomID)
}

func (r *Repository) End(ctx context.Context, roomID string, endedAt time.Time) (*Call, error) {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE video_calls SET status = $2, ended_at = $3 WHERE room_id = $1`,
		roomID, StatusEnded, endedAt); err != nil {
		return nil, err
	}
	return r.GetByRoom(ctx, roomID)
}

// History lists the most recent calls userID took part in or was invited to.
func (r *Repository) History(ctx context.Context, userID string, limit int) ([]Call, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+callColumns+`
		FROM video_calls c
		JOIN video_call_members m ON m.call_id = c.id AND m.user_id = $1
		ORDER BY c.started_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	calls := []Call{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}
