package user

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	query := "INSERT INTO users (id, username, email, password) VALUES ($1, $2, $3, $4)"

	if _, err := r.db.ExecContext(ctx, query, user.ID, user.Username, user.Email, user.Password); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return r.getOne(ctx, "SELECT id, username, email, password FROM users WHERE username = $1", username)
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return r.getOne(ctx, "SELECT id, username, email, password FROM users WHERE lower(email) = lower($1)", email)
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	return r.getOne(ctx, "SELECT id, username, email, password FROM users WHERE id = $1", id)
}

func (r *Repository) getOne(ctx context.Context, query string, arg string) (*User, error) {
	u := &User{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.Email, &u.Password)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query, excludeID string) ([]User, error) {
	q := `SELECT id, username FROM users WHERE username ILIKE $1 AND id <> $2 ORDER BY username LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%", excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
