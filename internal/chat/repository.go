package chat

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, m *Message) error {
	query := `INSERT INTO messages (id, room_id, user_id, content)
        VALUES ($1, $2, $3, $4) RETURNING created_at`
	return r.db.QueryRowContext(ctx, query, m.ID, m.RoomID, m.UserID, m.Content).
		Scan(&m.CreatedAt)
}

// InsertIfAbsent writes the message only when no row with its id exists and
// reports whether a row was inserted. This is the dedupe-by-identifier path
// for envelopes replayed off the event bus.
func (r *Repository) InsertIfAbsent(ctx context.Context, m *Message) (bool, error) {
	query := `INSERT INTO messages (id, room_id, user_id, content, created_at)
        VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, m.ID, m.RoomID, m.UserID, m.Content, m.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Message, error) {
	m := &Message{}
	query := `SELECT id, room_id, user_id, content, created_at, updated_at
        FROM messages WHERE id = $1`

	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&m.ID, &m.RoomID, &m.UserID, &m.Content, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return m, nil
}

func (r *Repository) ListByRoom(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
        SELECT m.id, m.room_id, m.user_id, u.username, m.content, m.created_at, m.updated_at
        FROM messages m
        JOIN users u ON m.user_id = u.id
        WHERE m.room_id = $1
        ORDER BY m.created_at DESC
        LIMIT $2
    `
	rows, err := r.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Username, &m.Content, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *Repository) UpdateContent(ctx context.Context, id, content string) (time.Time, error) {
	var updatedAt time.Time
	query := `UPDATE messages SET content = $2, updated_at = CURRENT_TIMESTAMP
        WHERE id = $1 RETURNING updated_at`

	err := r.db.QueryRowContext(ctx, query, id, content).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrMessageNotFound
		}
		return time.Time{}, err
	}
	return updatedAt, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}
