package room

import (
	"context"
	"database/sql"
	"errors"
)

var ErrNotFound = errors.New("room not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, rm *Room) (*Room, error) {
	query := `INSERT INTO rooms (id, name, created_by) VALUES ($1, $2, NULLIF($3, ''))
        RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query, rm.ID, rm.Name, rm.CreatedBy).Scan(&rm.CreatedAt)
	if err != nil {
		return nil, err
	}
	return rm, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Room, error) {
	rm := &Room{}
	var createdBy sql.NullString
	query := `SELECT id, name, created_by, created_at, updated_at FROM rooms WHERE id = $1`

	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&rm.ID, &rm.Name, &createdBy, &rm.CreatedAt, &rm.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rm.CreatedBy = createdBy.String
	return rm, nil
}

func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`

	if err := r.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// EnsureExists inserts a room first seen through a consumed envelope,
// leaving an existing row untouched.
func (r *Repository) EnsureExists(ctx context.Context, id, name string) error {
	query := `INSERT INTO rooms (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, id, name)
	return err
}

func (r *Repository) UpdateName(ctx context.Context, id, name string) error {
	query := `UPDATE rooms SET name = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
