package user

import (
	"context"
	"database/sql"
	"errors"
)

var ErrNotFound = errors.New("user not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, u *User) (*User, error) {
	query := `INSERT INTO users (id, username, password) VALUES ($1, $2, $3)
        RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query, u.ID, u.Username, u.Password).Scan(&u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	u := &User{}
	query := `SELECT id, username, created_at FROM users WHERE id = $1`

	err := r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	var password sql.NullString
	query := `SELECT id, username, password, created_at FROM users WHERE username = $1`

	err := r.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &password, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Password = password.String
	return u, nil
}

// EnsureExists inserts a minimal record for an identity first seen through
// a consumed envelope. Existing rows are left untouched.
func (r *Repository) EnsureExists(ctx context.Context, id, username string) error {
	query := `INSERT INTO users (id, username) VALUES ($1, $2)
        ON CONFLICT DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, id, username)
	return err
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	q := `SELECT id, username FROM users WHERE username ILIKE $1 LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
