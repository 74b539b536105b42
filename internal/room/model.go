package room

import "time"

// DefaultID is the well-known room every connection is auto-joined to.
// It is seeded by the migrations and never validated against the store.
const DefaultID = "general"

type Room struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}
