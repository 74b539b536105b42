package chat

import "time"

type Message struct {
	ID        string     `json:"id"`
	RoomID    string     `json:"room_id"`
	UserID    string     `json:"user_id"`
	Username  string     `json:"username,omitempty"` // denormalized via join for history responses
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (m *Message) envelope() *MessageEnvelope {
	return &MessageEnvelope{
		ID:             m.ID,
		Text:           m.Content,
		AuthorUserID:   m.UserID,
		AuthorUsername: m.Username,
		RoomID:         m.RoomID,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		DeliveredAt:    time.Now().UTC(),
	}
}
