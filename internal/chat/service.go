package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatgrid/internal/room"
)

// MaxMessageLen is the inclusive upper bound on message text, in runes.
const MaxMessageLen = 1000

// Collaborator slices consumed by the gateway. The concrete store types
// (chat.Repository, room.Repository, user.Repository) satisfy them.

type MessageStore interface {
	Create(ctx context.Context, m *Message) error
	InsertIfAbsent(ctx context.Context, m *Message) (bool, error)
	GetByID(ctx context.Context, id string) (*Message, error)
	ListByRoom(ctx context.Context, roomID string, limit int) ([]*Message, error)
	UpdateContent(ctx context.Context, id, content string) (time.Time, error)
	Delete(ctx context.Context, id string) error
}

type UserStore interface {
	EnsureExists(ctx context.Context, id, username string) error
}

type RoomStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	EnsureExists(ctx context.Context, id, name string) error
	UpdateName(ctx context.Context, id, name string) error
	Delete(ctx context.Context, id string) error
}

type RelayPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte)
}

type Producer interface {
	Produce(ctx context.Context, topic string, payload []byte) error
}

// Service orchestrates the send/update/delete message flows shared by the
// REST and real-time ingress paths. It owns no durable state.
type Service struct {
	messages MessageStore
	users    UserStore
	rooms    RoomStore
	relay    RelayPublisher
	bus      Producer
	log      zerolog.Logger
}

func NewService(messages MessageStore, users UserStore, rooms RoomStore, rel RelayPublisher, bus Producer, log zerolog.Logger) *Service {
	return &Service{
		messages: messages,
		users:    users,
		rooms:    rooms,
		relay:    rel,
		bus:      bus,
		log:      log.With().Str("component", "chat").Logger(),
	}
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Reason: "message text must not be blank"}
	}
	if utf8.RuneCountInString(text) > MaxMessageLen {
		return &ValidationError{Reason: fmt.Sprintf("message text exceeds %d characters", MaxMessageLen)}
	}
	return nil
}

func (s *Service) resolveRoom(ctx context.Context, roomID string) (string, error) {
	if roomID == "" {
		return room.DefaultID, nil
	}
	if roomID == room.DefaultID {
		return roomID, nil
	}
	ok, err := s.rooms.Exists(ctx, roomID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", room.ErrNotFound
	}
	return roomID, nil
}

// SendMessage runs the shared ingest flow: validate, resolve room, lazily
// create the author, persist, then fan out over both broker paths. Fan-out
// is best-effort once the message is persisted; the store is the source of
// truth and broker failures are logged, not returned.
func (s *Service) SendMessage(ctx context.Context, authorID, authorName, roomID, text string) (*MessageEnvelope, error) {
	if err := validateText(text); err != nil {
		return nil, err
	}

	roomID, err := s.resolveRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if err := s.users.EnsureExists(ctx, authorID, authorName); err != nil {
		return nil, fmt.Errorf("ensure author: %w", err)
	}

	m := &Message{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		UserID:   authorID,
		Username: authorName,
		Content:  text,
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	env := m.envelope()
	s.fanOut(ctx, ChannelMessages, env)
	return env, nil
}

// UpdateMessage edits a message's text. Only the author may edit.
func (s *Service) UpdateMessage(ctx context.Context, actorID, messageID, text string) (*MessageEnvelope, error) {
	if err := validateText(text); err != nil {
		return nil, err
	}

	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.UserID != actorID {
		return nil, ErrForbidden
	}

	updatedAt, err := s.messages.UpdateContent(ctx, messageID, text)
	if err != nil {
		return nil, err
	}
	m.Content = text
	m.UpdatedAt = &updatedAt

	env := m.envelope()
	s.fanOut(ctx, ChannelMessageUpdated, env)
	return env, nil
}

// DeleteMessage removes a message. Only the author may delete.
func (s *Service) DeleteMessage(ctx context.Context, actorID, messageID string) (*MessageDeletedEnvelope, error) {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.UserID != actorID {
		return nil, ErrForbidden
	}

	if err := s.messages.Delete(ctx, messageID); err != nil {
		return nil, err
	}

	env := &MessageDeletedEnvelope{
		MessageID: m.ID,
		RoomID:    m.RoomID,
		DeletedBy: actorID,
		DeletedAt: time.Now().UTC(),
	}
	s.fanOut(ctx, ChannelMessageDeleted, env)
	return env, nil
}

// History returns recent messages for a room, oldest first.
func (s *Service) History(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	roomID, err := s.resolveRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListByRoom(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	// ListByRoom returns newest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// fanOut publishes one envelope over both paths: the relay for
// same-generation low-latency delivery and the bus for durable
// asynchronous consumption. Both are best-effort once the write landed.
func (s *Service) fanOut(ctx context.Context, channel string, env any) {
	payload, err := json.Marshal(env)
	if err != nil {
		s.log.Error().Err(err).Str("channel", channel).Msg("encode envelope")
		return
	}

	s.relay.Publish(ctx, channel, payload)

	if err := s.bus.Produce(ctx, channel, payload); err != nil {
		s.log.Error().Err(err).Str("topic", channel).Msg("event bus produce failed")
	}
}
