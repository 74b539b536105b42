package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"chatgrid/internal/eventbus"
	"chatgrid/internal/relay"
	"chatgrid/internal/room"
)

// Broadcaster is the slice of the hub the consumer needs.
type Broadcaster interface {
	BroadcastLocal(roomID, event string, v any)
	BroadcastAll(event string, v any)
}

// Consumer applies relay and event-bus deliveries to this instance. Bus
// envelopes may be duplicates or replays, including this instance's own
// publications; store writes are made idempotent by checking the
// envelope's stable identifier first, so re-application is a no-op beyond
// the local re-broadcast.
type Consumer struct {
	messages MessageStore
	users    UserStore
	rooms    RoomStore
	hub      Broadcaster
	log      zerolog.Logger
}

func NewConsumer(messages MessageStore, users UserStore, rooms RoomStore, hub Broadcaster, log zerolog.Logger) *Consumer {
	return &Consumer{
		messages: messages,
		users:    users,
		rooms:    rooms,
		hub:      hub,
		log:      log.With().Str("component", "consumer").Logger(),
	}
}

// BusRoutes is the topic routing table installed on the event-bus client.
func (c *Consumer) BusRoutes() map[string]eventbus.Handler {
	return map[string]eventbus.Handler{
		ChannelMessages:       c.onMessage,
		ChannelMessageUpdated: c.onMessageUpdated,
		ChannelMessageDeleted: c.onMessageDeleted,
		TopicUserCreated:      c.onUserUpserted,
		TopicUserRegistered:   c.onUserUpserted,
		TopicRoomCreated:      c.onRoomCreated,
		TopicRoomUpdated:      c.onRoomUpdated,
		TopicRoomDeleted:      c.onRoomDeleted,
	}
}

// RelayHandlers maps relay channels to their local re-broadcast handlers.
// The relay path never writes to the store; the producing instance already
// persisted, and the bus path is the durable application channel.
func (c *Consumer) RelayHandlers() map[string]relay.Handler {
	return map[string]relay.Handler{
		ChannelMessages:       c.rebroadcastMessage(EventMessageNew),
		ChannelMessageUpdated: c.rebroadcastMessage(EventMessageUpdated),
		ChannelMessageDeleted: c.rebroadcastDeleted,
		ChannelUserStatus:     c.rebroadcastStatus,
	}
}

func (c *Consumer) rebroadcastMessage(event string) relay.Handler {
	return func(payload []byte) {
		var env MessageEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.log.Error().Err(err).Str("event", event).Msg("malformed relay envelope")
			return
		}
		c.hub.BroadcastLocal(env.RoomID, event, env)
	}
}

func (c *Consumer) rebroadcastDeleted(payload []byte) {
	var env MessageDeletedEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.log.Error().Err(err).Msg("malformed deletion envelope")
		return
	}
	c.hub.BroadcastLocal(env.RoomID, EventMessageDeleted, env)
}

func (c *Consumer) rebroadcastStatus(payload []byte) {
	var env UserStatusEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.log.Error().Err(err).Msg("malformed status envelope")
		return
	}
	c.hub.BroadcastAll(EventUserStatus, env)
}

// onMessage applies a MESSAGES envelope: idempotent insert keyed on the
// envelope id, then local re-broadcast.
func (c *Consumer) onMessage(ctx context.Context, payload []byte) error {
	var env MessageEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode message envelope: %w", err)
	}
	if env.ID == "" {
		return errors.New("message envelope without id")
	}

	if err := c.users.EnsureExists(ctx, env.AuthorUserID, env.AuthorUsername); err != nil {
		return fmt.Errorf("ensure author: %w", err)
	}

	inserted, err := c.messages.InsertIfAbsent(ctx, &Message{
		ID:        env.ID,
		RoomID:    env.RoomID,
		UserID:    env.AuthorUserID,
		Content:   env.Text,
		CreatedAt: env.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("apply message %s: %w", env.ID, err)
	}
	if !inserted {
		c.log.Debug().Str("message_id", env.ID).Msg("duplicate envelope, skipping write")
	}

	c.hub.BroadcastLocal(env.RoomID, EventMessageNew, env)
	return nil
}

func (c *Consumer) onMessageUpdated(ctx context.Context, payload []byte) error {
	var env MessageEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode update envelope: %w", err)
	}

	if _, err := c.messages.UpdateContent(ctx, env.ID, env.Text); err != nil && !errors.Is(err, ErrMessageNotFound) {
		return fmt.Errorf("apply update %s: %w", env.ID, err)
	}

	c.hub.BroadcastLocal(env.RoomID, EventMessageUpdated, env)
	return nil
}

func (c *Consumer) onMessageDeleted(ctx context.Context, payload []byte) error {
	var env MessageDeletedEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode deletion envelope: %w", err)
	}

	if err := c.messages.Delete(ctx, env.MessageID); err != nil && !errors.Is(err, ErrMessageNotFound) {
		return fmt.Errorf("apply deletion %s: %w", env.MessageID, err)
	}

	c.hub.BroadcastLocal(env.RoomID, EventMessageDeleted, env)
	return nil
}

// onUserUpserted covers USER_CREATED and the upstream user.registered
// topic; both carry a stable user id, so the insert is a no-op on replay.
func (c *Consumer) onUserUpserted(ctx context.Context, payload []byte) error {
	var env UserEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode user envelope: %w", err)
	}
	if env.ID == "" {
		return errors.New("user envelope without id")
	}
	return c.users.EnsureExists(ctx, env.ID, env.Username)
}

func (c *Consumer) onRoomCreated(ctx context.Context, payload []byte) error {
	var env RoomEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode room envelope: %w", err)
	}
	if env.ID == "" {
		return errors.New("room envelope without id")
	}
	return c.rooms.EnsureExists(ctx, env.ID, env.Name)
}

func (c *Consumer) onRoomUpdated(ctx context.Context, payload []byte) error {
	var env RoomEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode room envelope: %w", err)
	}
	if err := c.rooms.UpdateName(ctx, env.ID, env.Name); err != nil && !errors.Is(err, room.ErrNotFound) {
		return err
	}
	return nil
}

func (c *Consumer) onRoomDeleted(ctx context.Context, payload []byte) error {
	var env RoomEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode room envelope: %w", err)
	}
	if err := c.rooms.Delete(ctx, env.ID); err != nil && !errors.Is(err, room.ErrNotFound) {
		return err
	}
	return nil
}
