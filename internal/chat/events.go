package chat

import (
	"encoding/json"
	"time"
)

// Relay channels and event-bus topics share names: the same envelope goes
// over both paths, low-latency via the relay and durable via the bus.
const (
	ChannelMessages       = "MESSAGES"
	ChannelMessageUpdated = "MESSAGE_UPDATED"
	ChannelMessageDeleted = "MESSAGE_DELETED"
	ChannelUserStatus     = "USER_STATUS"

	TopicUserCreated = "USER_CREATED"
	TopicRoomCreated = "ROOM_CREATED"
	TopicRoomUpdated = "ROOM_UPDATED"
	TopicRoomDeleted = "ROOM_DELETED"

	// Produced by the upstream identity service.
	TopicUserRegistered = "user.registered"
)

// ConsumedTopics is the static set the event-bus consumer subscribes to.
func ConsumedTopics() []string {
	return []string{
		ChannelMessages,
		ChannelMessageUpdated,
		ChannelMessageDeleted,
		TopicUserCreated,
		TopicRoomCreated,
		TopicRoomUpdated,
		TopicRoomDeleted,
		TopicUserRegistered,
	}
}

// Inbound real-time events.
const (
	EventJoinRoom    = "join:room"
	EventLeaveRoom   = "leave:room"
	EventMessageSend = "message:send"
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
	EventUsersOnline = "users:online"
	EventAuth        = "auth"
)

// Outbound real-time events.
const (
	EventMessageNew      = "message:new"
	EventMessageUpdated  = "message:updated"
	EventMessageDeleted  = "message:deleted"
	EventUserJoined      = "user:joined"
	EventUserLeft        = "user:left"
	EventUserStatus      = "user:status"
	EventUsersOnlineList = "users:online:list"
	EventTypingUser      = "typing:user"
	EventError           = "error"
)

// Frame is the wire format for both directions of the real-time transport.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func newFrame(event string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// MessageEnvelope mirrors a persisted message plus delivery metadata. Its
// ID is assigned once at creation and is the sole idempotency key for
// downstream re-application.
type MessageEnvelope struct {
	ID             string     `json:"id"`
	Text           string     `json:"text"`
	AuthorUserID   string     `json:"authorUserId"`
	AuthorUsername string     `json:"authorUsername,omitempty"`
	RoomID         string     `json:"roomId"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
	DeliveredAt    time.Time  `json:"deliveredAt"`
}

type MessageDeletedEnvelope struct {
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId"`
	DeletedBy string    `json:"deletedBy"`
	DeletedAt time.Time `json:"deletedAt"`
}

type UserStatusEnvelope struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"` // "online" or "offline"
	Timestamp time.Time `json:"timestamp"`
}

type RoomMembershipEnvelope struct {
	UserID    string    `json:"userId"`
	RoomID    string    `json:"roomId"`
	Timestamp time.Time `json:"timestamp"`
}

type TypingEnvelope struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type OnlineListEnvelope struct {
	Users []string `json:"users"`
}

type ErrorEnvelope struct {
	Message string `json:"message"`
}

// UserEnvelope carries USER_CREATED and user.registered payloads.
type UserEnvelope struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// RoomEnvelope carries ROOM_CREATED/ROOM_UPDATED/ROOM_DELETED payloads.
type RoomEnvelope struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}
