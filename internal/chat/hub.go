package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"chatgrid/internal/presence"
)

// statusPublisher is the slice of the relay client the hub needs for
// presence broadcasts.
type statusPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte)
}

type membershipReq struct {
	client *Client
	roomID string
}

type broadcastReq struct {
	roomID  string // empty = every local connection
	payload []byte
	exclude *Client
}

// Hub routes frames to local connections scoped by room and owns all
// connection/membership state. State is touched only inside Run, so no
// locking is needed; everything else talks to the hub through channels.
type Hub struct {
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	joins      chan membershipReq
	leaves     chan membershipReq
	broadcast  chan broadcastReq

	registry *presence.Registry
	relay    statusPublisher
	log      zerolog.Logger
}

func NewHub(registry *presence.Registry, rel statusPublisher, log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		joins:      make(chan membershipReq),
		leaves:     make(chan membershipReq),
		broadcast:  make(chan broadcastReq, 64),
		registry:   registry,
		relay:      rel,
		log:        log.With().Str("component", "hub").Logger(),
	}
}

// Run owns the hub state. It must run in its own goroutine before any
// client is registered.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			if h.registry.Add(client.UserID, client.ID) {
				h.publishStatus(client.UserID, "online")
			}

		case client := <-h.unregister:
			h.removeClient(client)

		case req := <-h.joins:
			h.joinRoom(req.client, req.roomID)

		case req := <-h.leaves:
			h.leaveRoom(req.client, req.roomID, true)

		case req := <-h.broadcast:
			h.fanOut(req)
		}
	}
}

// Register adds a connection; the user's first connection publishes an
// online status transition.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister drops a connection; the user's last connection publishes an
// offline status transition.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// Join records room membership and notifies the room's other local
// members. Room existence is validated by the caller.
func (h *Hub) Join(c *Client, roomID string) { h.joins <- membershipReq{c, roomID} }

func (h *Hub) Leave(c *Client, roomID string) { h.leaves <- membershipReq{c, roomID} }

// BroadcastLocal delivers an event to connections on this process that are
// subscribed to the room.
func (h *Hub) BroadcastLocal(roomID, event string, v any) {
	frame, err := newFrame(event, v)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode frame")
		return
	}
	h.broadcast <- broadcastReq{roomID: roomID, payload: frame}
}

// BroadcastAll delivers an event to every local connection, regardless of
// room membership. Used for presence.
func (h *Hub) BroadcastAll(event string, v any) {
	frame, err := newFrame(event, v)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode frame")
		return
	}
	h.broadcast <- broadcastReq{payload: frame}
}

func (h *Hub) removeClient(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	for roomID := range c.rooms {
		h.leaveRoom(c, roomID, true)
	}
	delete(h.clients, c)
	close(c.send)

	if h.registry.Remove(c.UserID, c.ID) {
		h.publishStatus(c.UserID, "offline")
	}
}

func (h *Hub) joinRoom(c *Client, roomID string) {
	if c.rooms[roomID] {
		return
	}
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[*Client]bool)
		h.rooms[roomID] = members
	}

	h.notifyRoom(roomID, EventUserJoined, RoomMembershipEnvelope{
		UserID:    c.UserID,
		RoomID:    roomID,
		Timestamp: time.Now().UTC(),
	}, c)

	members[c] = true
	c.rooms[roomID] = true
}

func (h *Hub) leaveRoom(c *Client, roomID string, notify bool) {
	members, ok := h.rooms[roomID]
	if !ok || !members[c] {
		return
	}
	delete(members, c)
	delete(c.rooms, roomID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}

	if notify {
		h.notifyRoom(roomID, EventUserLeft, RoomMembershipEnvelope{
			UserID:    c.UserID,
			RoomID:    roomID,
			Timestamp: time.Now().UTC(),
		}, c)
	}
}

func (h *Hub) notifyRoom(roomID, event string, v any, exclude *Client) {
	frame, err := newFrame(event, v)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode frame")
		return
	}
	h.fanOut(broadcastReq{roomID: roomID, payload: frame, exclude: exclude})
}

func (h *Hub) fanOut(req broadcastReq) {
	targets := h.clients
	if req.roomID != "" {
		targets = h.rooms[req.roomID]
	}
	for client := range targets {
		if client == req.exclude {
			continue
		}
		select {
		case client.send <- req.payload:
		default:
			// Slow consumer: drop the connection rather than block the hub.
			h.removeClient(client)
		}
	}
}

func (h *Hub) publishStatus(userID, status string) {
	env, err := json.Marshal(UserStatusEnvelope{
		UserID:    userID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.log.Error().Err(err).Msg("encode status envelope")
		return
	}
	h.relay.Publish(context.Background(), ChannelUserStatus, env)
}
