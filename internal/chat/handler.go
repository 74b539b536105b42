package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatgrid/internal/middleware"
	"chatgrid/internal/presence"
	"chatgrid/internal/room"
	"chatgrid/internal/user"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced upstream
	},
}

// authWait bounds how long a fresh connection may take to send its auth
// frame when the token came through neither the query nor the header.
const authWait = 10 * time.Second

// TokenVerifier is the credential collaborator.
type TokenVerifier interface {
	VerifyToken(token string) (*user.Identity, error)
}

// Handler is the real-time gateway: it owns the websocket handshake, the
// inbound event routing, and the REST message endpoints that share the
// service's send flow.
type Handler struct {
	hub      *Hub
	svc      *Service
	rooms    RoomStore
	registry *presence.Registry
	verifier TokenVerifier
	log      zerolog.Logger
}

func NewHandler(hub *Hub, svc *Service, rooms RoomStore, registry *presence.Registry, verifier TokenVerifier, log zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		svc:      svc,
		rooms:    rooms,
		registry: registry,
		verifier: verifier,
		log:      log.With().Str("component", "gateway").Logger(),
	}
}

// ServeWs upgrades the connection, authenticates it, registers it and
// auto-joins the default room.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	token := tokenFromRequest(r)
	if token == "" {
		token = h.tokenFromAuthFrame(conn)
	}
	if token == "" {
		rejectConn(conn, "authentication required")
		return
	}

	identity, err := h.verifier.VerifyToken(token)
	if err != nil {
		rejectConn(conn, rejectReason(err))
		return
	}

	client := &Client{
		ID:       uuid.NewString(),
		UserID:   identity.UserID,
		Username: identity.Username,
		hub:      h.hub,
		gateway:  h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		rooms:    make(map[string]bool),
	}

	h.hub.Register(client)
	h.hub.Join(client, room.DefaultID)

	go client.writePump()
	go client.readPump()

	h.log.Info().Str("user_id", client.UserID).Str("conn", client.ID).Msg("connection established")
}

// tokenFromRequest checks the query parameter, then the Authorization
// header with an optional Bearer prefix.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// tokenFromAuthFrame waits for an auth event carrying the token.
func (h *Handler) tokenFromAuthFrame(conn *websocket.Conn) string {
	conn.SetReadDeadline(time.Now().Add(authWait))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event != EventAuth {
		return ""
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return ""
	}
	return payload.Token
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, user.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, user.ErrTokenMalformed):
		return "malformed token"
	default:
		return "invalid token"
	}
}

func rejectConn(conn *websocket.Conn, reason string) {
	frame, err := newFrame(EventError, ErrorEnvelope{Message: reason})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, frame)
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	conn.Close()
}

// route dispatches one inbound frame from an authenticated connection.
func (h *Handler) route(c *Client, frame Frame) {
	switch frame.Event {
	case EventJoinRoom:
		h.handleJoin(c, frame.Data)

	case EventLeaveRoom:
		var req struct {
			RoomID string `json:"roomId"`
		}
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" {
			c.sendError("roomId is required")
			return
		}
		h.hub.Leave(c, req.RoomID)

	case EventMessageSend:
		h.handleSend(c, frame.Data)

	case EventTypingStart, EventTypingStop:
		h.handleTyping(c, frame)

	case EventUsersOnline:
		c.sendEvent(EventUsersOnlineList, OnlineListEnvelope{Users: h.registry.OnlineUsers()})

	case EventAuth:
		// Already authenticated; nothing to do.

	default:
		c.sendError("unknown event: " + frame.Event)
	}
}

func (h *Handler) handleJoin(c *Client, data json.RawMessage) {
	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		c.sendError("roomId is required")
		return
	}

	if req.RoomID != room.DefaultID {
		ok, err := h.rooms.Exists(c.requestContext(), req.RoomID)
		if err != nil {
			h.log.Error().Err(err).Str("room_id", req.RoomID).Msg("room lookup failed")
			c.sendError("internal error")
			return
		}
		if !ok {
			c.sendError("room not found")
			return
		}
	}
	h.hub.Join(c, req.RoomID)
}

func (h *Handler) handleSend(c *Client, data json.RawMessage) {
	var req struct {
		Text   string `json:"text"`
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("malformed message:send payload")
		return
	}

	if _, err := h.svc.SendMessage(c.requestContext(), c.UserID, c.Username, req.RoomID, req.Text); err != nil {
		c.sendError(userFacing(err))
	}
}

func (h *Handler) handleTyping(c *Client, frame Frame) {
	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" {
		c.sendError("roomId is required")
		return
	}

	h.hub.BroadcastLocal(req.RoomID, EventTypingUser, TypingEnvelope{
		RoomID:   req.RoomID,
		UserID:   c.UserID,
		IsTyping: frame.Event == EventTypingStart,
	})
}

func userFacing(err error) string {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return ve.Reason
	case errors.Is(err, room.ErrNotFound):
		return "room not found"
	case errors.Is(err, ErrMessageNotFound):
		return "message not found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "internal error"
	}
}

// --- REST surface; shares the service flow with the real-time path. ---

func (h *Handler) SendMessageREST(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Text   string `json:"text"`
		RoomID string `json:"roomId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	env, err := h.svc.SendMessage(r.Context(), identity.UserID, identity.Username, req.RoomID, req.Text)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(env)
}

func (h *Handler) UpdateMessageREST(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	env, err := h.svc.UpdateMessage(r.Context(), identity.UserID, chi.URLParam(r, "id"), req.Text)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(env)
}

func (h *Handler) DeleteMessageREST(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	env, err := h.svc.DeleteMessage(r.Context(), identity.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(env)
}

func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := h.svc.History(r.Context(), r.URL.Query().Get("roomId"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msgs)
}

func writeServiceError(w http.ResponseWriter, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		http.Error(w, ve.Reason, http.StatusBadRequest)
	case errors.Is(err, room.ErrNotFound), errors.Is(err, ErrMessageNotFound):
		http.Error(w, userFacing(err), http.StatusNotFound)
	case errors.Is(err, ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
