package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgrid/internal/middleware"
	"chatgrid/internal/presence"
	"chatgrid/internal/user"
)

func TestTokenFromRequest(t *testing.T) {
	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
		assert.Equal(t, "abc", tokenFromRequest(r))
	})

	t.Run("authorization header with bearer prefix", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Bearer abc")
		assert.Equal(t, "abc", tokenFromRequest(r))
	})

	t.Run("authorization header without prefix", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "abc")
		assert.Equal(t, "abc", tokenFromRequest(r))
	})

	t.Run("query wins over header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token=fromquery", nil)
		r.Header.Set("Authorization", "Bearer fromheader")
		assert.Equal(t, "fromquery", tokenFromRequest(r))
	})

	t.Run("absent", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		assert.Equal(t, "", tokenFromRequest(r))
	})
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "token expired", rejectReason(user.ErrTokenExpired))
	assert.Equal(t, "malformed token", rejectReason(user.ErrTokenMalformed))
	assert.Equal(t, "invalid token", rejectReason(user.ErrTokenInvalid))
	assert.Equal(t, "invalid token", rejectReason(errors.New("anything else")))
}

type staticVerifier struct {
	identity *user.Identity
	err      error
}

func (v *staticVerifier) VerifyToken(string) (*user.Identity, error) {
	return v.identity, v.err
}

func restFixture(t *testing.T, roomIDs ...string) (*serviceFixture, http.Handler) {
	t.Helper()
	f := newServiceFixture(roomIDs...)

	registry := presence.NewRegistry()
	rec := &relayRecorder{}
	hub := NewHub(registry, rec, zerolog.Nop())
	go hub.Run()

	verifier := &staticVerifier{identity: &user.Identity{UserID: "u1", Username: "alice"}}
	handler := NewHandler(hub, f.svc, f.rooms, registry, verifier, zerolog.Nop())
	auth := middleware.NewAuth(verifier)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		r.Get("/api/messages", handler.GetChatHistory)
		r.Post("/api/messages", handler.SendMessageREST)
		r.Put("/api/messages/{id}", handler.UpdateMessageREST)
		r.Delete("/api/messages/{id}", handler.DeleteMessageREST)
	})
	return f, r
}

func TestRESTSendMessage(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		f, srv := restFixture(t, "r1")

		req := httptest.NewRequest(http.MethodPost, "/api/messages",
			strings.NewReader(`{"text":"hi","roomId":"r1"}`))
		req.Header.Set("Authorization", "Bearer tok")
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 1, f.messages.count())
		assert.Contains(t, w.Body.String(), `"roomId":"r1"`)
	})

	t.Run("missing token", func(t *testing.T) {
		_, srv := restFixture(t)

		req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"text":"hi"}`))
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "authentication required")
	})

	t.Run("blank text", func(t *testing.T) {
		_, srv := restFixture(t)

		req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"text":"  "}`))
		req.Header.Set("Authorization", "Bearer tok")
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown room", func(t *testing.T) {
		_, srv := restFixture(t)

		req := httptest.NewRequest(http.MethodPost, "/api/messages",
			strings.NewReader(`{"text":"hi","roomId":"missing"}`))
		req.Header.Set("Authorization", "Bearer tok")
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRESTUpdateDeleteForbidden(t *testing.T) {
	f, srv := restFixture(t, "r1")

	// Persist a message owned by someone else.
	env, err := f.svc.SendMessage(context.Background(), "u2", "bob", "r1", "not yours")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/api/messages/"+env.ID, strings.NewReader(`{"text":"edit"}`))
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/messages/"+env.ID, nil)
	req.Header.Set("Authorization", "Bearer tok")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRESTHistory(t *testing.T) {
	f, srv := restFixture(t, "r1")

	_, err := f.svc.SendMessage(context.Background(), "u1", "alice", "r1", "hello")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/messages?roomId=r1", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello")
}

// wsFixture serves ServeWs directly, the way main mounts it outside the
// HTTP auth middleware, and returns the dialable URL.
func wsFixture(t *testing.T, verifier TokenVerifier) string {
	t.Helper()
	f := newServiceFixture("r1")
	registry := presence.NewRegistry()
	hub := NewHub(registry, &relayRecorder{}, zerolog.Nop())
	go hub.Run()

	h := NewHandler(hub, f.svc, f.rooms, registry, verifier, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWs))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWs(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWsFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func TestServeWsHandshake(t *testing.T) {
	verifier := &staticVerifier{identity: &user.Identity{UserID: "u1", Username: "alice"}}

	t.Run("token in the first auth frame", func(t *testing.T) {
		conn := dialWs(t, wsFixture(t, verifier))

		require.NoError(t, conn.WriteJSON(Frame{Event: EventAuth, Data: []byte(`{"token":"tok"}`)}))
		require.NoError(t, conn.WriteJSON(Frame{Event: EventUsersOnline}))

		frame := readWsFrame(t, conn)
		require.Equal(t, EventUsersOnlineList, frame.Event)
		assert.Contains(t, string(frame.Data), "u1")
	})

	t.Run("token in the query", func(t *testing.T) {
		conn := dialWs(t, wsFixture(t, verifier)+"/?token=tok")

		require.NoError(t, conn.WriteJSON(Frame{Event: EventUsersOnline}))

		frame := readWsFrame(t, conn)
		assert.Equal(t, EventUsersOnlineList, frame.Event)
	})

	t.Run("rejected token", func(t *testing.T) {
		bad := &staticVerifier{err: user.ErrTokenExpired}
		conn := dialWs(t, wsFixture(t, bad)+"/?token=tok")

		frame := readWsFrame(t, conn)
		require.Equal(t, EventError, frame.Event)
		assert.Contains(t, string(frame.Data), "token expired")

		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	})

	t.Run("non-auth first frame without token is rejected", func(t *testing.T) {
		conn := dialWs(t, wsFixture(t, verifier))

		require.NoError(t, conn.WriteJSON(Frame{Event: EventUsersOnline}))

		frame := readWsFrame(t, conn)
		require.Equal(t, EventError, frame.Event)
		assert.Contains(t, string(frame.Data), "authentication required")
	})
}

func TestRouteInboundEvents(t *testing.T) {
	f := newServiceFixture("r1")
	registry := presence.NewRegistry()
	hub := NewHub(registry, &relayRecorder{}, zerolog.Nop())
	go hub.Run()

	verifier := &staticVerifier{identity: &user.Identity{UserID: "u1", Username: "alice"}}
	h := NewHandler(hub, f.svc, f.rooms, registry, verifier, zerolog.Nop())

	alice := newTestClient("alice", "c1")
	alice.gateway = h
	alice.hub = hub
	bob := newTestClient("bob", "c2")
	hub.Register(alice)
	hub.Register(bob)
	hub.Join(alice, "r1")
	hub.Join(bob, "r1")
	recvFrame(t, alice) // bob's join notification

	t.Run("join unknown room is rejected", func(t *testing.T) {
		h.route(alice, Frame{Event: EventJoinRoom, Data: []byte(`{"roomId":"missing"}`)})

		frame := recvFrame(t, alice)
		assert.Equal(t, EventError, frame.Event)
		assert.Contains(t, string(frame.Data), "room not found")
	})

	t.Run("typing fans out to the room", func(t *testing.T) {
		h.route(alice, Frame{Event: EventTypingStart, Data: []byte(`{"roomId":"r1"}`)})

		frame := recvFrame(t, bob)
		require.Equal(t, EventTypingUser, frame.Event)
		assert.Contains(t, string(frame.Data), `"isTyping":true`)

		h.route(alice, Frame{Event: EventTypingStop, Data: []byte(`{"roomId":"r1"}`)})
		frame = recvFrame(t, bob)
		assert.Contains(t, string(frame.Data), `"isTyping":false`)

		// Room broadcasts include the sender; drain alice's copies so the
		// following subtests start clean.
		recvFrame(t, alice)
		recvFrame(t, alice)
	})

	t.Run("users online list goes to the requester only", func(t *testing.T) {
		h.route(alice, Frame{Event: EventUsersOnline})

		frame := recvFrame(t, alice)
		require.Equal(t, EventUsersOnlineList, frame.Event)
		assert.Contains(t, string(frame.Data), "alice")
		assert.Contains(t, string(frame.Data), "bob")
		expectNoFrame(t, bob)
	})

	t.Run("unknown event yields an error frame", func(t *testing.T) {
		h.route(alice, Frame{Event: "bogus:event"})

		frame := recvFrame(t, alice)
		assert.Equal(t, EventError, frame.Event)
	})

	t.Run("message send error surfaces as error frame", func(t *testing.T) {
		h.route(alice, Frame{Event: EventMessageSend, Data: []byte(`{"text":"   "}`)})

		frame := recvFrame(t, alice)
		assert.Equal(t, EventError, frame.Event)
		assert.Contains(t, string(frame.Data), "blank")
	})
}
