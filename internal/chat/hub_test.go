package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgrid/internal/presence"
)

// relayRecorder captures relay publishes for assertions.
type relayRecorder struct {
	mu        sync.Mutex
	published []recordedPublish
}

type recordedPublish struct {
	channel string
	payload []byte
}

func (r *relayRecorder) Publish(_ context.Context, channel string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, recordedPublish{channel, payload})
}

func (r *relayRecorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.published {
		if p.channel != ChannelUserStatus {
			continue
		}
		var env UserStatusEnvelope
		if json.Unmarshal(p.payload, &env) == nil {
			out = append(out, env.Status)
		}
	}
	return out
}

func newTestClient(userID, connID string) *Client {
	return &Client{
		ID:     connID,
		UserID: userID,
		send:   make(chan []byte, 64),
		rooms:  make(map[string]bool),
	}
}

func recvFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var f Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func expectNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func startHub(t *testing.T) (*Hub, *relayRecorder, *presence.Registry) {
	t.Helper()
	reg := presence.NewRegistry()
	rec := &relayRecorder{}
	h := NewHub(reg, rec, zerolog.Nop())
	go h.Run()
	return h, rec, reg
}

func TestHubRoomScopedBroadcast(t *testing.T) {
	h, _, _ := startHub(t)

	a := newTestClient("alice", "c1")
	b := newTestClient("bob", "c2")
	c := newTestClient("carol", "c3")

	h.Register(a)
	h.Register(b)
	h.Register(c)
	h.Join(a, "r1")
	h.Join(b, "r1")
	h.Join(c, "r2")

	// bob's join notified alice.
	f := recvFrame(t, a)
	require.Equal(t, EventUserJoined, f.Event)

	h.BroadcastLocal("r1", EventMessageNew, MessageEnvelope{ID: "m1", Text: "hi", RoomID: "r1"})

	fa := recvFrame(t, a)
	fb := recvFrame(t, b)
	assert.Equal(t, EventMessageNew, fa.Event)
	assert.Equal(t, EventMessageNew, fb.Event)

	var env MessageEnvelope
	require.NoError(t, json.Unmarshal(fa.Data, &env))
	assert.Equal(t, "hi", env.Text)
	assert.Equal(t, "r1", env.RoomID)

	expectNoFrame(t, c)
}

func TestHubJoinLeaveNotifications(t *testing.T) {
	h, _, _ := startHub(t)

	a := newTestClient("alice", "c1")
	b := newTestClient("bob", "c2")

	h.Register(a)
	h.Register(b)
	h.Join(a, "r1")
	h.Join(b, "r1")

	f := recvFrame(t, a)
	assert.Equal(t, EventUserJoined, f.Event)

	var joined RoomMembershipEnvelope
	require.NoError(t, json.Unmarshal(f.Data, &joined))
	assert.Equal(t, "bob", joined.UserID)
	assert.Equal(t, "r1", joined.RoomID)

	// The joiner gets no notification about itself.
	expectNoFrame(t, b)

	h.Leave(b, "r1")
	f = recvFrame(t, a)
	assert.Equal(t, EventUserLeft, f.Event)

	// bob is gone from the room: no further r1 traffic.
	h.BroadcastLocal("r1", EventMessageNew, MessageEnvelope{ID: "m1", RoomID: "r1"})
	assert.Equal(t, EventMessageNew, recvFrame(t, a).Event)
	expectNoFrame(t, b)
}

func TestHubBroadcastOrderingFIFO(t *testing.T) {
	h, _, _ := startHub(t)

	a := newTestClient("alice", "c1")
	h.Register(a)
	h.Join(a, "r1")

	const n = 50
	for i := 0; i < n; i++ {
		h.BroadcastLocal("r1", EventMessageNew, MessageEnvelope{ID: fmt.Sprintf("m%d", i), RoomID: "r1"})
	}

	for i := 0; i < n; i++ {
		f := recvFrame(t, a)
		var env MessageEnvelope
		require.NoError(t, json.Unmarshal(f.Data, &env))
		assert.Equal(t, fmt.Sprintf("m%d", i), env.ID, "frame %d out of order", i)
	}
}

func TestHubPresenceTransitions(t *testing.T) {
	h, rec, reg := startHub(t)

	c1 := newTestClient("alice", "c1")
	c2 := newTestClient("alice", "c2")

	h.Register(c1)
	h.Register(c2)

	assert.Eventually(t, func() bool { return reg.IsOnline("alice") }, time.Second, 5*time.Millisecond)

	// Two connections, one online transition.
	assert.Eventually(t, func() bool {
		return len(rec.statuses()) == 1 && rec.statuses()[0] == "online"
	}, time.Second, 5*time.Millisecond)

	h.Unregister(c1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"online"}, rec.statuses(), "offline must not fire while a connection remains")
	assert.True(t, reg.IsOnline("alice"))

	h.Unregister(c2)
	assert.Eventually(t, func() bool {
		s := rec.statuses()
		return len(s) == 2 && s[1] == "offline"
	}, time.Second, 5*time.Millisecond)
	assert.False(t, reg.IsOnline("alice"))
}
