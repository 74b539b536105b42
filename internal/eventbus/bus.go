// Package eventbus wraps the durable log broker (NATS JetStream). It owns
// the connection lifecycle with bounded retry, topic subscription with a
// routing table, and per-topic pause/resume backpressure. Delivery may be
// duplicated or replayed; consumers are expected to apply envelopes
// idempotently using their stable identifiers.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// ErrFatalConnect means the connect retry budget is exhausted. The
	// service must not begin accepting traffic after seeing it.
	ErrFatalConnect = errors.New("eventbus: connect retry budget exhausted")

	// ErrNotConnected is returned by Produce outside the Connected state.
	ErrNotConnected = errors.New("eventbus: not connected")
)

// Handler processes a consumed payload. A non-nil error pauses the
// payload's topic for the configured cooldown and NAKs the message.
type Handler func(ctx context.Context, payload []byte) error

// Config holds connection and consumption settings.
type Config struct {
	URL        string
	Stream     string   // JetStream stream name
	Subjects   []string // subjects bound to the stream
	QueueGroup string   // shared consumer group across instances

	ConnectWait    time.Duration // initial backoff delay
	BackoffFactor  float64
	MaxConnectWait time.Duration // backoff cap
	MaxAttempts    int

	Cooldown time.Duration // per-topic pause window after a handler error
}

func (c Config) withDefaults() Config {
	if c.ConnectWait <= 0 {
		c.ConnectWait = 500 * time.Millisecond
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 2
	}
	if c.MaxConnectWait <= 0 {
		c.MaxConnectWait = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.QueueGroup == "" {
		c.QueueGroup = "chatgrid"
	}
	return c
}

type dialFunc func(url string, opts ...nats.Option) (*nats.Conn, error)

// Bus is the event-bus client.
type Bus struct {
	cfg  Config
	log  zerolog.Logger
	dial dialFunc

	mu      sync.Mutex
	state   State
	attempt int
	nc      *nats.Conn
	js      nats.JetStreamContext
	routes  map[string]Handler
	subs    []*nats.Subscription

	breaker *breaker
}

func New(cfg Config, log zerolog.Logger) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		cfg:     cfg,
		log:     log.With().Str("component", "eventbus").Logger(),
		dial:    nats.Connect,
		routes:  make(map[string]Handler),
		breaker: newBreaker(cfg.Cooldown),
	}
}

// State returns the current connection state.
func (b *Bus) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bus) setState(s State, attempt int) {
	b.mu.Lock()
	b.state = s
	b.attempt = attempt
	b.mu.Unlock()
}

// Connect drives the state machine to Connected, retrying with exponential
// backoff. Exhausting the attempt budget leaves the bus in Fatal and
// returns ErrFatalConnect; the caller is expected to abort startup.
func (b *Bus) Connect(ctx context.Context) error {
	delay := b.cfg.ConnectWait

	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		b.setState(StateConnecting, attempt)

		err := b.tryConnect()
		if err == nil {
			b.setState(StateConnected, attempt)
			b.log.Info().Int("attempt", attempt).Msg("event bus connected")
			return nil
		}

		b.log.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", b.cfg.MaxAttempts).
			Dur("next_delay", delay).
			Msg("event bus connect failed")

		if attempt == b.cfg.MaxAttempts {
			break
		}

		b.setState(StateDisconnected, attempt)
		select {
		case <-ctx.Done():
			b.setState(StateDisconnected, attempt)
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * b.cfg.BackoffFactor)
		if delay > b.cfg.MaxConnectWait {
			delay = b.cfg.MaxConnectWait
		}
	}

	b.setState(StateFatal, b.cfg.MaxAttempts)
	return ErrFatalConnect
}

func (b *Bus) tryConnect() error {
	nc, err := b.dial(b.cfg.URL,
		nats.RetryOnFailedConnect(false),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return err
	}

	if err := b.ensureStream(js); err != nil {
		nc.Close()
		return err
	}

	b.mu.Lock()
	b.nc = nc
	b.js = js
	b.mu.Unlock()
	return nil
}

func (b *Bus) ensureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(b.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     b.cfg.Stream,
		Subjects: b.cfg.Subjects,
		Storage:  nats.FileStorage,
	})
	return err
}

// Produce publishes a payload to a topic with a delivery key derived from
// the topic and a random disambiguator. It requires the Connected state and
// returns transport failures to the caller; there is no internal retry.
func (b *Bus) Produce(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	js := b.js
	state := b.state
	b.mu.Unlock()

	if state != StateConnected {
		return ErrNotConnected
	}

	msg := nats.NewMsg(topic)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, topic+"-"+uuid.NewString())

	if _, err := js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("eventbus: produce %s: %w", topic, err)
	}
	return nil
}

// Subscribe installs the routing table and opens one durable queue
// subscription per topic. A consumed topic with no route is logged and
// dropped. Must be called in the Connected state, once.
func (b *Bus) Subscribe(topics []string, routes map[string]Handler) error {
	b.mu.Lock()
	js := b.js
	state := b.state
	b.mu.Unlock()

	if state != StateConnected {
		return ErrNotConnected
	}

	b.mu.Lock()
	b.routes = routes
	b.mu.Unlock()

	for _, topic := range topics {
		sub, err := js.QueueSubscribe(topic, b.cfg.QueueGroup, b.consume(topic),
			nats.ManualAck(),
			nats.Durable(durableName(b.cfg.QueueGroup, topic)),
			nats.DeliverNew(),
		)
		if err != nil {
			return fmt.Errorf("eventbus: subscribe %s: %w", topic, err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}

	b.log.Info().Strs("topics", topics).Msg("event bus subscribed")
	return nil
}

// durable consumer names may not contain dots.
func durableName(group, topic string) string {
	return group + "-" + strings.ReplaceAll(topic, ".", "-")
}

type disposition int

const (
	ackMsg disposition = iota
	nakMsg
)

func (b *Bus) consume(topic string) nats.MsgHandler {
	return func(m *nats.Msg) {
		switch d, delay := b.dispatch(context.Background(), topic, m.Data); d {
		case nakMsg:
			_ = m.NakWithDelay(delay)
		default:
			_ = m.Ack()
		}
	}
}

// dispatch routes one payload. A paused topic NAKs the message back to the
// broker with the remaining cooldown so consumption resumes on redelivery;
// a handler error trips the pause and NAKs likewise. Successfully handled
// and unroutable payloads are acked.
func (b *Bus) dispatch(ctx context.Context, topic string, payload []byte) (disposition, time.Duration) {
	if paused, remaining := b.breaker.check(topic); paused {
		return nakMsg, remaining
	}

	b.mu.Lock()
	h := b.routes[topic]
	b.mu.Unlock()

	if h == nil {
		b.log.Warn().Str("topic", topic).Msg("no handler for topic, dropping")
		return ackMsg, 0
	}

	if err := h(ctx, payload); err != nil {
		b.log.Error().Err(err).
			Str("topic", topic).
			Dur("cooldown", b.cfg.Cooldown).
			Msg("handler failed, pausing topic")
		b.breaker.trip(topic)
		return nakMsg, b.cfg.Cooldown
	}
	return ackMsg, 0
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	nc := b.nc
	b.subs = nil
	b.nc = nil
	b.state = StateDisconnected
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Drain()
	}
	if nc != nil {
		_ = nc.Drain()
	}
}
