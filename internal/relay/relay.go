// Package relay wraps Redis pub/sub for low-latency cross-instance fan-out.
// Delivery is non-durable: a publish lost to a transport failure falls back
// to the local handler only, since the event bus remains the durable
// fan-out path for other instances.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Handler receives the raw payload of a relay message. Handlers for one
// channel are invoked in arrival order; no ordering holds across channels.
type Handler func(payload []byte)

// Client is a thin pub/sub wrapper. The underlying transport connects on
// first use; go-redis re-establishes registered subscriptions itself after
// a reconnect, and the handler table here survives that.
type Client struct {
	rdb *redis.Client
	log zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	pubsub   *redis.PubSub
	started  bool
}

func New(rdb *redis.Client, log zerolog.Logger) *Client {
	return &Client{
		rdb:      rdb,
		log:      log.With().Str("component", "relay").Logger(),
		handlers: make(map[string]Handler),
	}
}

// Subscribe registers the handler for a channel. Exactly one handler per
// channel; registration must happen before Start.
func (c *Client) Subscribe(channel string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("relay: subscribe %q after start", channel)
	}
	if _, ok := c.handlers[channel]; ok {
		return fmt.Errorf("relay: handler already registered for %q", channel)
	}
	c.handlers[channel] = h
	return nil
}

// Start opens the subscription for all registered channels and begins
// dispatching in a background goroutine. The goroutine exits when ctx is
// cancelled or the client is closed.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("relay: already started")
	}
	channels := make([]string, 0, len(c.handlers))
	for ch := range c.handlers {
		channels = append(channels, ch)
	}
	c.pubsub = c.rdb.Subscribe(ctx, channels...)
	c.started = true

	go c.receive()
	c.log.Info().Strs("channels", channels).Msg("relay subscribed")
	return nil
}

func (c *Client) receive() {
	for msg := range c.pubsub.Channel() {
		c.dispatch(msg.Channel, []byte(msg.Payload))
	}
}

func (c *Client) dispatch(channel string, payload []byte) {
	c.mu.Lock()
	h := c.handlers[channel]
	c.mu.Unlock()

	if h == nil {
		c.log.Warn().Str("channel", channel).Msg("relay message for unhandled channel")
		return
	}
	h(payload)
}

// Publish sends a payload to a channel, fire-and-forget. Local subscribers
// normally receive the payload through the broker echo; when the publish
// fails, the registered handler is dispatched directly so only
// cross-instance fan-out degrades. Failures are logged and never returned.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		c.log.Error().Err(err).Str("channel", channel).Msg("relay publish failed, delivering locally only")
		c.dispatch(channel, payload)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pubsub != nil {
		return c.pubsub.Close()
	}
	return nil
}
