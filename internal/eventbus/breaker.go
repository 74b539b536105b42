package eventbus

import (
	"sync"
	"time"
)

// breaker holds per-topic pause state. A topic whose handler failed is
// paused until a cooldown elapses; the state is checked before every
// dispatch, so resumption needs no timer of its own.
type breaker struct {
	mu          sync.Mutex
	cooldown    time.Duration
	pausedUntil map[string]time.Time
	now         func() time.Time
}

func newBreaker(cooldown time.Duration) *breaker {
	return &breaker{
		cooldown:    cooldown,
		pausedUntil: make(map[string]time.Time),
		now:         time.Now,
	}
}

// check reports whether the topic is paused and, if so, how long until it
// resumes. An elapsed pause is cleared on the way through.
func (b *breaker) check(topic string) (paused bool, remaining time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	until, ok := b.pausedUntil[topic]
	if !ok {
		return false, 0
	}
	remaining = until.Sub(b.now())
	if remaining <= 0 {
		delete(b.pausedUntil, topic)
		return false, 0
	}
	return true, remaining
}

// trip pauses the topic for one cooldown window from now.
func (b *breaker) trip(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pausedUntil[topic] = b.now().Add(b.cooldown)
}
