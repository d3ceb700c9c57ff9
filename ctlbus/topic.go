package ctlbus

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Topic holds the latest value published on it. Subscribers poll; nothing
// blocks and older samples are overwritten.
type Topic[T any] struct {
	name  string
	clock clockwork.Clock

	mu    sync.Mutex
	value T
	gen   uint64
	subs  int
}

// NewTopic creates an empty topic
func NewTopic[T any](name string, clock clockwork.Clock) *Topic[T] {
	return &Topic[T]{name: name, clock: clock}
}

// Name returns the topic name
func (t *Topic[T]) Name() string {
	return t.name
}

// Publish replaces the current value
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	t.value = v
	t.gen++
	t.mu.Unlock()
}

// Subscribers returns the number of open subscriptions
func (t *Topic[T]) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs
}

// Subscribe opens a subscription. A value published before this call is
// reported as the first update.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs++
	return &Subscription[T]{topic: t}
}

// Subscription tracks which samples of a topic a reader has consumed. It
// belongs to one reader and is not safe for concurrent use.
type Subscription[T any] struct {
	topic    *Topic[T]
	seen     uint64
	interval time.Duration
	lastCopy time.Time
	closed   bool
}

// SetInterval limits updates to at most one per d
func (s *Subscription[T]) SetInterval(d time.Duration) {
	s.interval = d
}

// Interval returns the configured minimum update spacing
func (s *Subscription[T]) Interval() time.Duration {
	return s.interval
}

// Updated reports, without blocking, whether a sample newer than the last
// copied one is available and the interval has elapsed
func (s *Subscription[T]) Updated() bool {
	if s.closed {
		return false
	}
	t := s.topic
	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()
	if gen == s.seen {
		return false
	}
	return s.interval == 0 || s.lastCopy.IsZero() || t.clock.Since(s.lastCopy) >= s.interval
}

// Copy returns the latest value and marks it consumed. ok is false when
// nothing was ever published or the subscription is closed.
func (s *Subscription[T]) Copy() (v T, ok bool) {
	if s.closed {
		return v, false
	}
	t := s.topic
	t.mu.Lock()
	v, gen := t.value, t.gen
	t.mu.Unlock()
	s.seen = gen
	s.lastCopy = t.clock.Now()
	return v, gen > 0
}

// Close releases the subscription; closing twice is harmless
func (s *Subscription[T]) Close() {
	if s.closed {
		return
	}
	s.closed = true
	t := s.topic
	t.mu.Lock()
	t.subs--
	t.mu.Unlock()
}
