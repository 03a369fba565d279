// Package events provides the publish/subscribe bus that fans marketplace and
// session events out to stream clients. Producers never block: each subscriber
// owns a bounded channel and events that do not fit are dropped and counted.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/R3E-Network/infomart/pkg/logger"
)

// DefaultBuffer is the per-subscriber channel capacity used when none is given.
const DefaultBuffer = 64

// Filter decides whether a subscriber receives an event.
type Filter[T any] func(T) bool

// Handler processes events delivered to a callback subscriber.
type Handler[T any] func(T)

// Option configures a Bus.
type Option func(*options)

type options struct {
	history int
	onDrop  func()
	log     *logger.Logger
}

// WithHistory sets how many recent events are retained for replay.
func WithHistory(n int) Option {
	return func(o *options) { o.history = n }
}

// WithDropHook registers a callback invoked once per dropped delivery.
func WithDropHook(fn func()) Option {
	return func(o *options) { o.onDrop = fn }
}

// WithLogger sets the logger used to report subscriber failures.
func WithLogger(log *logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// Bus broadcasts events of type T to every current subscriber in publish
// order. It is safe for concurrent use.
type Bus[T any] struct {
	publishMu sync.Mutex

	mu     sync.RWMutex
	subs   map[int64]*Subscription[T]
	nextID int64
	closed bool

	ring  []T
	head  int
	count int

	published atomic.Uint64
	dropped   atomic.Uint64
	onDrop    func()
	log       *logger.Logger
}

// New creates a bus.
func New[T any](opts ...Option) *Bus[T] {
	o := options{history: 100}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.NewDefault("events")
	}
	if o.history < 0 {
		o.history = 0
	}
	return &Bus[T]{
		subs:   make(map[int64]*Subscription[T]),
		ring:   make([]T, o.history),
		onDrop: o.onDrop,
		log:    o.log,
	}
}

// Subscription is a channel-backed subscriber.
type Subscription[T any] struct {
	id      int64
	bus     *Bus[T]
	filter  Filter[T]
	dropped atomic.Uint64

	mu     sync.Mutex
	ch     chan T
	closed bool
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Dropped reports how many events did not fit in this subscriber's buffer.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.bus.remove(s.id)
	s.closeChannel()
}

func (s *Subscription[T]) closeChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver performs a non-blocking send and reports whether it succeeded.
func (s *Subscription[T]) deliver(event T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Subscribe registers a channel subscriber receiving every event.
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	sub, _ := b.SubscribeFiltered(buffer, nil, 0)
	return sub
}

// SubscribeFiltered registers a channel subscriber with an optional filter and
// returns up to replay recent matching events. Registration and the replay
// snapshot happen atomically, so no event is both replayed and delivered and
// none falls in between.
func (b *Bus[T]) SubscribeFiltered(buffer int, filter Filter[T], replay int) (*Subscription[T], []T) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription[T]{
		id:     b.nextID,
		bus:    b,
		filter: filter,
		ch:     make(chan T, buffer),
	}
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub, nil
	}
	b.subs[sub.id] = sub

	var history []T
	if replay > 0 {
		for _, evt := range b.recentLocked(b.count) {
			if filter == nil || filter(evt) {
				history = append(history, evt)
			}
		}
		if len(history) > replay {
			history = history[len(history)-replay:]
		}
	}
	return sub, history
}

// SubscribeFunc registers a callback subscriber. Callbacks run on a dedicated
// goroutine per subscriber, so a slow or panicking handler affects neither the
// publisher nor other subscribers. The returned function unsubscribes.
func (b *Bus[T]) SubscribeFunc(handler Handler[T], filter Filter[T]) func() {
	sub, _ := b.SubscribeFiltered(DefaultBuffer, filter, 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range sub.C() {
			b.invoke(handler, evt)
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}

func (b *Bus[T]) invoke(handler Handler[T], evt T) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("panic", r).Error("event subscriber panicked")
		}
	}()
	handler(evt)
}

// Publish delivers event to all matching subscribers without blocking on any
// of them. Concurrent publishers are serialised so every subscriber observes
// the same global order.
func (b *Bus[T]) Publish(event T) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.ring) > 0 {
		b.ring[b.head] = event
		b.head = (b.head + 1) % len(b.ring)
		if b.count < len(b.ring) {
			b.count++
		}
	}
	subs := make([]*Subscription[T], 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	b.published.Add(1)
	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		if !sub.deliver(event) {
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Recent returns up to n most recent events, oldest first.
func (b *Bus[T]) Recent(n int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.recentLocked(n)
}

func (b *Bus[T]) recentLocked(n int) []T {
	if n <= 0 || b.count == 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}
	out := make([]T, 0, n)
	start := (b.head - n + len(b.ring)) % len(b.ring)
	for i := 0; i < n; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

// Subscribers returns the number of active subscribers.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns the number of events published.
func (b *Bus[T]) Published() uint64 { return b.published.Load() }

// Dropped returns the number of deliveries dropped across all subscribers.
func (b *Bus[T]) Dropped() uint64 { return b.dropped.Load() }

// Close ends every subscription. Further publishes are ignored.
func (b *Bus[T]) Close() {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int64]*Subscription[T])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeChannel()
	}
}

func (b *Bus[T]) remove(id int64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
