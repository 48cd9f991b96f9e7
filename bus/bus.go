// Package bus provides the invalidation broadcast channel. Instances publish
// an event when a remote actor changes; every subscriber must observe every
// event (at-least-once, no ordering guarantee between publishers), so cache
// evictions are never lost.
package bus

import (
	"context"
	"sync"
)

// KindActorUpdated signals that a remote actor's record or key set changed
// and any cached copies must be evicted.
const KindActorUpdated = "actorUpdated"

// Event is an invalidation event.
type Event struct {
	Kind    string `json:"kind"`
	ActorID string `json:"actorId"`
}

// Handler consumes an event. Handlers run on the subscriber's delivery
// goroutine and must not block indefinitely.
type Handler func(ev Event)

// Bus is a publish/subscribe channel for invalidation events.
type Bus interface {
	// Publish delivers ev to every current subscriber. Delivery is
	// reliable: a slow subscriber delays its own queue, never drops.
	Publish(ctx context.Context, ev Event) error

	// Subscribe registers a handler and returns a cancel function that
	// detaches it and stops its delivery goroutine.
	Subscribe(h Handler) (cancel func())
}

// Memory is the in-process Bus. Each subscriber owns an ordered queue
// drained by a dedicated goroutine, so publishing never blocks on handlers
// and no event is dropped.
type Memory struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	stopped bool
	handler Handler
	done    chan struct{}
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]*subscriber)}
}

// Publish implements Bus.
func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	subs := make([]*subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.enqueue(ev)
	}
	return nil
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(h Handler) (cancel func()) {
	s := &subscriber{handler: h, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.stop()
		return func() {}
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = s
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			s.stop()
		})
	}
}

// Close detaches all subscribers and waits for their queues to drain.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*subscriber, 0, len(m.subs))
	for id, s := range m.subs {
		subs = append(subs, s)
		delete(m.subs, id)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.stopped {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(ev)
	}
}

// stop drains any queued events, then stops the delivery goroutine.
func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done
}
