package docstore

import (
	"sync"

	"github.com/alexjbarnes/dash-sync/internal/models"
)

// Hub fans change events out to per-user subscribers. Each subscriber
// has its own delivery goroutine, so a slow or re-entrant callback never
// blocks the writer. Events for a subscriber that falls behind coalesce
// to the newest one; under last-writer-wins the intermediate versions
// carry nothing the newest does not.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	fn func(models.ChangeEvent)

	mu      sync.Mutex
	pending *models.ChangeEvent

	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers fn for userID and returns a function that removes
// it and waits for any in-progress delivery to finish. The returned
// function is idempotent but must not be called from inside fn.
func (h *Hub) Subscribe(userID string, fn func(models.ChangeEvent)) func() {
	sub := &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.done)

		return func() {}
	}

	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscriber]struct{})
	}

	h.subs[userID][sub] = struct{}{}
	h.mu.Unlock()

	go sub.run()

	var once sync.Once

	return func() {
		once.Do(func() {
			h.mu.Lock()
			if set := h.subs[userID]; set != nil {
				delete(set, sub)

				if len(set) == 0 {
					delete(h.subs, userID)
				}
			}
			h.mu.Unlock()

			sub.stop()
		})
	}
}

// Publish queues ev for every subscriber of its user.
func (h *Hub) Publish(ev models.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[ev.Record.UserID] {
		sub.offer(ev)
	}
}

// SubscriberCount returns the number of live subscribers for userID.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs[userID])
}

// Close stops every subscriber. Later subscriptions are inert.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[*subscriber]struct{})
	h.closed = true
	h.mu.Unlock()

	for _, set := range all {
		for sub := range set {
			sub.stop()
		}
	}
}

func (s *subscriber) offer(ev models.ChangeEvent) {
	s.mu.Lock()
	s.pending = &ev
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *subscriber) run() {
	defer close(s.done)

	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		ev := s.pending
		s.pending = nil
		s.mu.Unlock()

		if ev != nil {
			s.fn(*ev)
		}
	}
}
