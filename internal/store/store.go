// Package store holds the observable state containers for each dashboard
// area. Business logic for tasks, habits and reminders lives with the
// callers; a Store only guarantees atomic replacement and change
// notification.
package store

import (
	"sort"
	"sync"
)

// Notifier is the subscription half of a Store, used by code that only
// needs to know that something changed.
type Notifier interface {
	Subscribe(fn func()) (unsubscribe func())
}

// Store is a mutable container for one area's state. Update replaces the
// value atomically and then notifies every subscriber synchronously on
// the calling goroutine, after the lock is released.
type Store[T any] struct {
	mu    sync.RWMutex
	value T

	subsMu sync.Mutex
	subs   map[int]func()
	nextID int
}

// New creates a store holding initial.
func New[T any](initial T) *Store[T] {
	return &Store[T]{
		value: initial,
		subs:  make(map[int]func()),
	}
}

// Get returns the current value. Slices and maps inside T are shared
// with the store; callers must treat them as read-only and go through
// Update to change them.
func (s *Store[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.value
}

// Update replaces the value with fn(current) and notifies subscribers.
func (s *Store[T]) Update(fn func(T) T) {
	s.mu.Lock()
	s.value = fn(s.value)
	s.mu.Unlock()

	s.notify()
}

// Set replaces the value wholesale and notifies subscribers.
func (s *Store[T]) Set(v T) {
	s.Update(func(T) T { return v })
}

// Subscribe registers fn to run after every Update. The returned func
// removes the subscription and is safe to call more than once.
func (s *Store[T]) Subscribe(fn func()) func() {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

func (s *Store[T]) notify() {
	s.subsMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
