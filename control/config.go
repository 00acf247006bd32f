// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Typed configuration store with atomic snapshot reads and reload listeners.

package control

import (
	"sync"
	"sync/atomic"
)

// Store holds one immutable configuration value of type T. Readers get the
// current snapshot without locking; writers replace it and notify listeners.
type Store[T any] struct {
	cur       atomic.Pointer[T]
	validate  func(T) error
	mu        sync.Mutex
	listeners []func(T)
}

// NewStore creates a store holding initial. validate, when non-nil, guards
// every later Set and Update; initial is trusted.
func NewStore[T any](initial T, validate func(T) error) *Store[T] {
	s := &Store[T]{validate: validate}
	s.cur.Store(&initial)
	return s
}

// Load returns the current snapshot.
func (s *Store[T]) Load() T {
	return *s.cur.Load()
}

// Set validates and installs v, then runs the reload listeners synchronously.
func (s *Store[T]) Set(v T) error {
	_, err := s.Update(func(T) T { return v })
	return err
}

// Update derives a new value from the current one. Concurrent updates are
// serialized so none is lost.
func (s *Store[T]) Update(fn func(T) T) (T, error) {
	s.mu.Lock()
	next := fn(*s.cur.Load())
	if s.validate != nil {
		if err := s.validate(next); err != nil {
			s.mu.Unlock()
			var zero T
			return zero, err
		}
	}
	s.cur.Store(&next)
	listeners := append([]func(T){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return next, nil
}

// OnReload registers a listener called with every installed value.
func (s *Store[T]) OnReload(fn func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
