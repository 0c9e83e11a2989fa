package castkit

import "sync"

// StateFlow holds a current value plus change notification: subscribers get
// the value at subscription time and every transition afterwards. Sends are
// conflated: a slow subscriber observes the latest value, not every
// intermediate one.
type StateFlow[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[int]chan T
	next  int
}

// NewStateFlow creates a flow holding initial.
func NewStateFlow[T any](initial T) *StateFlow[T] {
	return &StateFlow[T]{
		value: initial,
		subs:  make(map[int]chan T),
	}
}

// Value returns the current value.
func (s *StateFlow[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Subscribe returns a channel that yields the current value immediately and
// then every subsequent transition, plus a cancel function that must be
// called to detach the subscription.
func (s *StateFlow[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, 1)
	ch <- s.value
	id := s.next
	s.next++
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// set publishes a new value. Pending unread values are replaced.
func (s *StateFlow[T]) set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
			// Conflate: drop the stale pending value.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}
