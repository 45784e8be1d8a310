package transport

import (
	"slices"
	"sync"
)

// subscribers is the callback list shared by every transport implementation.
type subscribers struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]func(Message)
}

func (s *subscribers) add(fn func(Message)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(Message))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

// deliver calls every subscriber in registration order. The lock is released before
// calling out so a callback may unsubscribe itself.
func (s *subscribers) deliver(msg Message) {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)

	for _, id := range ids {
		s.mu.RLock()
		fn, ok := s.fns[id]
		s.mu.RUnlock()
		if ok {
			fn(msg)
		}
	}
}

func (s *subscribers) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fns)
}
