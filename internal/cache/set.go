package cache

import "sync"

// Instance is the type-erased view of a Cache. Generic instances with
// different key/value types register under it so the Set can own their
// lifecycle and aggregate stats.
type Instance interface {
	Stats() Stats
	RemoveExpired() int
	Close()
}

// Set holds the process's named cache instances. Namespacing by instance
// rather than key prefix means a key in one namespace can never shadow
// a key in another.
type Set struct {
	mu     sync.Mutex
	caches []Instance
	closed bool
}

func NewSet() *Set {
	return &Set{}
}

// Register adds an instance to the set. Registration after Close closes
// the instance immediately.
func (s *Set) Register(c Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		c.Close()
		return
	}
	s.caches = append(s.caches, c)
}

// Stats returns a snapshot per registered instance, in registration order.
func (s *Set) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]Stats, 0, len(s.caches))
	for _, c := range s.caches {
		stats = append(stats, c.Stats())
	}
	return stats
}

// RemoveExpired sweeps every instance and returns the total removed.
func (s *Set) RemoveExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, c := range s.caches {
		removed += c.RemoveExpired()
	}
	return removed
}

// Close stops every registered instance. Idempotent.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for _, c := range s.caches {
		c.Close()
	}
}
