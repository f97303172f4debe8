package tuplespace

import "sync"

// Store holds tuples in publication order. Remove takes the oldest match.
// Changed returns a channel closed on the next Put, which lets blocking
// readers wait without polling.
type Store struct {
	mu      sync.Mutex
	tuples  []Tuple
	changed chan struct{}
	version uint64
}

func NewStore() *Store {
	return &Store{changed: make(chan struct{})}
}

func (s *Store) Put(t Tuple) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tuples = append(s.tuples, t)
	s.version++
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Store) Remove(p Pattern) (Tuple, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.tuples {
		if p.Match(t) {
			s.tuples = append(s.tuples[:i], s.tuples[i+1:]...)
			s.version++
			return t, true
		}
	}
	return Tuple{}, false
}

// Changed must be read before Remove so a Put in between is not missed.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tuples)
}

func (s *Store) Count(p Pattern) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tuples {
		if p.Match(t) {
			n++
		}
	}
	return n
}

func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Snapshot returns a copy of the stored tuples in order.
func (s *Store) Snapshot() []Tuple {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Tuple, len(s.tuples))
	copy(out, s.tuples)
	return out
}

// Restore replaces the contents and wakes every waiter.
func (s *Store) Restore(tuples []Tuple, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tuples = append([]Tuple(nil), tuples...)
	s.version = version
	close(s.changed)
	s.changed = make(chan struct{})
}
