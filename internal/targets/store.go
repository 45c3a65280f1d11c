package targets

import "sync/atomic"

// Store holds the configured target list. Readers get an immutable snapshot;
// Set swaps the whole list so a reload never exposes a partial one.
type Store struct {
	cur atomic.Pointer[[]Target]
}

func NewStore(ts []Target) *Store {
	s := &Store{}
	s.Set(ts)
	return s
}

func (s *Store) Set(ts []Target) {
	cp := append([]Target(nil), ts...)
	s.cur.Store(&cp)
}

// Get returns the current list. Callers must not modify it.
func (s *Store) Get() []Target {
	p := s.cur.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (s *Store) Len() int { return len(s.Get()) }
