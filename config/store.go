package config

import (
	"sync"
	"sync/atomic"
)

// Store holds the current configuration snapshot. Readers never see a
// partially updated Config.
type Store struct {
	cur atomic.Pointer[Config]

	mu       sync.Mutex
	watchers []func(*Config)
}

// NewStore creates a store holding a copy of cfg
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.cur.Store(cfg.Clone())
	return s
}

// Load returns the current snapshot. Callers must not modify it.
func (s *Store) Load() *Config {
	return s.cur.Load()
}

// Update applies fn to a copy of the current snapshot and swaps it in when
// it validates. Watchers are called with the new snapshot.
func (s *Store) Update(fn func(*Config)) (*Config, error) {
	s.mu.Lock()
	next := s.cur.Load().Clone()
	fn(next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.cur.Store(next)
	watchers := append([]func(*Config){}, s.watchers...)
	s.mu.Unlock()

	for _, w := range watchers {
		w(next)
	}
	return next, nil
}

// Watch registers fn to run after every successful Update
func (s *Store) Watch(fn func(*Config)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}
