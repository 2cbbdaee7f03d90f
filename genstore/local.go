package genstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LocalGenStore keeps generations in process memory.
//
// Every key starts at a seed taken from the clock, so a restarted process
// does not reuse the generations of its predecessor when the flow cache
// lives in an external provider.
type LocalGenStore struct {
	mu   sync.RWMutex
	gens map[string]*atomic.Uint64
	seed uint64
}

var _ GenStore = (*LocalGenStore)(nil)

func NewLocalGenStore() *LocalGenStore {
	return NewLocalGenStoreWithSeed(uint64(time.Now().UnixNano()))
}

// NewLocalGenStoreWithSeed starts every key at seed.
func NewLocalGenStoreWithSeed(seed uint64) *LocalGenStore {
	return &LocalGenStore{gens: make(map[string]*atomic.Uint64), seed: seed}
}

func (s *LocalGenStore) counter(k string) *atomic.Uint64 {
	s.mu.RLock()
	c, ok := s.gens[k]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.gens[k]; !ok {
		c = new(atomic.Uint64)
		c.Store(s.seed)
		s.gens[k] = c
	}
	return c
}

func (s *LocalGenStore) Snapshot(_ context.Context, k string) (uint64, error) {
	return s.counter(k).Load(), nil
}

func (s *LocalGenStore) Bump(_ context.Context, k string) (uint64, error) {
	return s.counter(k).Add(1), nil
}

func (s *LocalGenStore) Close(context.Context) error { return nil }
