package creds

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-shot tooling.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore(entries ...Entry) *MemoryStore {
	s := &MemoryStore{entries: make(map[string]Entry)}
	for _, e := range entries {
		s.entries[e.Hostname] = e
	}
	return s
}

func (s *MemoryStore) Lookup(hostname string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[hostname]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) Put(e Entry) error {
	s.mu.Lock()
	s.entries[e.Hostname] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(hostname string) error {
	s.mu.Lock()
	delete(s.entries, hostname)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
