package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process DocumentStore used by tests and by the
// parse-only CLI paths.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
	// PutErr, when set, is returned by every Put.
	PutErr error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, p string) ([]byte, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[clean]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), doc...), nil
}

func (s *MemoryStore) Put(_ context.Context, p string, doc []byte) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return s.PutErr
	}
	s.docs[clean] = append([]byte(nil), doc...)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, p string) (bool, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[clean]
	return ok, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var paths []string
	for p := range s.docs {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
