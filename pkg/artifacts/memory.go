package artifacts

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryStore keeps artifacts in memory. Used by tests and the embedded worker.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[string][]byte{}}
}

func (s *MemoryStore) Put(_ context.Context, key string, body []byte) error {
	cleaned, err := CleanKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[cleaned]; ok {
		return fmt.Errorf("%w: %s", ErrArtifactExists, key)
	}

	s.blobs[cleaned] = slices.Clone(body)

	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	body, ok := s.blobs[cleaned]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
	}

	return slices.Clone(body), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	cleaned, err := CleanKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.blobs, cleaned)
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	_, ok := s.blobs[cleaned]
	s.mu.RUnlock()

	return ok, nil
}

// Keys lists the stored keys in sorted order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.blobs))
	for key := range s.blobs {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	return keys
}
