package history

import (
	"context"
	"sync"
)

// memoryStore implements Store using an in-memory map.
type memoryStore struct {
	mu            sync.RWMutex
	conversations map[string][]Message
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		conversations: make(map[string][]Message),
	}
}

func (s *memoryStore) Save(ctx context.Context, convID string, msgs []Message) error {
	cp := make([]Message, len(msgs))
	copy(cp, msgs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[convID] = cp
	return nil
}

func (s *memoryStore) Load(ctx context.Context, convID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, exists := s.conversations[convID]
	if !exists {
		return []Message{}, nil
	}
	cp := make([]Message, len(stored))
	copy(cp, stored)
	return cp, nil
}

func (s *memoryStore) Delete(ctx context.Context, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, convID)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = nil
	return nil
}

var _ Store = (*memoryStore)(nil)
