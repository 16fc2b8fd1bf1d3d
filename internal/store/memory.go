package store

import (
	"sync"

	"annailabs/annai/internal/message"
)

// MemoryStore keeps messages in process memory. It is the default store
// when no history file is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []*message.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *MemoryStore) List() ([]*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*message.Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = s.messages[:0]
	return nil
}
