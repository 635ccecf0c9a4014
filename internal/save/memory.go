package save

import (
	"context"
	"sync"
)

// MemorySaver keeps content in process memory. It backs tests and the
// in-memory development profile.
type MemorySaver struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Saver = (*MemorySaver)(nil)

// NewMemorySaver returns an empty in-memory saver.
func NewMemorySaver() *MemorySaver {
	return &MemorySaver{objects: make(map[string][]byte)}
}

// Save stores a copy of the content and returns a memory:// URI.
func (s *MemorySaver) Save(_ context.Context, identity string, _ string, content []byte) (string, error) {
	name := ObjectName(identity)
	s.mu.Lock()
	s.objects[name] = append([]byte(nil), content...)
	s.mu.Unlock()
	return "memory://" + name, nil
}

// Get returns the stored content for an identity.
func (s *MemorySaver) Get(identity string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.objects[ObjectName(identity)]
	return content, ok
}

// Len reports how many objects are stored.
func (s *MemorySaver) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Close is a no-op.
func (s *MemorySaver) Close() error { return nil }
