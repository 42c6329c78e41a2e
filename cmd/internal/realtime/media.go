package realtime

import (
	"context"
	"sync"
)

// MediaStore is the object-storage collaborator: opaque blobs addressed by
// key. Conversation teardown issues best-effort deletes against it; a failed
// delete leaves an orphaned object (logged, no retry queue).
type MediaStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// InMemoryMediaStore is a dev/test fallback when no blob backend is configured.
type InMemoryMediaStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewInMemoryMediaStore constructs an in-memory MediaStore implementation.
func NewInMemoryMediaStore() *InMemoryMediaStore {
	return &InMemoryMediaStore{objects: make(map[string][]byte)}
}

// Put stores data under key, replacing any previous object.
func (s *InMemoryMediaStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return nil
}

// Get returns the object stored under key.
func (s *InMemoryMediaStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, ErrMediaNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Delete removes the object under key. Deleting an absent key is not an
// error; teardown must stay idempotent.
func (s *InMemoryMediaStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, key)
	return nil
}

// Close closes the store (noop for in-memory).
func (s *InMemoryMediaStore) Close() error { return nil }
