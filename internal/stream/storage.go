package stream

import (
	"context"
	"sync"
	"time"

	"github.com/synctv-org/synctv/internal/synctverr"
)

// HlsStorage stores TS segment payloads. Keys are the flat
// "{app}-{room}-{media}-{ts_name}" form; no path separators.
type HlsStorage interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Cleanup removes objects older than maxAge, returning how many.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

// MemoryHlsStorage is the default in-process backend.
type MemoryHlsStorage struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data      []byte
	createdAt time.Time
}

// NewMemoryHlsStorage creates an empty store.
func NewMemoryHlsStorage() *MemoryHlsStorage {
	return &MemoryHlsStorage{objects: make(map[string]memObject)}
}

// Write implements HlsStorage.
func (s *MemoryHlsStorage) Write(_ context.Context, key string, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	s.mu.Lock()
	s.objects[key] = memObject{data: buf, createdAt: time.Now()}
	s.mu.Unlock()
	return nil
}

// Read implements HlsStorage.
func (s *MemoryHlsStorage) Read(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, synctverr.ErrNotFound
	}
	return obj.data, nil
}

// Exists implements HlsStorage.
func (s *MemoryHlsStorage) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	return ok, nil
}

// Cleanup implements HlsStorage.
func (s *MemoryHlsStorage) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for key, obj := range s.objects {
		if obj.createdAt.Before(cutoff) {
			delete(s.objects, key)
			deleted++
		}
	}
	return deleted, nil
}

// Delete removes one object (used by the rolling window eviction).
func (s *MemoryHlsStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}
