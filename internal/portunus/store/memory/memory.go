package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/store"
)

// Store is an in-memory store.Store. It is intended for tests and dev
// runs; "restarting" a component is simulated by reopening it over the same
// Store.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte

	// maxBytes bounds the total size of stored values; 0 means unbounded.
	maxBytes int
	used     int
}

func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// NewBounded returns a Store that fails writes with store.ErrFull once the
// stored values would exceed maxBytes.
func NewBounded(maxBytes int) *Store {
	s := New()
	s.maxBytes = maxBytes
	return s
}

func (s *Store) Read(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(v), nil
}

func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	return s.Commit(ctx, store.Put(key, value))
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Commit(ctx, store.Del(key))
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *Store) Commit(_ context.Context, ops ...store.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Size the whole commit first so a rejected commit changes nothing.
	used := s.used
	sizes := make(map[string]int, len(ops))
	for _, op := range ops {
		prev, ok := sizes[op.Key]
		if !ok {
			prev = len(s.data[op.Key])
		}
		size := 0
		if !op.Delete {
			size = len(op.Value)
		}
		used += size - prev
		sizes[op.Key] = size
	}
	if s.maxBytes > 0 && used > s.maxBytes {
		return store.ErrFull
	}

	for _, op := range ops {
		if op.Delete {
			delete(s.data, op.Key)
			continue
		}
		s.data[op.Key] = slices.Clone(op.Value)
	}
	s.used = used
	return nil
}

// Corrupt flips one bit of the stored value at key, simulating flash
// wear. Test-only helper.
func (s *Store) Corrupt(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data[key]
	if !ok || len(v) == 0 {
		return false
	}
	v[len(v)-1] ^= 0x01
	return true
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
