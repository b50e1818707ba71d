package kv

import (
	"context"
	"sync"

	"github.com/spaolacci/murmur3"
)

const memoryShards = 32

type memoryShard struct {
	mu   sync.RWMutex
	data map[string]string
}

// MemoryStore is an in-process Store. Keys are spread over murmur3-hashed
// shards so unrelated tenants do not contend on one lock.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{}
	for i := range m.shards {
		m.shards[i] = &memoryShard{data: make(map[string]string)}
	}
	return m
}

func (m *MemoryStore) shard(key string) *memoryShard {
	return m.shards[murmur3.Sum32([]byte(key))%memoryShards]
}

// Get returns the value stored under key.
func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s := m.shard(key)
	s.mu.RLock()
	v, ok := s.data[key]
	s.mu.RUnlock()
	return v, ok, nil
}

// Put stores value under key.
func (m *MemoryStore) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.shard(key)
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.data)
		s.mu.RUnlock()
	}
	return n
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
