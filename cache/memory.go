package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryBackend is a map-based Backend for tests and brokerless
// deployments. Every remote operation increments a call counter so tests
// can assert which cache tier served a read.
type MemoryBackend struct {
	mu      sync.RWMutex
	items   map[string][]byte
	calls   atomic.Int64
	pingErr error
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string][]byte)}
}

// Calls returns the number of operations served since construction.
func (b *MemoryBackend) Calls() int64 { return b.calls.Load() }

// FailPing makes subsequent Ping calls return err. Pass nil to recover.
func (b *MemoryBackend) FailPing(err error) {
	b.mu.Lock()
	b.pingErr = err
	b.mu.Unlock()
}

func (b *MemoryBackend) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pingErr
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.calls.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	raw, ok := b.items[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	b.calls.Add(1)
	stored := make([]byte, len(value))
	copy(stored, value)
	b.mu.Lock()
	b.items[key] = stored
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.calls.Add(1)
	b.mu.Lock()
	delete(b.items, key)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Keys(context.Context) ([]string, error) {
	b.calls.Add(1)
	b.mu.RLock()
	keys := make([]string, 0, len(b.items))
	for key := range b.items {
		keys = append(keys, key)
	}
	b.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) Clear(context.Context) error {
	b.calls.Add(1)
	b.mu.Lock()
	b.items = make(map[string][]byte)
	b.mu.Unlock()
	return nil
}
