package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/ruteri/enrollment-gateway/interfaces"
)

// MemoryBackend keeps records in process memory. It backs tests and
// single-process development deployments.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[interfaces.Namespace]map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[interfaces.Namespace]map[string][]byte)}
}

func (b *MemoryBackend) Fetch(ctx context.Context, ns interfaces.Namespace, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.records[ns][key]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Store(ctx context.Context, ns interfaces.Namespace, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.records[ns] == nil {
		b.records[ns] = make(map[string][]byte)
	}
	b.records[ns][key] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, ns interfaces.Namespace, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.records[ns], key)
	return nil
}

func (b *MemoryBackend) List(ctx context.Context, ns interfaces.Namespace) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.records[ns]))
	for key := range b.records[ns] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) Available(ctx context.Context) bool {
	return true
}

func (b *MemoryBackend) Name() string {
	return "memory"
}

func (b *MemoryBackend) LocationURI() string {
	return "memory://"
}
