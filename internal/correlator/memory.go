package correlator

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend implements Backend with a sync.Map and a periodic sweep,
// grounded on the teacher's internal/cache/memory.go MemoryCache.
type MemoryBackend struct {
	data   sync.Map
	stopCh chan struct{}
	once   sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryBackend starts a background sweep goroutine every interval.
func NewMemoryBackend(sweepInterval time.Duration) *MemoryBackend {
	m := &MemoryBackend{stopCh: make(chan struct{})}
	go m.sweepLoop(sweepInterval)
	return m
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := m.data.Load(key)
	if !ok {
		return nil, false, nil
	}
	e := v.(*memoryEntry)
	if time.Now().After(e.expiresAt) {
		m.data.Delete(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.data.Store(key, &memoryEntry{value: value, expiresAt: time.Now().Add(ttl)})
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.data.Delete(key)
	return nil
}

func (m *MemoryBackend) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	return nil
}

func (m *MemoryBackend) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *MemoryBackend) sweep() {
	now := time.Now()
	m.data.Range(func(key, value interface{}) bool {
		if now.After(value.(*memoryEntry).expiresAt) {
			m.data.Delete(key)
		}
		return true
	})
}
