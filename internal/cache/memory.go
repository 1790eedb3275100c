package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Memory is an in-process Store bounded by the total size of keys and
// values. Each entry carries its own TTL.
type Memory struct {
	cache *ristretto.Cache
}

// NewMemory creates a Memory store holding at most maxBytes of data.
func NewMemory(maxBytes int64) (*Memory, error) {
	// Ristretto wants ~10 counters per expected entry; assume 16 KiB entries.
	counters := max(maxBytes/(16*1024)*10, 1000)

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        counters,
		MaxCost:            max(maxBytes, 1),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("init ristretto: %w", err)
	}
	return &Memory{cache: c}, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	raw, ok := m.cache.Get(key)
	if !ok {
		return "", false, nil
	}
	v, ok := raw.(string)
	return v, ok, nil
}

// Put implements Store. Ristretto may refuse an entry (admission policy or
// an oversized value); that surfaces later as a miss.
func (m *Memory) Put(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	cost := int64(len(key) + len(value))
	m.cache.SetWithTTL(key, value, cost, ttl)
	m.cache.Wait()
	return nil
}

// Close stops ristretto's background goroutines.
func (m *Memory) Close() error {
	m.cache.Close()
	return nil
}
