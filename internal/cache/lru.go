package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRU is an in-process Store bounded by entry count. All entries share the
// TTL given at construction; the ttl passed to Put is ignored.
type LRU struct {
	lru *expirable.LRU[string, string]
}

// NewLRU creates an LRU store with room for size entries.
func NewLRU(size int, ttl time.Duration) *LRU {
	return &LRU{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

// Get implements Store.
func (l *LRU) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := l.lru.Get(key)
	return v, ok, nil
}

// Put implements Store.
func (l *LRU) Put(_ context.Context, key, value string, _ time.Duration) error {
	l.lru.Add(key, value)
	return nil
}
