// Package cache memoizes upstream responses by a canonical key with per-entry expiry.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultTTL applies when neither the caller nor the store sets one.
const DefaultTTL = 10 * time.Minute

// Store is the key/value contract used by the routing client. Values are JSON documents.
// A zero ttl means the store default. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Clear(ctx context.Context) error
}

// unlimited disables size-based eviction in the LRU.
const unlimited = 0

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is a process-local Store. Entries are only dropped when they expire or on Clear.
// The LRU sweeps entries after maxTTL; shorter per-call ttls are enforced on read.
type Memory struct {
	lru    *expirable.LRU[string, entry]
	ttl    time.Duration
	maxTTL time.Duration
	now    func() time.Time
}

// NewMemory constructs a Memory store; ttl <= 0 uses DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// Per-call ttls may exceed the store default, so the LRU itself never expires
	// an entry before its own deadline does.
	maxTTL := 24 * time.Hour
	if ttl > maxTTL {
		maxTTL = ttl
	}
	return &Memory{
		lru:    expirable.NewLRU[string, entry](unlimited, nil, maxTTL),
		ttl:    ttl,
		maxTTL: maxTTL,
		now:    time.Now,
	}
}

// Get returns a copy of the stored value.
func (c *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false, nil
	}
	v := make([]byte, len(e.value))
	copy(v, e.value)
	return v, true, nil
}

// Set replaces any existing entry for key. ttls above the store ceiling are capped.
func (c *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	v := make([]byte, len(value))
	copy(v, value)
	c.lru.Add(key, entry{value: v, expiresAt: c.now().Add(ttl)})
	return nil
}

func (c *Memory) Clear(_ context.Context) error {
	c.lru.Purge()
	return nil
}

// Len returns the number of stored entries, expired ones included until they are read or swept.
func (c *Memory) Len() int {
	return c.lru.Len()
}
