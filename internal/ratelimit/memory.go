package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/better-wallet/spendguard/pkg/types"
)

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]bucket
}

type bucket struct {
	count   int64
	expires time.Time
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]bucket)}
}

func (c *MemoryCounter) Usage(_ context.Context, policyID string, now time.Time) (types.RateUsage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage(policyID, now), nil
}

func (c *MemoryCounter) usage(policyID string, now time.Time) types.RateUsage {
	var u types.RateUsage
	for _, w := range Windows {
		if b, ok := c.counts[key("mem", policyID, w, w.Start(now))]; ok {
			setUsage(&u, w, b.count)
		}
	}
	return u
}

func (c *MemoryCounter) Reserve(_ context.Context, policyID string, now time.Time, limits Limits) (types.RateUsage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	u := c.usage(policyID, now)
	if !limits.Admits(u) {
		return u, false, nil
	}
	for _, w := range Windows {
		start := w.Start(now)
		k := key("mem", policyID, w, start)
		b := c.counts[k]
		b.count++
		b.expires = start.Add(w.Length())
		c.counts[k] = b
	}
	c.prune(now)
	return u, true, nil
}

func (c *MemoryCounter) Release(_ context.Context, policyID string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, w := range Windows {
		k := key("mem", policyID, w, w.Start(now))
		b, ok := c.counts[k]
		if !ok {
			continue
		}
		if b.count <= 1 {
			delete(c.counts, k)
			continue
		}
		b.count--
		c.counts[k] = b
	}
	return nil
}

// prune drops buckets whose window has closed.
func (c *MemoryCounter) prune(now time.Time) {
	for k, b := range c.counts {
		if !now.Before(b.expires) {
			delete(c.counts, k)
		}
	}
}
