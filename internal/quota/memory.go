package quota

import (
	"context"
	"sync"
	"sync/atomic"
)

type dayKey struct {
	identity string
	day      string
}

// MemoryCounter keeps counts in process. Each counter is an atomic integer
// so concurrent identities never contend on a shared lock.
type MemoryCounter struct {
	counts sync.Map // dayKey -> *atomic.Int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

func (c *MemoryCounter) counter(identity, day string) *atomic.Int64 {
	k := dayKey{identity: identity, day: day}
	if v, ok := c.counts.Load(k); ok {
		return v.(*atomic.Int64)
	}
	v, _ := c.counts.LoadOrStore(k, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (c *MemoryCounter) Increment(_ context.Context, identity, day string, limit int64) (int64, bool, error) {
	n := c.counter(identity, day)
	for {
		cur := n.Load()
		if cur >= limit {
			return cur, false, nil
		}
		if n.CompareAndSwap(cur, cur+1) {
			return cur + 1, true, nil
		}
	}
}

func (c *MemoryCounter) Get(_ context.Context, identity, day string) (int64, error) {
	v, ok := c.counts.Load(dayKey{identity: identity, day: day})
	if !ok {
		return 0, nil
	}
	return v.(*atomic.Int64).Load(), nil
}

func (c *MemoryCounter) Reap(_ context.Context, keepFrom string) (int, error) {
	n := 0
	c.counts.Range(func(key, _ any) bool {
		if key.(dayKey).day < keepFrom {
			c.counts.Delete(key)
			n++
		}
		return true
	})
	return n, nil
}
