package billing

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps subscription records in a map.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Apply(_ context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.SubscriptionID]
	if ok {
		if rec.LastEventAt.Before(existing.LastEventAt) {
			return false, nil
		}
		if rec.CustomerID == "" {
			rec.CustomerID = existing.CustomerID
		}
		if rec.Identity == "" || (strings.HasPrefix(rec.Identity, "anon:") && strings.HasPrefix(existing.Identity, "user:")) {
			rec.Identity = existing.Identity
		}
	}
	s.records[rec.SubscriptionID] = rec
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, subscriptionID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[subscriptionID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// LatestForIdentity prefers entitled records, then the most recent event.
func (s *MemoryStore) LatestForIdentity(_ context.Context, identity string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Record
	for _, rec := range s.records {
		if rec.Identity != identity || identity == "" {
			continue
		}
		if best == nil || better(rec, *best) {
			r := rec
			best = &r
		}
	}
	return best, nil
}

func better(a, b Record) bool {
	if a.Status.Entitled() != b.Status.Entitled() {
		return a.Status.Entitled()
	}
	return a.LastEventAt.After(b.LastEventAt)
}

func (s *MemoryStore) Reassign(_ context.Context, from, to string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.records {
		if rec.Identity == from && from != "" {
			rec.Identity = to
			s.records[id] = rec
			n++
		}
	}
	return n, nil
}

// MemoryDenylist is a process-local denylist with per-entry expiry.
type MemoryDenylist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryDenylist(now func() time.Time) *MemoryDenylist {
	if now == nil {
		now = time.Now
	}
	return &MemoryDenylist{entries: make(map[string]time.Time), now: now}
}

func (d *MemoryDenylist) Add(_ context.Context, subscriptionID string, ttl time.Duration) error {
	d.mu.Lock()
	d.entries[subscriptionID] = d.now().Add(ttl)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDenylist) Remove(_ context.Context, subscriptionID string) error {
	d.mu.Lock()
	delete(d.entries, subscriptionID)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDenylist) Contains(_ context.Context, subscriptionID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	expires, ok := d.entries[subscriptionID]
	if !ok {
		return false, nil
	}
	if !d.now().Before(expires) {
		delete(d.entries, subscriptionID)
		return false, nil
	}
	return true, nil
}

// Cleanup drops expired entries and returns how many were removed.
func (d *MemoryDenylist) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	n := 0
	for id, expires := range d.entries {
		if !now.Before(expires) {
			delete(d.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of entries, expired or not.
func (d *MemoryDenylist) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
