package magiclink

import (
	"context"
	"sync"
	"time"
)

type memRecord struct {
	mu  sync.Mutex
	rec Record
}

// MemoryStore keeps records in a map. The map lock is held only to find a
// record; consuming locks that single record. byEmail holds the hashes of each
// address's tokens that may still be pending.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memRecord
	byEmail map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memRecord),
		byEmail: make(map[string][]string),
	}
}

// Create expires the address's outstanding tokens and stores rec. Only the
// address's own tokens are visited.
func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, hash := range s.byEmail[rec.Email] {
		r, ok := s.records[hash]
		if !ok {
			continue
		}
		r.mu.Lock()
		if r.rec.ConsumedAt == nil && rec.IssuedAt.Before(r.rec.ExpiresAt) {
			r.rec.ExpiresAt = rec.IssuedAt
		}
		r.mu.Unlock()
	}
	// Earlier tokens are now expired or consumed and need no further visits.
	s.byEmail[rec.Email] = []string{rec.TokenHash}
	s.records[rec.TokenHash] = &memRecord{rec: rec}
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, tokenHash string, now time.Time) (*Record, error) {
	s.mu.RLock()
	r, ok := s.records[tokenHash]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := CheckConsumable(&r.rec, now); err != nil {
		return nil, err
	}
	consumed := now
	r.rec.ConsumedAt = &consumed
	out := r.rec
	return &out, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for hash, r := range s.records {
		r.mu.Lock()
		expired := !before.Before(r.rec.ExpiresAt)
		r.mu.Unlock()
		if expired {
			delete(s.records, hash)
			n++
		}
	}
	for email, hashes := range s.byEmail {
		if _, ok := s.records[hashes[0]]; !ok {
			delete(s.byEmail, email)
		}
	}
	return n, nil
}
