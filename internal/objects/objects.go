// Package objects tracks short-lived uploaded and generated files.
//
// Metadata lives in memory and bytes live in a Storage backend. Bytes are
// written before metadata becomes visible and deleted before metadata is
// removed, so a resolvable object always has its bytes. Objects that are
// being read are never swept.
package objects

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/formfill/internal/metrics"
)

// ErrExpiredOrMissing is returned for unknown ids and for objects at or past
// their expiry, even if the sweeper has not removed them yet.
var ErrExpiredOrMissing = errors.New("object expired or missing")

type Kind string

const (
	KindUpload  Kind = "upload"
	KindPreview Kind = "preview"
	KindOutput  Kind = "output"
)

const (
	UploadTTL     = 30 * time.Minute
	OutputTTL     = time.Hour
	SweepInterval = 5 * time.Minute
	MaxUploadSize = 10 << 20
)

// TTLFor returns the default lifetime of kind.
func TTLFor(kind Kind) time.Duration {
	if kind == KindUpload {
		return UploadTTL
	}
	return OutputTTL
}

type Object struct {
	ID          string    `json:"id"`
	Key         string    `json:"-"`
	Kind        Kind      `json:"kind"`
	Owner       string    `json:"-"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type NewObject struct {
	Kind        Kind
	Owner       string
	ContentType string
	Data        []byte
}

// Storage holds object bytes by key.
type Storage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

type entry struct {
	obj      Object
	refs     atomic.Int32
	deleting bool
}

// Manager registers, resolves and sweeps objects.
type Manager struct {
	storage Storage
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(storage Storage, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		storage: storage,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register stores the bytes and then publishes the metadata. A ttl of zero
// uses the kind's default.
func (m *Manager) Register(ctx context.Context, n NewObject, ttl time.Duration) (Object, error) {
	if ttl <= 0 {
		ttl = TTLFor(n.Kind)
	}
	id := uuid.NewString()
	obj := Object{
		ID:          id,
		Key:         string(n.Kind) + "/" + id,
		Kind:        n.Kind,
		Owner:       n.Owner,
		ContentType: n.ContentType,
		Size:        int64(len(n.Data)),
	}

	if err := m.storage.Put(ctx, obj.Key, n.Data, n.ContentType); err != nil {
		return Object{}, fmt.Errorf("store %s object: %w", n.Kind, err)
	}

	now := m.now()
	obj.CreatedAt = now
	obj.ExpiresAt = now.Add(ttl)

	m.mu.Lock()
	m.entries[id] = &entry{obj: obj}
	count := len(m.entries)
	m.mu.Unlock()

	metrics.ObjectsTracked.Set(float64(count))
	m.logger.Debug("object registered", "id", id, "kind", n.Kind, "size", obj.Size, "expires_at", obj.ExpiresAt)
	return obj, nil
}

// Handle pins an object's bytes until Release.
type Handle struct {
	Object

	m       *Manager
	e       *entry
	release sync.Once
}

func (h *Handle) Open(ctx context.Context) (io.ReadCloser, error) {
	return h.m.storage.Open(ctx, h.Key)
}

func (h *Handle) Release() {
	h.release.Do(func() {
		h.e.refs.Add(-1)
	})
}

// Resolve returns a pinned handle for id. It fails closed at or after expiry.
func (m *Manager) Resolve(id string) (*Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok || e.deleting || !m.now().Before(e.obj.ExpiresAt) {
		return nil, ErrExpiredOrMissing
	}
	e.refs.Add(1)
	return &Handle{Object: e.obj, m: m, e: e}, nil
}

// Sweep deletes expired, unpinned objects: bytes first, then metadata. An
// object whose bytes could not be deleted stays tracked for the next sweep.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()

	m.mu.Lock()
	var victims []*entry
	for _, e := range m.entries {
		if e.deleting || now.Before(e.obj.ExpiresAt) || e.refs.Load() > 0 {
			continue
		}
		e.deleting = true
		victims = append(victims, e)
	}
	m.mu.Unlock()

	removed := 0
	var errs []error
	for i, e := range victims {
		if err := ctx.Err(); err != nil {
			m.unmark(victims[i:])
			errs = append(errs, err)
			break
		}
		if err := m.storage.Delete(ctx, e.obj.Key); err != nil {
			m.logger.Warn("object delete failed", "id", e.obj.ID, "key", e.obj.Key, "error", err)
			m.unmark(victims[i : i+1])
			errs = append(errs, err)
			continue
		}

		m.mu.Lock()
		delete(m.entries, e.obj.ID)
		m.mu.Unlock()
		removed++
	}

	metrics.ObjectsSwept.Add(float64(removed))
	metrics.ObjectsTracked.Set(float64(m.Count()))
	if removed > 0 {
		m.logger.Info("objects swept", "removed", removed)
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) unmark(es []*entry) {
	m.mu.Lock()
	for _, e := range es {
		e.deleting = false
	}
	m.mu.Unlock()
}

// RemoveOrphans deletes stored bytes that no tracked object refers to, such
// as files left behind by a previous process.
func (m *Manager) RemoveOrphans(ctx context.Context) (int, error) {
	keys, err := m.storage.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stored objects: %w", err)
	}

	m.mu.RLock()
	known := make(map[string]struct{}, len(m.entries))
	for _, e := range m.entries {
		known[e.obj.Key] = struct{}{}
	}
	m.mu.RUnlock()

	removed := 0
	for _, key := range keys {
		if _, ok := known[key]; ok {
			continue
		}
		if err := m.storage.Delete(ctx, key); err != nil {
			m.logger.Warn("orphan delete failed", "key", key, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("orphaned objects removed", "removed", removed)
	}
	return removed, nil
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Start removes orphans once and then sweeps every interval until Stop.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if _, err := m.RemoveOrphans(ctx); err != nil {
		m.logger.Error("orphan cleanup failed", "error", err)
	}

	m.loopMu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.loopMu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
					m.logger.Error("object sweep incomplete", "error", err)
				}
			}
		}
	}()
}

// Stop ends the sweep loop and waits for the current cycle to finish.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	cancel := m.cancel
	done := m.done
	m.loopMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
