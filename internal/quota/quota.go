// Package quota meters actions per identity per UTC calendar day.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/formfill/internal/metrics"
)

// ErrExceeded is returned to callers that were refused by CheckAndIncrement.
var ErrExceeded = errors.New("daily quota exceeded")

// DefaultDailyLimit is the number of metered actions a free identity gets per day.
const DefaultDailyLimit = 1

const dayLayout = "2006-01-02"

// DayKey is the UTC calendar day containing t.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// Counter stores per-day counts.
type Counter interface {
	// Increment adds one to the count unless it has already reached limit.
	// It returns the resulting count and whether the increment happened.
	Increment(ctx context.Context, identity, day string, limit int64) (int64, bool, error)
	Get(ctx context.Context, identity, day string) (int64, error)
	// Reap drops counters for days before keepFrom.
	Reap(ctx context.Context, keepFrom string) (int, error)
}

// Tracker applies daily limits on top of a Counter.
type Tracker struct {
	counter Counter
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

func NewTracker(counter Counter, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{counter: counter, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CheckAndIncrement consumes one action for identity today. ok is false once
// limit actions have been used; refused calls do not count.
func (t *Tracker) CheckAndIncrement(ctx context.Context, identity string, limit int) (ok bool, remaining int, err error) {
	if identity == "" {
		return false, 0, errors.New("quota: empty identity")
	}
	count, ok, err := t.counter.Increment(ctx, identity, DayKey(t.now()), int64(limit))
	if err != nil {
		return false, 0, fmt.Errorf("increment quota: %w", err)
	}
	if !ok {
		metrics.QuotaDenials.Inc()
		t.logger.Info("quota exceeded", "identity", identity, "limit", limit)
	}
	return ok, remainingOf(limit, count), nil
}

// Usage returns today's count without changing it.
func (t *Tracker) Usage(ctx context.Context, identity string) (int, error) {
	n, err := t.counter.Get(ctx, identity, DayKey(t.now()))
	if err != nil {
		return 0, fmt.Errorf("read quota: %w", err)
	}
	return int(n), nil
}

func (t *Tracker) Remaining(ctx context.Context, identity string, limit int) (int, error) {
	n, err := t.Usage(ctx, identity)
	if err != nil {
		return 0, err
	}
	return remainingOf(limit, int64(n)), nil
}

func remainingOf(limit int, count int64) int {
	r := int64(limit) - count
	if r < 0 {
		return 0
	}
	return int(r)
}

// Reap drops counters older than yesterday.
func (t *Tracker) Reap(ctx context.Context) (int, error) {
	keepFrom := DayKey(t.now().AddDate(0, 0, -1))
	n, err := t.counter.Reap(ctx, keepFrom)
	if err != nil {
		return 0, fmt.Errorf("reap quota counters: %w", err)
	}
	return n, nil
}

// Start runs Reap every interval until Stop.
func (t *Tracker) Start(ctx context.Context, interval time.Duration) {
	t.mu.Lock()
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	t.mu.Unlock()

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := t.Reap(ctx)
				if err != nil {
					t.logger.Error("quota reap failed", "error", err)
					continue
				}
				if n > 0 {
					t.logger.Debug("quota counters reaped", "count", n)
				}
			}
		}
	}()
}

func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
