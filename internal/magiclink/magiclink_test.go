package magiclink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuthority(t *testing.T, opts ...Option) (*Authority, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewAuthority(NewMemoryStore(), discardLogger(), opts...), clock
}

func TestIssueAndVerify(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	tok, err := a.Issue(ctx, "  Alice@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", tok.Email)
	assert.Len(t, tok.Value, 43)

	email, err := a.Verify(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", email)
}

func TestVerifyReplayScenario(t *testing.T) {
	a, clock := newTestAuthority(t)
	ctx := context.Background()

	tok, err := a.Issue(ctx, "user@example.com")
	require.NoError(t, err)

	clock.Advance(time.Second)
	email, err := a.Verify(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", email)

	clock.Advance(time.Second)
	_, err = a.Verify(ctx, tok.Value)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestVerifyConsumedStaysUsedAfterExpiry(t *testing.T) {
	a, clock := newTestAuthority(t)
	ctx := context.Background()

	tok, err := a.Issue(ctx, "user@example.com")
	require.NoError(t, err)
	_, err = a.Verify(ctx, tok.Value)
	require.NoError(t, err)

	clock.Advance(DefaultTTL + time.Minute)
	_, err = a.DeleteExpired(ctx)
	require.NoError(t, err)

	_, err = a.Verify(ctx, tok.Value)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestVerifyExpired(t *testing.T) {
	a, clock := newTestAuthority(t)
	ctx := context.Background()

	tok, err := a.Issue(ctx, "user@example.com")
	require.NoError(t, err)

	clock.Advance(DefaultTTL)
	_, err = a.Verify(ctx, tok.Value)
	assert.ErrorIs(t, err, ErrExpired)
	assert.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestVerifyUnknown(t *testing.T) {
	a, _ := newTestAuthority(t)

	_, err := a.Verify(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrInvalidOrExpired)

	_, err = a.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIssueSupersedesPendingToken(t *testing.T) {
	a, clock := newTestAuthority(t)
	ctx := context.Background()

	first, err := a.Issue(ctx, "user@example.com")
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := a.Issue(ctx, "user@example.com")
	require.NoError(t, err)

	_, err = a.Verify(ctx, first.Value)
	assert.ErrorIs(t, err, ErrExpired)

	_, err = a.Verify(ctx, second.Value)
	assert.NoError(t, err)
}

func TestConcurrentVerifyExactlyOneSucceeds(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	tok, err := a.Issue(ctx, "race@example.com")
	require.NoError(t, err)

	const workers = 64
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		used      atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := a.Verify(ctx, tok.Value)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrAlreadyUsed):
				used.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(workers-1), used.Load())
}

func TestLastIssued(t *testing.T) {
	a, clock := newTestAuthority(t, WithDebugRecording(true))
	ctx := context.Background()

	_, ok := a.LastIssued("user@example.com")
	assert.False(t, ok)

	tok, err := a.Issue(ctx, "user@example.com")
	require.NoError(t, err)

	got, ok := a.LastIssued("USER@example.com")
	require.True(t, ok)
	assert.Equal(t, tok.Value, got.Value)

	clock.Advance(DefaultTTL)
	_, err = a.DeleteExpired(ctx)
	require.NoError(t, err)
	_, ok = a.LastIssued("user@example.com")
	assert.False(t, ok)
}

func TestLastIssuedOffByDefault(t *testing.T) {
	a, _ := newTestAuthority(t)

	_, err := a.Issue(context.Background(), "user@example.com")
	require.NoError(t, err)

	_, ok := a.LastIssued("user@example.com")
	assert.False(t, ok, "raw tokens must not be kept outside debug")
}

func TestMemoryStoreSupersedeOnlyTouchesSameAddress(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, Record{TokenHash: "a1", Email: "a@x.io", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.Create(ctx, Record{TokenHash: "b1", Email: "b@x.io", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.Create(ctx, Record{TokenHash: "a2", Email: "a@x.io", IssuedAt: now.Add(time.Minute), ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.Create(ctx, Record{TokenHash: "a3", Email: "a@x.io", IssuedAt: now.Add(2 * time.Minute), ExpiresAt: now.Add(time.Hour)}))
	assert.Equal(t, []string{"a3"}, s.byEmail["a@x.io"])

	later := now.Add(3 * time.Minute)
	for _, hash := range []string{"a1", "a2"} {
		_, err := s.Consume(ctx, hash, later)
		assert.ErrorIs(t, err, ErrExpired, hash)
	}
	_, err := s.Consume(ctx, "b1", later)
	assert.NoError(t, err)
	_, err = s.Consume(ctx, "a3", later)
	assert.NoError(t, err)

	_, err = s.DeleteExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, s.byEmail)
}

func TestMemoryStoreDeleteExpiredKeepsRetention(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, Record{TokenHash: "old", Email: "a@x.io", IssuedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-47 * time.Hour)}))
	require.NoError(t, s.Create(ctx, Record{TokenHash: "new", Email: "b@x.io", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}))

	n, err := s.DeleteExpired(ctx, now.Add(-Retention))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Consume(ctx, "old", now)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Consume(ctx, "new", now)
	assert.NoError(t, err)
}
