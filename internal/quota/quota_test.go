package quota

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
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

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRedisCounter(t *testing.T) (*miniredis.Miniredis, *RedisCounter) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisCounter(client)
}

func counters(t *testing.T) map[string]Counter {
	_, rc := newRedisCounter(t)
	return map[string]Counter{
		"memory": NewMemoryCounter(),
		"redis":  rc,
	}
}

func TestDayKeyUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC-7", -7*60*60)
	// 20:00 local on March 1 is 03:00 UTC on March 2.
	assert.Equal(t, "2026-03-02", DayKey(time.Date(2026, 3, 1, 20, 0, 0, 0, loc)))
}

func TestCheckAndIncrementLimit(t *testing.T) {
	for name, counter := range counters(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
			tr := NewTracker(counter, discardLogger(), WithClock(clock.Now))
			ctx := context.Background()

			for i := 1; i <= 3; i++ {
				ok, remaining, err := tr.CheckAndIncrement(ctx, "anon:a1", 3)
				require.NoError(t, err)
				assert.True(t, ok, "action %d", i)
				assert.Equal(t, 3-i, remaining)
			}

			ok, remaining, err := tr.CheckAndIncrement(ctx, "anon:a1", 3)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, 0, remaining)

			used, err := tr.Usage(ctx, "anon:a1")
			require.NoError(t, err)
			assert.Equal(t, 3, used, "refused calls must not count")
		})
	}
}

func TestCheckAndIncrementNextDayResets(t *testing.T) {
	for name, counter := range counters(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{t: time.Date(2026, 3, 1, 23, 59, 59, 0, time.UTC)}
			tr := NewTracker(counter, discardLogger(), WithClock(clock.Now))
			ctx := context.Background()

			ok, _, err := tr.CheckAndIncrement(ctx, "anon:a1", 1)
			require.NoError(t, err)
			require.True(t, ok)
			ok, _, err = tr.CheckAndIncrement(ctx, "anon:a1", 1)
			require.NoError(t, err)
			require.False(t, ok)

			clock.Set(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
			ok, remaining, err := tr.CheckAndIncrement(ctx, "anon:a1", 1)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 0, remaining)
		})
	}
}

func TestIdentitiesAreIndependent(t *testing.T) {
	tr := NewTracker(NewMemoryCounter(), discardLogger())
	ctx := context.Background()

	ok, _, err := tr.CheckAndIncrement(ctx, "anon:a1", 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = tr.CheckAndIncrement(ctx, "anon:a2", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckAndIncrementConcurrent(t *testing.T) {
	for name, counter := range counters(t) {
		t.Run(name, func(t *testing.T) {
			tr := NewTracker(counter, discardLogger())
			ctx := context.Background()

			const limit = 10
			var allowed atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, _, err := tr.CheckAndIncrement(ctx, "user:u1", limit)
					if err == nil && ok {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.EqualValues(t, limit, allowed.Load())
			used, err := tr.Usage(ctx, "user:u1")
			require.NoError(t, err)
			assert.Equal(t, limit, used)
		})
	}
}

func TestRemaining(t *testing.T) {
	tr := NewTracker(NewMemoryCounter(), discardLogger())
	ctx := context.Background()

	r, err := tr.Remaining(ctx, "anon:a1", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, r)

	tr.CheckAndIncrement(ctx, "anon:a1", 3)
	r, err = tr.Remaining(ctx, "anon:a1", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, r)
}

func TestEmptyIdentity(t *testing.T) {
	tr := NewTracker(NewMemoryCounter(), discardLogger())
	_, _, err := tr.CheckAndIncrement(context.Background(), "", 3)
	assert.Error(t, err)
}

func TestReapKeepsTodayAndYesterday(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	counter := NewMemoryCounter()
	tr := NewTracker(counter, discardLogger(), WithClock(clock.Now))
	ctx := context.Background()

	tr.CheckAndIncrement(ctx, "anon:a1", 5)
	clock.Set(clock.Now().AddDate(0, 0, 1))
	tr.CheckAndIncrement(ctx, "anon:a1", 5)
	clock.Set(clock.Now().AddDate(0, 0, 1))
	tr.CheckAndIncrement(ctx, "anon:a1", 5)

	n, err := tr.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := counter.Get(ctx, "anon:a1", "2026-03-01")
	assert.EqualValues(t, 0, got)
	got, _ = counter.Get(ctx, "anon:a1", "2026-03-02")
	assert.EqualValues(t, 1, got)
	got, _ = counter.Get(ctx, "anon:a1", "2026-03-03")
	assert.EqualValues(t, 1, got)
}

func TestRedisCounterExpires(t *testing.T) {
	mr, counter := newRedisCounter(t)
	ctx := context.Background()

	_, ok, err := counter.Increment(ctx, "anon:a1", "2026-03-01", 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, quotaKeyTTL, mr.TTL(quotaKeyPrefix+"2026-03-01:anon:a1"))

	mr.FastForward(quotaKeyTTL)
	n, err := counter.Get(ctx, "anon:a1", "2026-03-01")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestReapLoop(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	counter := NewMemoryCounter()
	tr := NewTracker(counter, discardLogger(), WithClock(clock.Now))
	ctx := context.Background()

	tr.CheckAndIncrement(ctx, "anon:a1", 5)
	clock.Set(clock.Now().AddDate(0, 0, 3))

	tr.Start(ctx, time.Millisecond)
	defer tr.Stop()

	assert.Eventually(t, func() bool {
		n, _ := counter.Get(ctx, "anon:a1", "2026-03-01")
		return n == 0
	}, time.Second, 5*time.Millisecond)
}
