package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/formfill/internal/database"
	"github.com/dukerupert/formfill/internal/magiclink"
)

func setupMagicLinkTestDB(t *testing.T) *MagicLinkStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMagicLinkStore(db)
}

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newRecord(hash, email string, issued time.Time) magiclink.Record {
	return magiclink.Record{
		TokenHash: hash,
		Email:     email,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(magiclink.DefaultTTL),
	}
}

func TestMagicLinkCreateAndGet(t *testing.T) {
	ms := setupMagicLinkTestDB(t)
	ctx := context.Background()

	if err := ms.Create(ctx, newRecord("h1", "alice@example.com", t0)); err != nil {
		t.Fatalf("create magic link: %v", err)
	}

	rec, err := ms.GetByHash(ctx, "h1")
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record, got nil")
	}
	if rec.Email != "alice@example.com" {
		t.Errorf("email = %q, want %q", rec.Email, "alice@example.com")
	}
	if !rec.ExpiresAt.Equal(t0.Add(magiclink.DefaultTTL)) {
		t.Errorf("expires_at = %v, want %v", rec.ExpiresAt, t0.Add(magiclink.DefaultTTL))
	}
	if rec.ConsumedAt != nil {
		t.Errorf("consumed_at = %v, want nil", rec.ConsumedAt)
	}
}

func TestMagicLinkGetByHashNotFound(t *testing.T) {
	ms := setupMagicLinkTestDB(t)

	rec, err := ms.GetByHash(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil, got %+v", rec)
	}
}

func TestMagicLinkConsumeOnce(t *testing.T) {
	ms := setupMagicLinkTestDB(t)
	ctx := context.Background()
	ms.Create(ctx, newRecord("h1", "alice@example.com", t0))

	rec, err := ms.Consume(ctx, "h1", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if rec.ConsumedAt == nil {
		t.Fatal("expected consumed_at to be set")
	}

	_, err = ms.Consume(ctx, "h1", t0.Add(2*time.Second))
	if !errors.Is(err, magiclink.ErrAlreadyUsed) {
		t.Errorf("second consume err = %v, want ErrAlreadyUsed", err)
	}
}

func TestMagicLinkConsumeExpired(t *testing.T) {
	ms := setupMagicLinkTestDB(t)
	ctx := context.Background()
	ms.Create(ctx, newRecord("h1", "alice@example.com", t0))

	_, err := ms.Consume(ctx, "h1", t0.Add(magiclink.DefaultTTL))
	if !errors.Is(err, magiclink.ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestMagicLinkConsumeUnknown(t *testing.T) {
	ms := setupMagicLinkTestDB(t)

	_, err := ms.Consume(context.Background(), "missing", t0)
	if !errors.Is(err, magiclink.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMagicLinkCreateInvalidatesPending(t *testing.T) {
	ms := setupMagicLinkTestDB(t)
	ctx := context.Background()

	ms.Create(ctx, newRecord("old", "alice@example.com", t0))
	ms.Create(ctx, newRecord("other", "bob@example.com", t0))
	ms.Create(ctx, newRecord("new", "alice@example.com", t0.Add(time.Minute)))

	if _, err := ms.Consume(ctx, "old", t0.Add(time.Minute)); !errors.Is(err, magiclink.ErrExpired) {
		t.Errorf("old link err = %v, want ErrExpired", err)
	}
	if _, err := ms.Consume(ctx, "other", t0.Add(time.Minute)); err != nil {
		t.Errorf("other email link should still work: %v", err)
	}
	if _, err := ms.Consume(ctx, "new", t0.Add(time.Minute)); err != nil {
		t.Errorf("new link should work: %v", err)
	}
}

func TestMagicLinkConcurrentConsume(t *testing.T) {
	ms := setupMagicLinkTestDB(t)
	ctx := context.Background()
	ms.Create(ctx, newRecord("h1", "alice@example.com", t0))

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ms.Consume(ctx, "h1", t0.Add(time.Second))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, used int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, magiclink.ErrAlreadyUsed):
			used++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("successes = %d, want 1", ok)
	}
	if used != workers-1 {
		t.Errorf("already used = %d, want %d", used, workers-1)
	}
}

func TestMagicLinkDeleteExpired(t *testing.T) {
	ms := setupMagicLinkTestDB(t)
	ctx := context.Background()

	ms.Create(ctx, newRecord("stale", "alice@example.com", t0.Add(-48*time.Hour)))
	ms.Create(ctx, newRecord("fresh", "bob@example.com", t0))

	n, err := ms.DeleteExpired(ctx, t0.Add(-magiclink.Retention))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	rec, _ := ms.GetByHash(ctx, "fresh")
	if rec == nil {
		t.Error("fresh link should survive cleanup")
	}
}

func TestMagicLinkWithAuthority(t *testing.T) {
	ms := setupMagicLinkTestDB(t)
	now := t0
	a := magiclink.NewAuthority(ms, discardLogger(), magiclink.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	tok, err := a.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now = now.Add(time.Second)
	email, err := a.Verify(ctx, tok.Value)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if email != "user@example.com" {
		t.Errorf("email = %q, want %q", email, "user@example.com")
	}

	now = now.Add(time.Second)
	if _, err := a.Verify(ctx, tok.Value); !errors.Is(err, magiclink.ErrAlreadyUsed) {
		t.Errorf("replay err = %v, want ErrAlreadyUsed", err)
	}
}
