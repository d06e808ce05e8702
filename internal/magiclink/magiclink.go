// Package magiclink issues single-use login tokens and verifies them exactly once.
package magiclink

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrInvalidOrExpired is matched by both ErrNotFound and ErrExpired.
	ErrInvalidOrExpired = errors.New("magic link invalid or expired")
	ErrNotFound         = fmt.Errorf("%w: unknown token", ErrInvalidOrExpired)
	ErrExpired          = fmt.Errorf("%w: token expired", ErrInvalidOrExpired)
	ErrAlreadyUsed      = errors.New("magic link already used")
)

// DefaultTTL is how long an issued link stays valid.
const DefaultTTL = 15 * time.Minute

// Retention keeps expired and consumed records around long enough for a
// replayed link to keep reporting ErrAlreadyUsed.
const Retention = 24 * time.Hour

const tokenBytes = 32

// Record is the stored form of a token. Only the hash of the raw value is kept.
type Record struct {
	TokenHash  string
	Email      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Store persists token records. Consume must test-and-set consumed_at
// atomically for a single record and classify failures with the package errors.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Consume(ctx context.Context, tokenHash string, now time.Time) (*Record, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Token is an issued link value. Value is only ever held in memory.
type Token struct {
	Value     string
	Email     string
	ExpiresAt time.Time
}

// Authority issues and verifies magic-link tokens.
type Authority struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	// record keeps raw tokens for the debug endpoint. Off unless debugging.
	record bool
	mu     sync.Mutex
	last   map[string]Token
}

type Option func(*Authority)

func WithTTL(d time.Duration) Option {
	return func(a *Authority) {
		a.ttl = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		a.now = now
	}
}

// WithDebugRecording keeps the last raw token per address for LastIssued.
func WithDebugRecording(on bool) Option {
	return func(a *Authority) {
		a.record = on
	}
}

func NewAuthority(store Store, logger *slog.Logger, opts ...Option) *Authority {
	a := &Authority{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: logger,
		last:   make(map[string]Token),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashToken returns the stored form of a raw token value.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Issue creates a token for email. Earlier pending tokens for the same
// address stop working.
func (a *Authority) Issue(ctx context.Context, email string) (Token, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return Token{}, errors.New("issue magic link: empty email")
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return Token{}, fmt.Errorf("generate token: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(buf)

	now := a.now().UTC()
	rec := Record{
		TokenHash: HashToken(value),
		Email:     email,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.ttl),
	}
	if err := a.store.Create(ctx, rec); err != nil {
		return Token{}, fmt.Errorf("store magic link: %w", err)
	}

	tok := Token{Value: value, Email: email, ExpiresAt: rec.ExpiresAt}
	if a.record {
		a.mu.Lock()
		a.last[email] = tok
		a.mu.Unlock()
	}

	a.logger.Info("magic link issued", "email", email, "expires_at", rec.ExpiresAt)
	return tok, nil
}

// Verify consumes a token and returns the email it was issued for. Of any
// number of concurrent calls with the same value, exactly one succeeds.
func (a *Authority) Verify(ctx context.Context, value string) (string, error) {
	if value == "" {
		return "", ErrNotFound
	}
	rec, err := a.store.Consume(ctx, HashToken(value), a.now().UTC())
	if err != nil {
		return "", err
	}
	return rec.Email, nil
}

// LastIssued returns the most recent token issued for email by this process.
// It reports false unless debug recording is on.
func (a *Authority) LastIssued(email string) (Token, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tok, ok := a.last[NormalizeEmail(email)]
	return tok, ok
}

// DeleteExpired removes records that expired more than Retention ago and
// forgets expired debug entries.
func (a *Authority) DeleteExpired(ctx context.Context) (int64, error) {
	now := a.now().UTC()

	a.mu.Lock()
	for email, tok := range a.last {
		if !now.Before(tok.ExpiresAt) {
			delete(a.last, email)
		}
	}
	a.mu.Unlock()

	return a.store.DeleteExpired(ctx, now.Add(-Retention))
}

// CheckConsumable classifies a record that could not be consumed at now.
// A consumed record always reports ErrAlreadyUsed, even once expired.
func CheckConsumable(rec *Record, now time.Time) error {
	switch {
	case rec == nil:
		return ErrNotFound
	case rec.ConsumedAt != nil:
		return ErrAlreadyUsed
	case !now.Before(rec.ExpiresAt):
		return ErrExpired
	}
	return nil
}
