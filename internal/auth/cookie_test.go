package auth

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/formfill/internal/signer"
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

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newSigner(t *testing.T, purpose string, clock *fakeClock) *signer.Signer {
	t.Helper()
	s, err := signer.New([]byte("test-secret-with-enough-entropy"), purpose, signer.WithClock(clock.Now))
	require.NoError(t, err)
	return s
}

// carry copies cookies set on rec onto a fresh request.
func carry(rec *httptest.ResponseRecorder) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			continue
		}
		req.AddCookie(c)
	}
	return req
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSessionIssueVerify(t *testing.T) {
	clock := newClock()
	m := NewSessionManager(newSigner(t, "session", clock), WithClock(clock.Now), WithSecure(true))

	rec := httptest.NewRecorder()
	_, err := m.Issue(rec, "u1", "a@example.com")
	require.NoError(t, err)

	c := cookieNamed(rec, SessionCookieName)
	require.NotNil(t, c)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)

	sess, err := m.Verify(carry(rec))
	require.NoError(t, err)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, "a@example.com", sess.Email)
	assert.Equal(t, Identity{ID: "u1", Email: "a@example.com"}, sess.Identity())
}

func TestSessionMissingCookie(t *testing.T) {
	clock := newClock()
	m := NewSessionManager(newSigner(t, "session", clock), WithClock(clock.Now))

	_, err := m.Verify(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrNoCookie)
}

func TestSessionExpired(t *testing.T) {
	clock := newClock()
	m := NewSessionManager(newSigner(t, "session", clock), WithClock(clock.Now), WithLifetime(time.Hour))

	rec := httptest.NewRecorder()
	_, err := m.Issue(rec, "u1", "a@example.com")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = m.Verify(carry(rec))
	assert.ErrorIs(t, err, signer.ErrExpired)
}

func TestSessionTampered(t *testing.T) {
	clock := newClock()
	m := NewSessionManager(newSigner(t, "session", clock), WithClock(clock.Now))

	rec := httptest.NewRecorder()
	_, err := m.Issue(rec, "u1", "a@example.com")
	require.NoError(t, err)

	c := cookieNamed(rec, SessionCookieName)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: c.Value + "x"})

	_, err = m.Verify(req)
	assert.ErrorIs(t, err, signer.ErrBadSignature)
}

func TestSessionRefreshSliding(t *testing.T) {
	clock := newClock()
	m := NewSessionManager(newSigner(t, "session", clock), WithClock(clock.Now), WithLifetime(10*time.Hour))

	rec := httptest.NewRecorder()
	sess, err := m.Issue(rec, "u1", "a@example.com")
	require.NoError(t, err)

	clock.Advance(4 * time.Hour)
	rec = httptest.NewRecorder()
	_, renewed, err := m.Refresh(rec, sess)
	require.NoError(t, err)
	assert.False(t, renewed)
	assert.Nil(t, cookieNamed(rec, SessionCookieName))

	clock.Advance(2 * time.Hour)
	rec = httptest.NewRecorder()
	got, renewed, err := m.Refresh(rec, sess)
	require.NoError(t, err)
	assert.True(t, renewed)
	assert.Equal(t, clock.Now().Add(10*time.Hour), got.ExpiresAt)
	assert.NotNil(t, cookieNamed(rec, SessionCookieName))
}

func TestSessionClear(t *testing.T) {
	clock := newClock()
	m := NewSessionManager(newSigner(t, "session", clock), WithClock(clock.Now))

	rec := httptest.NewRecorder()
	m.Clear(rec)
	c := cookieNamed(rec, SessionCookieName)
	require.NotNil(t, c)
	assert.Less(t, c.MaxAge, 0)
}

func TestEntitlementRoundTrip(t *testing.T) {
	clock := newClock()
	ec := NewEntitlementCookie(newSigner(t, "entitlement", clock), WithClock(clock.Now))

	rec := httptest.NewRecorder()
	_, err := ec.Issue(rec, Entitlement{Identity: "user:u1", Tier: TierPro, SubscriptionID: "sub_1"}, 0)
	require.NoError(t, err)

	e, err := ec.Verify(carry(rec))
	require.NoError(t, err)
	assert.True(t, e.Pro())
	assert.Equal(t, "sub_1", e.SubscriptionID)
	assert.Equal(t, clock.Now(), e.IssuedAt)
	assert.Equal(t, clock.Now().Add(DefaultLifetime), e.ExpiresAt)
	assert.False(t, ec.NearExpiry(e))
}

func TestEntitlementExpiredNeverPro(t *testing.T) {
	clock := newClock()
	ec := NewEntitlementCookie(newSigner(t, "entitlement", clock), WithClock(clock.Now))

	rec := httptest.NewRecorder()
	_, err := ec.Issue(rec, Entitlement{Identity: "user:u1", Tier: TierPro, SubscriptionID: "sub_1"}, time.Hour)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	req := carry(rec)
	_, err = ec.Verify(req)
	assert.ErrorIs(t, err, signer.ErrExpired)

	peeked, err := ec.Peek(req)
	require.NoError(t, err)
	assert.Equal(t, "sub_1", peeked.SubscriptionID)
}

func TestEntitlementNotInterchangeableWithSession(t *testing.T) {
	clock := newClock()
	sessions := NewSessionManager(newSigner(t, "session", clock), WithClock(clock.Now))
	ec := NewEntitlementCookie(newSigner(t, "entitlement", clock), WithClock(clock.Now))

	rec := httptest.NewRecorder()
	_, err := sessions.Issue(rec, "u1", "a@example.com")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: EntitlementCookieName, Value: cookieNamed(rec, SessionCookieName).Value})
	_, err = ec.Verify(req)
	assert.ErrorIs(t, err, signer.ErrBadSignature)
	_, err = ec.Peek(req)
	assert.ErrorIs(t, err, signer.ErrBadSignature)
}

func TestAnonymousResolveMintsAndKeeps(t *testing.T) {
	clock := newClock()
	ac := NewAnonymousCookie(newSigner(t, "anonymous", clock), WithClock(clock.Now))

	rec := httptest.NewRecorder()
	first, err := ac.Resolve(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.True(t, first.Anonymous)
	assert.NotEmpty(t, first.ID)
	require.NotNil(t, cookieNamed(rec, AnonymousCookieName))

	rec2 := httptest.NewRecorder()
	second, err := ac.Resolve(rec2, carry(rec))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Nil(t, cookieNamed(rec2, AnonymousCookieName))
}

func TestAnonymousResolveReplacesTampered(t *testing.T) {
	clock := newClock()
	ac := NewAnonymousCookie(newSigner(t, "anonymous", clock), WithClock(clock.Now))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonymousCookieName, Value: "not-a-token"})

	rec := httptest.NewRecorder()
	id, err := ac.Resolve(rec, req)
	require.NoError(t, err)
	assert.NotEmpty(t, id.ID)
	assert.NotNil(t, cookieNamed(rec, AnonymousCookieName))
}

func TestAnonymousCurrentNeverMints(t *testing.T) {
	clock := newClock()
	ac := NewAnonymousCookie(newSigner(t, "anonymous", clock), WithClock(clock.Now))

	_, ok := ac.Current(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)

	rec := httptest.NewRecorder()
	minted, err := ac.Resolve(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	got, ok := ac.Current(carry(rec))
	require.True(t, ok)
	assert.Equal(t, minted, got)

	clock.Advance(DefaultLifetime)
	_, ok = ac.Current(carry(rec))
	assert.False(t, ok)
}

func TestIdentityKey(t *testing.T) {
	tests := []struct {
		id   Identity
		want string
	}{
		{Identity{ID: "u1"}, "user:u1"},
		{Identity{ID: "a1", Anonymous: true}, "anon:a1"},
		{Identity{}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.id.Key())
	}
}
