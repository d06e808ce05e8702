package auth

import (
	"net/http"
	"time"

	"github.com/dukerupert/formfill/internal/signer"
)

const EntitlementCookieName = "ff_pro"

// Entitlement is a signed assertion that an identity held a tier when the
// cookie was issued. It is a cache of billing state, never the source of it.
type Entitlement struct {
	Identity       string    `json:"id"`
	Tier           Tier      `json:"tier"`
	SubscriptionID string    `json:"sub,omitempty"`
	CustomerID     string    `json:"cus,omitempty"`
	IssuedAt       time.Time `json:"-"`
	ExpiresAt      time.Time `json:"-"`
}

func (e Entitlement) Pro() bool {
	return e.Tier == TierPro
}

// EntitlementCookie is independent of the session cookie so anonymous buyers
// keep Pro until they sign in.
type EntitlementCookie struct {
	jar jar
}

func NewEntitlementCookie(s *signer.Signer, opts ...Option) *EntitlementCookie {
	return &EntitlementCookie{jar: newJar(EntitlementCookieName, s, opts)}
}

// Issue writes the assertion with ttl, or the default lifetime when ttl is zero.
func (c *EntitlementCookie) Issue(w http.ResponseWriter, e Entitlement, ttl time.Duration) (Entitlement, error) {
	if ttl <= 0 {
		ttl = c.jar.lifetime
	}
	now := c.jar.now()
	e.IssuedAt = now
	e.ExpiresAt = now.Add(ttl)
	if err := c.jar.write(w, e, e.ExpiresAt); err != nil {
		return Entitlement{}, err
	}
	return e, nil
}

func (c *EntitlementCookie) Verify(r *http.Request) (Entitlement, error) {
	var e Entitlement
	claims, err := c.jar.read(r, &e)
	if err != nil {
		return Entitlement{}, err
	}
	e.IssuedAt = claims.IssuedAt
	e.ExpiresAt = claims.ExpiresAt
	return e, nil
}

// Peek returns a correctly signed assertion even when it has expired. It is
// only used to find which subscription to refresh and never grants Pro.
func (c *EntitlementCookie) Peek(r *http.Request) (Entitlement, error) {
	var e Entitlement
	claims, err := c.jar.inspect(r, &e)
	if err != nil {
		return Entitlement{}, err
	}
	e.IssuedAt = claims.IssuedAt
	e.ExpiresAt = claims.ExpiresAt
	return e, nil
}

// NearExpiry reports whether less than half of the lifetime is left.
func (c *EntitlementCookie) NearExpiry(e Entitlement) bool {
	return e.ExpiresAt.Sub(c.jar.now()) < c.jar.lifetime/2
}

func (c *EntitlementCookie) Clear(w http.ResponseWriter) {
	c.jar.clear(w)
}
