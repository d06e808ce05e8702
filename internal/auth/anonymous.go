package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/dukerupert/formfill/internal/signer"
)

const AnonymousCookieName = "ff_anon"

type anonPayload struct {
	ID string `json:"aid"`
}

// AnonymousCookie gives visitors without a session a stable signed id so
// their usage can be metered.
type AnonymousCookie struct {
	jar jar
}

func NewAnonymousCookie(s *signer.Signer, opts ...Option) *AnonymousCookie {
	return &AnonymousCookie{jar: newJar(AnonymousCookieName, s, opts)}
}

// Resolve returns the visitor's identity, minting and setting a new id when
// the cookie is missing, tampered with or expired.
func (c *AnonymousCookie) Resolve(w http.ResponseWriter, r *http.Request) (Identity, error) {
	var p anonPayload
	claims, err := c.jar.read(r, &p)
	switch {
	case err == nil && p.ID != "":
		if claims.ExpiresAt.Sub(c.jar.now()) < c.jar.lifetime/2 {
			if err := c.jar.write(w, p, c.jar.now().Add(c.jar.lifetime)); err != nil {
				return Identity{}, fmt.Errorf("renew anonymous cookie: %w", err)
			}
		}
		return Identity{ID: p.ID, Anonymous: true}, nil
	case err == nil, errors.Is(err, ErrNoCookie), errors.Is(err, signer.ErrBadSignature), errors.Is(err, signer.ErrExpired):
	default:
		return Identity{}, err
	}

	p = anonPayload{ID: uuid.NewString()}
	if err := c.jar.write(w, p, c.jar.now().Add(c.jar.lifetime)); err != nil {
		return Identity{}, fmt.Errorf("issue anonymous cookie: %w", err)
	}
	return Identity{ID: p.ID, Anonymous: true}, nil
}

// Current returns the visitor's anonymous identity without minting one.
func (c *AnonymousCookie) Current(r *http.Request) (Identity, bool) {
	var p anonPayload
	if _, err := c.jar.read(r, &p); err != nil || p.ID == "" {
		return Identity{}, false
	}
	return Identity{ID: p.ID, Anonymous: true}, true
}

func (c *AnonymousCookie) Clear(w http.ResponseWriter) {
	c.jar.clear(w)
}
