package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/dukerupert/formfill/internal/signer"
)

// ErrNoCookie is returned when the request carries no value for the cookie.
var ErrNoCookie = errors.New("cookie not present")

// DefaultLifetime applies to session, entitlement and anonymous cookies.
const DefaultLifetime = 30 * 24 * time.Hour

// jar reads and writes one signed cookie.
type jar struct {
	name     string
	signer   *signer.Signer
	lifetime time.Duration
	secure   bool
	now      func() time.Time
}

type Option func(*jar)

func WithLifetime(d time.Duration) Option {
	return func(j *jar) {
		j.lifetime = d
	}
}

// WithSecure marks cookies Secure. Production deployments always set it.
func WithSecure(secure bool) Option {
	return func(j *jar) {
		j.secure = secure
	}
}

func WithClock(now func() time.Time) Option {
	return func(j *jar) {
		j.now = now
	}
}

func newJar(name string, s *signer.Signer, opts []Option) jar {
	j := jar{
		name:     name,
		signer:   s,
		lifetime: DefaultLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&j)
	}
	return j
}

func (j jar) write(w http.ResponseWriter, payload any, expires time.Time) error {
	value, err := j.signer.Sign(payload, expires)
	if err != nil {
		return err
	}
	maxAge := int(expires.Sub(j.now()).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     j.name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   j.secure,
	})
	return nil
}

func (j jar) value(r *http.Request) (string, error) {
	c, err := r.Cookie(j.name)
	if err != nil || c.Value == "" {
		return "", ErrNoCookie
	}
	return c.Value, nil
}

func (j jar) read(r *http.Request, dst any) (signer.Claims, error) {
	v, err := j.value(r)
	if err != nil {
		return signer.Claims{}, err
	}
	return j.signer.Verify(v, dst)
}

func (j jar) inspect(r *http.Request, dst any) (signer.Claims, error) {
	v, err := j.value(r)
	if err != nil {
		return signer.Claims{}, err
	}
	return j.signer.Inspect(v, dst)
}

func (j jar) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     j.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   j.secure,
	})
}
