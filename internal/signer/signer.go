// Package signer produces and checks tamper-evident values for cookies.
//
// A signed value is an HS256 JWT whose "dat" claim carries an arbitrary JSON
// payload. Keys are derived per purpose from one application secret with
// HKDF-SHA256, so a value signed for one purpose never verifies for another.
package signer

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrBadSignature covers every malformed or tampered value.
	ErrBadSignature = errors.New("bad signature")
	// ErrExpired is returned for a correctly signed value past its expiry.
	ErrExpired = errors.New("signed value expired")
)

const keySize = 32

// Claims holds the registered times of a verified value.
type Claims struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type envelope struct {
	Data json.RawMessage `json:"dat"`
	jwt.RegisteredClaims
}

// Signer signs and verifies values with one derived key.
type Signer struct {
	key     []byte
	purpose string
	now     func() time.Time
}

type Option func(*Signer)

// WithClock overrides the time source used for iat and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// New derives a key for purpose from secret.
func New(secret []byte, purpose string, opts ...Option) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("signer: empty secret")
	}
	if purpose == "" {
		return nil, errors.New("signer: empty purpose")
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("formfill/"+purpose))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	s := &Signer{key: key, purpose: purpose, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign serializes payload and signs it together with the expiry.
func (s *Signer) Sign(payload any, expiry time.Time) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	env := envelope{
		Data: data,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, env).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign %s value: %w", s.purpose, err)
	}
	return token, nil
}

// Verify checks the signature first and the expiry second, then decodes the
// payload into dst. Any failure other than expiry is ErrBadSignature.
func (s *Signer) Verify(value string, dst any) (Claims, error) {
	return s.parse(value, dst, true)
}

// Inspect checks only the signature. Expired values are returned as long as
// they were signed with this key.
func (s *Signer) Inspect(value string, dst any) (Claims, error) {
	return s.parse(value, dst, false)
}

func (s *Signer) parse(value string, dst any, checkExpiry bool) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if !checkExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	var env envelope
	_, err := jwt.ParseWithClaims(value, &env, func(*jwt.Token) (any, error) {
		return s.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpired
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if env.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: missing expiry", ErrBadSignature)
	}

	if dst != nil {
		if err := json.Unmarshal(env.Data, dst); err != nil {
			return Claims{}, fmt.Errorf("%w: payload: %v", ErrBadSignature, err)
		}
	}

	var c Claims
	if env.IssuedAt != nil {
		c.IssuedAt = env.IssuedAt.Time.UTC()
	}
	c.ExpiresAt = env.ExpiresAt.Time.UTC()
	return c, nil
}
