package auth

import (
	"net/http"
	"time"

	"github.com/dukerupert/formfill/internal/signer"
)

const SessionCookieName = "ff_session"

// Session is the payload of the session cookie. Nothing is stored server side.
type Session struct {
	UserID    string    `json:"uid"`
	Email     string    `json:"email"`
	IssuedAt  time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

func (s Session) Identity() Identity {
	return Identity{ID: s.UserID, Email: s.Email}
}

// SessionManager issues and verifies stateless session cookies.
type SessionManager struct {
	jar jar
}

func NewSessionManager(s *signer.Signer, opts ...Option) *SessionManager {
	return &SessionManager{jar: newJar(SessionCookieName, s, opts)}
}

func (m *SessionManager) Issue(w http.ResponseWriter, userID, email string) (Session, error) {
	now := m.jar.now()
	sess := Session{
		UserID:    userID,
		Email:     email,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.jar.lifetime),
	}
	if err := m.jar.write(w, sess, sess.ExpiresAt); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Verify returns ErrNoCookie, signer.ErrBadSignature or signer.ErrExpired
// when the request carries no usable session.
func (m *SessionManager) Verify(r *http.Request) (Session, error) {
	var sess Session
	claims, err := m.jar.read(r, &sess)
	if err != nil {
		return Session{}, err
	}
	if sess.UserID == "" {
		return Session{}, signer.ErrBadSignature
	}
	sess.IssuedAt = claims.IssuedAt
	sess.ExpiresAt = claims.ExpiresAt
	return sess, nil
}

// Refresh re-issues the cookie once less than half of its lifetime is left.
func (m *SessionManager) Refresh(w http.ResponseWriter, sess Session) (Session, bool, error) {
	if sess.ExpiresAt.Sub(m.jar.now()) > m.jar.lifetime/2 {
		return sess, false, nil
	}
	renewed, err := m.Issue(w, sess.UserID, sess.Email)
	if err != nil {
		return sess, false, err
	}
	return renewed, true, nil
}

func (m *SessionManager) Clear(w http.ResponseWriter) {
	m.jar.clear(w)
}
