package handler

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"time"

	"github.com/dukerupert/formfill/internal/auth"
	"github.com/dukerupert/formfill/internal/email"
	"github.com/dukerupert/formfill/internal/magiclink"
	"github.com/dukerupert/formfill/internal/signer"
)

// DebugHandler exposes read-only diagnostics. Requests are refused with 404
// unless debug mode is on or the X-Debug-Key header matches.
type DebugHandler struct {
	enabled      bool
	key          string
	authority    *magiclink.Authority
	mailer       *email.Mailer
	sessions     *auth.SessionManager
	entitlements *auth.EntitlementCookie
	logger       *slog.Logger
}

func NewDebugHandler(enabled bool, key string, authority *magiclink.Authority, mailer *email.Mailer,
	sessions *auth.SessionManager, entitlements *auth.EntitlementCookie, logger *slog.Logger) *DebugHandler {
	return &DebugHandler{
		enabled:      enabled,
		key:          key,
		authority:    authority,
		mailer:       mailer,
		sessions:     sessions,
		entitlements: entitlements,
		logger:       logger,
	}
}

func (h *DebugHandler) allowed(r *http.Request) bool {
	if h.enabled {
		return true
	}
	got := r.Header.Get("X-Debug-Key")
	return h.key != "" && got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(h.key)) == 1
}

func (h *DebugHandler) LastMagicLink(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(r) {
		http.NotFound(w, r)
		return
	}
	addr := r.URL.Query().Get("email")
	if addr == "" {
		writeError(w, http.StatusBadRequest, "invalid_email", "email is required.")
		return
	}
	tok, ok := h.authority.LastIssued(addr)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "No magic link issued for this email.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"email":      tok.Email,
		"magic_link": h.mailer.MagicLink(tok.Value),
		"expires_at": tok.ExpiresAt,
	})
}

type cookieStatus struct {
	Present   bool       `json:"present"`
	Valid     bool       `json:"valid"`
	Error     string     `json:"error,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func statusOf(err error, expires time.Time) cookieStatus {
	switch {
	case err == nil:
		return cookieStatus{Present: true, Valid: true, ExpiresAt: &expires}
	case errors.Is(err, auth.ErrNoCookie):
		return cookieStatus{}
	case errors.Is(err, signer.ErrExpired):
		return cookieStatus{Present: true, Error: "expired"}
	case errors.Is(err, signer.ErrBadSignature):
		return cookieStatus{Present: true, Error: "bad_signature"}
	default:
		return cookieStatus{Present: true, Error: err.Error()}
	}
}

// AuthStatus reports which auth cookies the request carries and whether they
// verify. It never issues or clears cookies.
func (h *DebugHandler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(r) {
		http.NotFound(w, r)
		return
	}

	sess, sessErr := h.sessions.Verify(r)
	ent, entErr := h.entitlements.Verify(r)
	_, anonErr := r.Cookie(auth.AnonymousCookieName)

	resp := map[string]any{
		"session":     statusOf(sessErr, sess.ExpiresAt),
		"entitlement": statusOf(entErr, ent.ExpiresAt),
		"anonymous":   anonErr == nil,
	}
	if sessErr == nil {
		resp["user_id"] = sess.UserID
		resp["email"] = sess.Email
	}
	if entErr == nil {
		resp["tier"] = ent.Tier
		resp["entitlement_identity"] = ent.Identity
		resp["subscription_id"] = ent.SubscriptionID
	}
	writeJSON(w, http.StatusOK, resp)
}

// Email reports which transport is configured without exposing credentials.
func (h *DebugHandler) Email(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(r) {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configured": h.mailer.Configured(),
		"transport":  h.mailer.Transport(),
		"base_url":   h.mailer.BaseURL(),
	})
}

// SendTestEmail delivers a fixed test message to the address in ?to=.
func (h *DebugHandler) SendTestEmail(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(r) {
		http.NotFound(w, r)
		return
	}
	to := r.URL.Query().Get("to")
	if _, err := mail.ParseAddress(to); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_email", "A valid to address is required.")
		return
	}
	if !h.mailer.Configured() {
		writeUnavailable(w, "email_unavailable", "No email transport is configured.")
		return
	}
	if err := h.mailer.SendTest(r.Context(), to); err != nil {
		h.logger.Error("send test email", "error", err)
		writeUnavailable(w, "email_failed", "The test email could not be sent.")
		return
	}
	h.logger.Info("test email sent", "transport", h.mailer.Transport())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "transport": h.mailer.Transport()})
}

// SetTestCookie sets a plain, script-visible cookie and redirects home, to
// check that the browser keeps cookies from this host at all.
func (h *DebugHandler) SetTestCookie(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(r) {
		http.NotFound(w, r)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "cookie_test",
		Value:    "1",
		Path:     "/",
		MaxAge:   24 * 60 * 60,
		Secure:   r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
