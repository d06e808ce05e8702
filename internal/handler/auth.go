package handler

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/mail"
	"strings"

	"github.com/dukerupert/formfill/internal/auth"
	"github.com/dukerupert/formfill/internal/billing"
	"github.com/dukerupert/formfill/internal/email"
	"github.com/dukerupert/formfill/internal/magiclink"
	"github.com/dukerupert/formfill/internal/metrics"
	"github.com/dukerupert/formfill/internal/store"
)

type AuthHandler struct {
	authority    *magiclink.Authority
	mailer       *email.Mailer
	users        *store.UserStore
	sessions     *auth.SessionManager
	entitlements *auth.EntitlementCookie
	anonymous    *auth.AnonymousCookie
	reconciler   *billing.Reconciler
	logger       *slog.Logger
}

func NewAuthHandler(
	authority *magiclink.Authority,
	mailer *email.Mailer,
	users *store.UserStore,
	sessions *auth.SessionManager,
	entitlements *auth.EntitlementCookie,
	anonymous *auth.AnonymousCookie,
	reconciler *billing.Reconciler,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		authority:    authority,
		mailer:       mailer,
		users:        users,
		sessions:     sessions,
		entitlements: entitlements,
		anonymous:    anonymous,
		reconciler:   reconciler,
		logger:       logger,
	}
}

// emailFromRequest accepts a JSON body or a form post.
func emailFromRequest(r *http.Request) string {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeJSON(r, &body); err != nil {
			return ""
		}
		return strings.TrimSpace(body.Email)
	}
	return strings.TrimSpace(r.FormValue("email"))
}

func validEmail(s string) bool {
	if s == "" || len(s) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && strings.Contains(s[at+1:], ".")
}

func (h *AuthHandler) SendMagicLink(w http.ResponseWriter, r *http.Request) {
	addr := emailFromRequest(r)
	if !validEmail(addr) {
		writeError(w, http.StatusBadRequest, "invalid_email", "Enter a valid email address.")
		return
	}
	if !h.mailer.Configured() {
		writeUnavailable(w, "email_unavailable", "Email sign-in is not available right now.")
		return
	}

	tok, err := h.authority.Issue(r.Context(), addr)
	if err != nil {
		h.logger.Error("issue magic link", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not create a sign-in link.")
		return
	}
	metrics.MagicLinksIssued.Inc()

	if err := h.mailer.SendMagicLink(r.Context(), tok.Email, tok.Value); err != nil {
		h.logger.Error("send magic link", "email", tok.Email, "error", err)
		writeUnavailable(w, "email_unavailable", "We could not send the sign-in email. Try again shortly.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"message": "Check your email for a sign-in link.",
	})
}

// Verify consumes a magic-link token, signs the user in and moves anything
// bought anonymously in this browser onto the account.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr, err := h.authority.Verify(ctx, r.URL.Query().Get("token"))
	switch {
	case err == nil:
	case errors.Is(err, magiclink.ErrAlreadyUsed):
		metrics.MagicLinkVerifications.WithLabelValues("used").Inc()
		http.Redirect(w, r, "/?auth_error=used_token", http.StatusSeeOther)
		return
	case errors.Is(err, magiclink.ErrInvalidOrExpired):
		metrics.MagicLinkVerifications.WithLabelValues("invalid").Inc()
		http.Redirect(w, r, "/?auth_error=invalid_token", http.StatusSeeOther)
		return
	default:
		h.logger.Error("verify magic link", "error", err)
		http.Redirect(w, r, "/?auth_error=server_error", http.StatusSeeOther)
		return
	}
	metrics.MagicLinkVerifications.WithLabelValues("ok").Inc()

	user, err := h.users.GetOrCreate(addr)
	if err != nil {
		h.logger.Error("get or create user", "email", addr, "error", err)
		http.Redirect(w, r, "/?auth_error=server_error", http.StatusSeeOther)
		return
	}

	if _, err := h.sessions.Issue(w, user.ID, user.Email); err != nil {
		h.logger.Error("issue session", "user_id", user.ID, "error", err)
		http.Redirect(w, r, "/?auth_error=server_error", http.StatusSeeOther)
		return
	}
	userKey := auth.Identity{ID: user.ID}.Key()

	if anon, ok := h.anonymous.Current(r); ok {
		if err := h.reconciler.ClaimIdentity(ctx, anon.Key(), userKey); err != nil {
			h.logger.Error("claim anonymous subscriptions", "user_id", user.ID, "error", err)
		}
		if ent, err := h.entitlements.Verify(r); err == nil && ent.Pro() && ent.Identity == anon.Key() {
			ent.Identity = userKey
			if _, err := h.entitlements.Issue(w, ent, 0); err != nil {
				h.logger.Error("rebind entitlement", "user_id", user.ID, "error", err)
			}
			if ent.CustomerID != "" && user.StripeCustomerID == "" {
				if err := h.users.UpdateStripeCustomerID(user.ID, ent.CustomerID); err != nil {
					h.logger.Warn("record stripe customer", "user_id", user.ID, "error", err)
				}
			}
		}
	}

	h.logger.Info("user signed in", "user_id", user.ID)
	http.Redirect(w, r, "/?auth_success=1", http.StatusSeeOther)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Clear(w)
	h.entitlements.Clear(w)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
