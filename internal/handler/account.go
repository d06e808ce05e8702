package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/formfill/internal/auth"
	"github.com/dukerupert/formfill/internal/gate"
	"github.com/dukerupert/formfill/internal/quota"
	"github.com/dukerupert/formfill/internal/store"
)

// PublicConfig is what the browser needs to know about this deployment.
type PublicConfig struct {
	StripeEnabled bool   `json:"stripeEnabled"`
	EmailEnabled  bool   `json:"emailEnabled"`
	Env           string `json:"env"`
}

type AccountHandler struct {
	gate         *gate.Gate
	quota        *quota.Tracker
	users        *store.UserStore
	sessions     *auth.SessionManager
	entitlements *auth.EntitlementCookie
	config       PublicConfig
	logger       *slog.Logger
}

func NewAccountHandler(g *gate.Gate, q *quota.Tracker, users *store.UserStore, sessions *auth.SessionManager,
	entitlements *auth.EntitlementCookie, cfg PublicConfig, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		gate:         g,
		quota:        q,
		users:        users,
		sessions:     sessions,
		entitlements: entitlements,
		config:       cfg,
		logger:       logger,
	}
}

func (h *AccountHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AccountHandler) Config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config)
}

type quotaStatus struct {
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

type meResponse struct {
	Authenticated bool         `json:"authenticated"`
	Email         string       `json:"email,omitempty"`
	Plan          auth.Tier    `json:"plan"`
	IsPro         bool         `json:"is_pro"`
	Quota         *quotaStatus `json:"quota,omitempty"`
}

// Me reports who the caller is, their plan and, for free callers, how many
// metered actions are left today.
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	d, err := h.gate.Identify(w, r)
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}

	resp := meResponse{
		Authenticated: !d.Identity.Anonymous,
		Email:         d.Identity.Email,
		Plan:          d.Tier,
		IsPro:         d.Pro(),
	}
	if !d.Pro() {
		remaining, err := h.quota.Remaining(r.Context(), d.Identity.Key(), h.gate.DailyLimit())
		if err != nil {
			writeGateError(w, h.logger, err)
			return
		}
		resp.Quota = &quotaStatus{Limit: h.gate.DailyLimit(), Remaining: remaining}
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteData removes the account along with its profiles and mappings.
func (h *AccountHandler) DeleteData(w http.ResponseWriter, r *http.Request) {
	d, err := h.gate.Authorize(w, r, gate.Policy{RequireLogin: true})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}

	if err := h.users.Delete(d.Identity.ID); err != nil {
		h.logger.Error("delete user", "user_id", d.Identity.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not delete your data.")
		return
	}
	h.sessions.Clear(w)
	h.entitlements.Clear(w)

	h.logger.Info("user data deleted", "user_id", d.Identity.ID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
