package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/formfill/internal/billing"
	"github.com/dukerupert/formfill/internal/gate"
	"github.com/dukerupert/formfill/internal/quota"
)

// retryAfterSeconds is advertised when the billing provider is unreachable.
const retryAfterSeconds = 30

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Remaining *int   `json:"remaining,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeGateError maps an Authorize failure onto the error taxonomy.
func writeGateError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, gate.ErrLoginRequired):
		writeError(w, http.StatusUnauthorized, "login_required", "Sign in to continue.")
	case errors.Is(err, gate.ErrProRequired):
		writeError(w, http.StatusForbidden, "pro_required", "This feature requires a Pro subscription.")
	case errors.Is(err, billing.ErrRevoked):
		writeError(w, http.StatusForbidden, "subscription_revoked", "Your subscription is no longer active.")
	case errors.Is(err, quota.ErrExceeded):
		remaining := 0
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:     "quota_exceeded",
			Message:   "Daily free limit reached. Upgrade to Pro for unlimited fills.",
			Remaining: &remaining,
		})
	case errors.Is(err, billing.ErrProviderUnavailable):
		writeUnavailable(w, "billing_unavailable", "Billing is temporarily unavailable. Try again shortly.")
	default:
		logger.Error("authorize request", "error", err)
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "Service temporarily unavailable.")
	}
}

func writeUnavailable(w http.ResponseWriter, code, message string) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeError(w, http.StatusServiceUnavailable, code, message)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
