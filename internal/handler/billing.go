package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/formfill/internal/auth"
	"github.com/dukerupert/formfill/internal/billing"
	"github.com/dukerupert/formfill/internal/billing/stripe"
	"github.com/dukerupert/formfill/internal/gate"
	"github.com/dukerupert/formfill/internal/metrics"
	"github.com/dukerupert/formfill/internal/store"
)

// maxWebhookBody matches the payload limit Stripe documents for webhooks.
const maxWebhookBody = 65536

// Payments is the billing provider as seen by the HTTP layer.
type Payments interface {
	CreateCheckoutSession(ctx context.Context, identity, email string) (string, error)
	CheckoutSession(ctx context.Context, id string) (*stripe.Checkout, error)
	ParseWebhook(payload []byte, sigHeader string) (billing.Event, error)
}

type BillingHandler struct {
	gate         *gate.Gate
	payments     Payments
	reconciler   *billing.Reconciler
	entitlements *auth.EntitlementCookie
	anonymous    *auth.AnonymousCookie
	users        *store.UserStore
	logger       *slog.Logger
}

// NewBillingHandler builds the checkout and webhook endpoints. A nil payments
// disables them with 503.
func NewBillingHandler(g *gate.Gate, payments Payments, reconciler *billing.Reconciler,
	entitlements *auth.EntitlementCookie, anonymous *auth.AnonymousCookie, users *store.UserStore,
	logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		gate:         g,
		payments:     payments,
		reconciler:   reconciler,
		entitlements: entitlements,
		anonymous:    anonymous,
		users:        users,
		logger:       logger,
	}
}

func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeUnavailable(w, "payments_unavailable", "Payments are not configured.")
		return
	}
	d, err := h.gate.Identify(w, r)
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}
	if d.Pro() {
		writeError(w, http.StatusConflict, "already_pro", "You already have an active Pro subscription.")
		return
	}

	url, err := h.payments.CreateCheckoutSession(r.Context(), d.Identity.Key(), d.Identity.Email)
	if err != nil {
		h.logger.Error("create checkout session", "identity", d.Identity.Key(), "error", err)
		writeUnavailable(w, "billing_unavailable", "Could not start checkout. Try again shortly.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// Success runs when Stripe redirects back after checkout. It reconciles the
// session right away so the buyer does not wait for the webhook.
func (h *BillingHandler) Success(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	d, err := h.gate.Identify(w, r)
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Redirect(w, r, "/?checkout_error=missing_session", http.StatusSeeOther)
		return
	}
	co, err := h.payments.CheckoutSession(ctx, sessionID)
	if err != nil {
		h.logger.Error("load checkout session", "session_id", sessionID, "error", err)
		http.Redirect(w, r, "/?checkout_error=unavailable", http.StatusSeeOther)
		return
	}
	// A visitor who started checkout anonymously and signed in before
	// returning still owns the session through the anonymous cookie.
	claimFrom := ""
	if co.Identity != d.Identity.Key() && !d.Identity.Anonymous && h.anonymous != nil {
		if anon, ok := h.anonymous.Current(r); ok && co.Identity == anon.Key() {
			claimFrom = anon.Key()
		}
	}
	if co.Identity != d.Identity.Key() && claimFrom == "" {
		h.logger.Warn("checkout session belongs to another identity",
			"session_id", sessionID, "identity", d.Identity.Key())
		http.Redirect(w, r, "/?checkout_error=mismatch", http.StatusSeeOther)
		return
	}
	if !co.Complete || co.SubscriptionID == "" {
		http.Redirect(w, r, "/?checkout_error=incomplete", http.StatusSeeOther)
		return
	}

	err = h.reconciler.HandleEvent(ctx, billing.Event{
		ID:             co.ID,
		Kind:           billing.EventCheckoutCompleted,
		SubscriptionID: co.SubscriptionID,
		CustomerID:     co.CustomerID,
		Identity:       co.Identity,
		Status:         co.Status,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("reconcile checkout", "session_id", sessionID, "error", err)
		http.Redirect(w, r, "/?checkout_error=unavailable", http.StatusSeeOther)
		return
	}
	if claimFrom != "" {
		if err := h.reconciler.ClaimIdentity(ctx, claimFrom, d.Identity.Key()); err != nil {
			h.logger.Error("claim anonymous checkout", "session_id", sessionID, "error", err)
			http.Redirect(w, r, "/?checkout_error=unavailable", http.StatusSeeOther)
			return
		}
	}

	tier, rec, err := h.reconciler.Tier(ctx, d.Identity.Key())
	if err != nil || tier != auth.TierPro {
		if err != nil {
			h.logger.Error("resolve tier after checkout", "error", err)
		}
		http.Redirect(w, r, "/?checkout_error=inactive", http.StatusSeeOther)
		return
	}
	if _, err := h.entitlements.Issue(w, auth.Entitlement{
		Identity:       d.Identity.Key(),
		Tier:           auth.TierPro,
		SubscriptionID: rec.SubscriptionID,
		CustomerID:     rec.CustomerID,
	}, 0); err != nil {
		h.logger.Error("issue entitlement", "error", err)
	}

	if !d.Identity.Anonymous && co.CustomerID != "" {
		if err := h.users.UpdateStripeCustomerID(d.Identity.ID, co.CustomerID); err != nil {
			h.logger.Warn("record stripe customer", "user_id", d.Identity.ID, "error", err)
		}
	}

	h.logger.Info("checkout completed", "identity", d.Identity.Key(), "subscription_id", co.SubscriptionID)
	http.Redirect(w, r, "/?pro=1", http.StatusSeeOther)
}

func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/?canceled=1", http.StatusSeeOther)
}

// Refresh asks the provider for the caller's current subscription state.
func (h *BillingHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := h.gate.Identify(w, r)
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}
	key := d.Identity.Key()

	subID := ""
	if ent, err := h.entitlements.Peek(r); err == nil && ent.Identity == key {
		subID = ent.SubscriptionID
	}
	if subID == "" {
		_, rec, err := h.reconciler.Tier(ctx, key)
		if err != nil {
			writeGateError(w, h.logger, err)
			return
		}
		if rec != nil {
			subID = rec.SubscriptionID
		}
	}
	if subID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"pro_refresh": "missing", "plan": auth.TierFree})
		return
	}

	tier, err := h.reconciler.RefreshSubscription(ctx, key, subID)
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrUnknownSubscription):
		h.entitlements.Clear(w)
		writeJSON(w, http.StatusOK, map[string]any{"pro_refresh": "missing", "plan": auth.TierFree})
		return
	case errors.Is(err, billing.ErrProviderUnavailable):
		writeUnavailable(w, "billing_unavailable", "Billing is temporarily unavailable. Try again shortly.")
		return
	default:
		h.logger.Error("refresh subscription", "identity", key, "subscription_id", subID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not refresh the subscription.")
		return
	}

	if tier != auth.TierPro {
		h.entitlements.Clear(w)
		writeJSON(w, http.StatusOK, map[string]any{"pro_refresh": "inactive", "plan": auth.TierFree})
		return
	}
	rec, err := h.reconciler.Subscription(ctx, subID)
	if err != nil || rec == nil {
		h.logger.Error("load refreshed subscription", "subscription_id", subID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not refresh the subscription.")
		return
	}
	if _, err := h.entitlements.Issue(w, auth.Entitlement{
		Identity:       key,
		Tier:           auth.TierPro,
		SubscriptionID: subID,
		CustomerID:     rec.CustomerID,
	}, 0); err != nil {
		h.logger.Error("issue entitlement", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pro_refresh": "ok", "plan": auth.TierPro})
}

func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeUnavailable(w, "payments_unavailable", "Payments are not configured.")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Could not read the request body.")
		return
	}

	ev, err := h.payments.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrWebhookSignature) {
			metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
			h.logger.Warn("webhook rejected", "error", err)
			writeError(w, http.StatusBadRequest, "invalid_signature", "Webhook signature verification failed.")
			return
		}
		h.logger.Error("parse webhook", "error", err)
		writeError(w, http.StatusBadRequest, "invalid_payload", "Could not parse the event.")
		return
	}

	if err := h.reconciler.HandleEvent(r.Context(), ev); err != nil {
		h.logger.Error("handle webhook", "event_id", ev.ID, "type", ev.Kind, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Event could not be processed.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
