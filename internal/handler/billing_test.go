package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/formfill/internal/auth"
	"github.com/dukerupert/formfill/internal/billing"
	"github.com/dukerupert/formfill/internal/billing/stripe"
)

func TestCreateCheckoutSessionUsesIdentityKey(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient()
	u := c.signIn(t, "a@example.com")

	rec := c.do(httptest.NewRequest(http.MethodPost, "/create-checkout-session", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["url"]; got != env.payments.url {
		t.Errorf("url = %v", got)
	}
	if want := (auth.Identity{ID: u.ID}).Key(); len(env.payments.created) != 1 || env.payments.created[0] != want {
		t.Errorf("created = %v, want [%s]", env.payments.created, want)
	}
}

func TestCreateCheckoutSessionAnonymous(t *testing.T) {
	env := setupTestEnv(t)
	rec := env.newClient().do(httptest.NewRequest(http.MethodPost, "/create-checkout-session", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.HasPrefix(env.payments.created[0], "anon:") {
		t.Errorf("identity = %q, want anon key", env.payments.created[0])
	}
}

func TestStripeSuccessSetsEntitlement(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient()
	u := c.signIn(t, "a@example.com")
	key := auth.Identity{ID: u.ID}.Key()

	env.payments.checkout = &stripe.Checkout{
		ID:             "cs_1",
		Identity:       key,
		CustomerID:     "cus_9",
		SubscriptionID: "sub_9",
		Status:         billing.StatusActive,
		Complete:       true,
	}
	rec := c.get("/stripe/success?session_id=cs_1")
	if loc := rec.Header().Get("Location"); loc != "/?pro=1" {
		t.Fatalf("Location = %q, want /?pro=1", loc)
	}
	if _, ok := c.cookies[auth.EntitlementCookieName]; !ok {
		t.Fatal("expected entitlement cookie")
	}

	body := decodeBody(t, c.get("/api/me"))
	if body["plan"] != "pro" {
		t.Errorf("plan = %v, want pro", body["plan"])
	}
	stored, _ := env.users.GetByID(u.ID)
	if stored == nil || stored.StripeCustomerID != "cus_9" {
		t.Errorf("stripe customer not recorded: %+v", stored)
	}
}

func TestStripeSuccessRejectsOtherIdentity(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient()
	c.signIn(t, "a@example.com")

	env.payments.checkout = &stripe.Checkout{
		ID:             "cs_1",
		Identity:       "user:someone-else",
		SubscriptionID: "sub_9",
		Status:         billing.StatusActive,
		Complete:       true,
	}
	rec := c.get("/stripe/success?session_id=cs_1")
	if loc := rec.Header().Get("Location"); loc != "/?checkout_error=mismatch" {
		t.Errorf("Location = %q", loc)
	}
	if _, ok := c.cookies[auth.EntitlementCookieName]; ok {
		t.Error("entitlement must not be issued for another identity's checkout")
	}
}

func TestStripeSuccessAfterSignInMidCheckout(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient()

	rec := c.do(httptest.NewRequest(http.MethodPost, "/create-checkout-session", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout status = %d", rec.Code)
	}
	anonKey := env.payments.created[0]
	u := c.signIn(t, "a@example.com")
	userKey := (auth.Identity{ID: u.ID}).Key()

	env.payments.checkout = &stripe.Checkout{
		ID:             "cs_1",
		Identity:       anonKey,
		CustomerID:     "cus_9",
		SubscriptionID: "sub_9",
		Status:         billing.StatusActive,
		Complete:       true,
	}
	rec = c.get("/stripe/success?session_id=cs_1")
	if loc := rec.Header().Get("Location"); loc != "/?pro=1" {
		t.Fatalf("Location = %q, want /?pro=1", loc)
	}

	body := decodeBody(t, c.get("/api/me"))
	if body["plan"] != "pro" {
		t.Errorf("plan = %v, want pro", body["plan"])
	}
	stored, err := env.reconciler.Subscription(context.Background(), "sub_9")
	if err != nil || stored == nil {
		t.Fatalf("subscription not recorded: %v", err)
	}
	if stored.Identity != userKey {
		t.Errorf("subscription identity = %q, want %q", stored.Identity, userKey)
	}
}

func TestStripeCancel(t *testing.T) {
	env := setupTestEnv(t)
	rec := env.newClient().get("/stripe/cancel")
	if loc := rec.Header().Get("Location"); loc != "/?canceled=1" {
		t.Errorf("Location = %q", loc)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	env := setupTestEnv(t)
	env.payments.parseErr = fmt.Errorf("%w: bad header", billing.ErrWebhookSignature)

	req := httptest.NewRequest(http.MethodPost, "/stripe/webhook", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	rec := env.newClient().do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookRevocationOverridesCookie(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient()
	u := c.signIn(t, "a@example.com")
	c.grantPro(t, auth.Identity{ID: u.ID}.Key(), "sub_1")

	env.payments.event = billing.Event{
		ID:             "evt_del",
		Kind:           billing.EventSubscriptionDeleted,
		SubscriptionID: "sub_1",
		OccurredAt:     time.Now().Add(time.Second),
	}
	rec := env.newClient().do(httptest.NewRequest(http.MethodPost, "/stripe/webhook", strings.NewReader(`{}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}

	replayed := c.cookies[auth.EntitlementCookieName]
	body := decodeBody(t, c.get("/api/me"))
	if body["plan"] != "free" {
		t.Errorf("plan = %v, want free after revocation", body["plan"])
	}

	c.cookies[auth.EntitlementCookieName] = replayed
	req := httptest.NewRequest(http.MethodPost, "/api/profiles", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = c.do(req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Pro action status = %d, want 403", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "subscription_revoked" {
		t.Errorf("error = %v, want subscription_revoked", got)
	}
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name     string
		sub      *billing.ProviderSubscription
		err      error
		status   int
		outcome  string
		cookieOK bool
	}{
		{"active", &billing.ProviderSubscription{ID: "sub_1", CustomerID: "cus_1", Status: billing.StatusActive}, nil, http.StatusOK, "ok", true},
		{"canceled", &billing.ProviderSubscription{ID: "sub_1", CustomerID: "cus_1", Status: billing.StatusCanceled}, nil, http.StatusOK, "inactive", false},
		{"unknown", nil, billing.ErrUnknownSubscription, http.StatusOK, "missing", false},
		{"unavailable", nil, errors.New("connection refused"), http.StatusServiceUnavailable, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t)
			c := env.newClient()
			u := c.signIn(t, "a@example.com")
			c.grantPro(t, auth.Identity{ID: u.ID}.Key(), "sub_1")
			env.provider.sub, env.provider.err = tt.sub, tt.err

			rec := c.do(httptest.NewRequest(http.MethodPost, "/stripe/refresh", nil))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			body := decodeBody(t, rec)
			if tt.outcome != "" && body["pro_refresh"] != tt.outcome {
				t.Errorf("pro_refresh = %v, want %s", body["pro_refresh"], tt.outcome)
			}
			if tt.status == http.StatusServiceUnavailable && rec.Header().Get("Retry-After") == "" {
				t.Error("expected Retry-After header")
			}
			if _, ok := c.cookies[auth.EntitlementCookieName]; ok != tt.cookieOK {
				t.Errorf("entitlement cookie present = %v, want %v", ok, tt.cookieOK)
			}
		})
	}
}

func TestRefreshWithoutSubscription(t *testing.T) {
	env := setupTestEnv(t)
	rec := env.newClient().do(httptest.NewRequest(http.MethodPost, "/stripe/refresh", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["pro_refresh"]; got != "missing" {
		t.Errorf("pro_refresh = %v, want missing", got)
	}
}

func TestPaymentsDisabled(t *testing.T) {
	env := setupTestEnv(t)
	h := NewBillingHandler(nil, nil, env.reconciler, env.entitlements, env.anonymous, env.users, discardLogger())

	rec := httptest.NewRecorder()
	h.CreateCheckoutSession(rec, httptest.NewRequest(http.MethodPost, "/create-checkout-session", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("checkout status = %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Webhook(rec, httptest.NewRequest(http.MethodPost, "/stripe/webhook", strings.NewReader(`{}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("webhook status = %d, want 503", rec.Code)
	}
}

func TestWebhookStaleEventIgnored(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	now := time.Now()

	env.payments.event = billing.Event{
		ID: "evt_2", Kind: billing.EventSubscriptionUpdated, SubscriptionID: "sub_1",
		Status: billing.StatusActive, OccurredAt: now,
	}
	env.newClient().do(httptest.NewRequest(http.MethodPost, "/stripe/webhook", strings.NewReader(`{}`)))

	env.payments.event = billing.Event{
		ID: "evt_1", Kind: billing.EventSubscriptionUpdated, SubscriptionID: "sub_1",
		Status: billing.StatusPastDue, OccurredAt: now.Add(-time.Minute),
	}
	rec := env.newClient().do(httptest.NewRequest(http.MethodPost, "/stripe/webhook", strings.NewReader(`{}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got, err := env.reconciler.Subscription(ctx, "sub_1")
	if err != nil || got == nil {
		t.Fatalf("subscription: %v", err)
	}
	if got.Status != billing.StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
}
