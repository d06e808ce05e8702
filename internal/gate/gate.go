// Package gate decides, per request, who the caller is, whether they are Pro,
// and whether a metered action still fits in their daily quota.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukerupert/formfill/internal/auth"
	"github.com/dukerupert/formfill/internal/billing"
	"github.com/dukerupert/formfill/internal/quota"
	"github.com/dukerupert/formfill/internal/signer"
)

var (
	ErrLoginRequired = errors.New("login required")
	ErrProRequired   = errors.New("pro subscription required")
)

// Subscriptions is the part of the billing reconciler the gate consults.
type Subscriptions interface {
	IsRevoked(ctx context.Context, subscriptionID string) (bool, error)
	Subscription(ctx context.Context, subscriptionID string) (*billing.Record, error)
	Tier(ctx context.Context, identity string) (auth.Tier, *billing.Record, error)
}

type Quota interface {
	CheckAndIncrement(ctx context.Context, identity string, limit int) (bool, int, error)
}

// Policy describes what an action requires.
type Policy struct {
	RequireLogin bool
	RequirePro   bool
	Metered      bool
}

// Decision is the outcome of a successful Authorize.
type Decision struct {
	Identity    auth.Identity
	Session     *auth.Session
	Tier        auth.Tier
	Entitlement *auth.Entitlement
	// Revoked is set when a presented entitlement was rejected because its
	// subscription is no longer active.
	Revoked bool
	// Remaining is the quota left after this action, or -1 when the action
	// was not metered.
	Remaining int
}

func (d Decision) Pro() bool {
	return d.Tier == auth.TierPro
}

type Gate struct {
	sessions      *auth.SessionManager
	entitlements  *auth.EntitlementCookie
	anonymous     *auth.AnonymousCookie
	subscriptions Subscriptions
	quota         Quota
	limit         int
	logger        *slog.Logger
}

type Option func(*Gate)

func WithDailyLimit(n int) Option {
	return func(g *Gate) {
		g.limit = n
	}
}

func New(sessions *auth.SessionManager, entitlements *auth.EntitlementCookie, anonymous *auth.AnonymousCookie,
	subscriptions Subscriptions, q Quota, logger *slog.Logger, opts ...Option) *Gate {
	g := &Gate{
		sessions:      sessions,
		entitlements:  entitlements,
		anonymous:     anonymous,
		subscriptions: subscriptions,
		quota:         q,
		limit:         quota.DefaultDailyLimit,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DailyLimit is the quota applied to non-Pro identities.
func (g *Gate) DailyLimit() int {
	return g.limit
}

// Authorize resolves identity, then entitlement, then quota. Cookies it
// issues, renews or clears are written to w. On ErrLoginRequired,
// ErrProRequired, billing.ErrRevoked or quota.ErrExceeded the returned
// Decision is still populated as far as it got.
func (g *Gate) Authorize(w http.ResponseWriter, r *http.Request, p Policy) (Decision, error) {
	ctx := r.Context()
	d := Decision{Tier: auth.TierFree, Remaining: -1}

	sess, err := g.sessions.Verify(r)
	switch {
	case err == nil:
		if renewed, ok, err := g.sessions.Refresh(w, sess); err != nil {
			g.logger.Warn("session refresh failed", "user_id", sess.UserID, "error", err)
		} else if ok {
			sess = renewed
		}
		d.Session = &sess
		d.Identity = sess.Identity()
	case p.RequireLogin || p.RequirePro:
		return d, ErrLoginRequired
	default:
		if !errors.Is(err, auth.ErrNoCookie) {
			g.sessions.Clear(w)
		}
		id, err := g.anonymous.Resolve(w, r)
		if err != nil {
			return d, fmt.Errorf("resolve anonymous identity: %w", err)
		}
		d.Identity = id
	}

	if err := g.resolveTier(ctx, w, r, &d); err != nil {
		return d, err
	}

	if p.RequirePro && !d.Pro() {
		if d.Revoked {
			return d, billing.ErrRevoked
		}
		return d, ErrProRequired
	}

	if p.Metered && !d.Pro() {
		ok, remaining, err := g.quota.CheckAndIncrement(ctx, d.Identity.Key(), g.limit)
		if err != nil {
			return d, fmt.Errorf("check quota: %w", err)
		}
		d.Remaining = remaining
		if !ok {
			return d, quota.ErrExceeded
		}
	}
	return d, nil
}

// Identify resolves identity and entitlement without metering.
func (g *Gate) Identify(w http.ResponseWriter, r *http.Request) (Decision, error) {
	return g.Authorize(w, r, Policy{})
}

func (g *Gate) resolveTier(ctx context.Context, w http.ResponseWriter, r *http.Request, d *Decision) error {
	ent, err := g.entitlements.Verify(r)
	switch {
	case err == nil && ent.Pro() && ent.Identity == d.Identity.Key():
		ok, err := g.checkEntitlement(ctx, w, d, ent)
		if err != nil || ok {
			return err
		}
	case err == nil:
		g.entitlements.Clear(w)
	case errors.Is(err, signer.ErrBadSignature), errors.Is(err, signer.ErrExpired):
		g.entitlements.Clear(w)
	}

	tier, rec, err := g.subscriptions.Tier(ctx, d.Identity.Key())
	if err != nil {
		return err
	}
	if tier != auth.TierPro {
		return nil
	}
	issued, err := g.entitlements.Issue(w, auth.Entitlement{
		Identity:       d.Identity.Key(),
		Tier:           auth.TierPro,
		SubscriptionID: rec.SubscriptionID,
		CustomerID:     rec.CustomerID,
	}, 0)
	if err != nil {
		return fmt.Errorf("issue entitlement: %w", err)
	}
	g.logger.Info("entitlement restored from subscription record",
		"identity", d.Identity.Key(), "subscription_id", rec.SubscriptionID)
	d.Tier = auth.TierPro
	d.Entitlement = &issued
	d.Revoked = false
	return nil
}

// checkEntitlement validates a Pro cookie against the denylist and the stored
// record. It reports whether the cookie stands.
func (g *Gate) checkEntitlement(ctx context.Context, w http.ResponseWriter, d *Decision, ent auth.Entitlement) (bool, error) {
	revoked, err := g.subscriptions.IsRevoked(ctx, ent.SubscriptionID)
	if err != nil {
		return false, err
	}
	if revoked {
		g.logger.Info("entitlement revoked", "identity", d.Identity.Key(), "subscription_id", ent.SubscriptionID)
		g.entitlements.Clear(w)
		d.Revoked = true
		return false, nil
	}

	rec, err := g.subscriptions.Subscription(ctx, ent.SubscriptionID)
	if err != nil {
		return false, fmt.Errorf("lookup subscription: %w", err)
	}
	if rec != nil && !rec.Status.Entitled() && !rec.LastEventAt.Before(ent.IssuedAt) {
		g.logger.Info("entitlement superseded", "identity", d.Identity.Key(),
			"subscription_id", ent.SubscriptionID, "status", rec.Status)
		g.entitlements.Clear(w)
		d.Revoked = true
		return false, nil
	}

	if rec != nil && rec.Status.Entitled() && g.entitlements.NearExpiry(ent) {
		renewed, err := g.entitlements.Issue(w, auth.Entitlement{
			Identity:       ent.Identity,
			Tier:           auth.TierPro,
			SubscriptionID: ent.SubscriptionID,
			CustomerID:     ent.CustomerID,
		}, 0)
		if err != nil {
			g.logger.Warn("entitlement renewal failed", "identity", ent.Identity, "error", err)
		} else {
			ent = renewed
		}
	}

	d.Tier = auth.TierPro
	d.Entitlement = &ent
	return true, nil
}
