package billing

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/dukerupert/formfill/internal/auth"
	"github.com/dukerupert/formfill/internal/metrics"
)

// RevocationTTL is how long a revoked subscription stays on the denylist.
const RevocationTTL = 24 * time.Hour

const lockStripes = 64

// RetryConfig bounds provider calls made by Refresh.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	CallTimeout     time.Duration
}

// fallbackCallTimeout bounds a single provider call when CallTimeout is unset.
const fallbackCallTimeout = 10 * time.Second

// budget is the longest a shared refresh may run across all attempts.
func (c RetryConfig) budget() time.Duration {
	call := c.CallTimeout
	if call <= 0 {
		call = fallbackCallTimeout
	}
	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(attempts) * (call + c.MaxInterval)
}

var DefaultRetry = RetryConfig{
	MaxAttempts:     4,
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	CallTimeout:     5 * time.Second,
}

// Reconciler applies billing events to the subscription store and denylist.
type Reconciler struct {
	store    Store
	denylist Denylist
	provider Provider
	logger   *slog.Logger
	now      func() time.Time
	ttl      time.Duration
	retry    RetryConfig

	locks [lockStripes]sync.Mutex
	group singleflight.Group

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Reconciler)

func WithProvider(p Provider) Option {
	return func(r *Reconciler) {
		r.provider = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

func WithRevocationTTL(d time.Duration) Option {
	return func(r *Reconciler) {
		r.ttl = d
	}
}

func WithRetry(cfg RetryConfig) Option {
	return func(r *Reconciler) {
		r.retry = cfg
	}
}

func NewReconciler(store Store, denylist Denylist, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		denylist: denylist,
		logger:   logger,
		now:      time.Now,
		ttl:      RevocationTTL,
		retry:    DefaultRetry,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.retry.MaxAttempts < 1 {
		r.retry.MaxAttempts = 1
	}
	return r
}

func (r *Reconciler) lockFor(subscriptionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(subscriptionID))
	return &r.locks[h.Sum32()%lockStripes]
}

// statusFor maps an event to the status it asserts. Unsupported kinds and
// updates without a status report false.
func statusFor(ev Event) (Status, bool) {
	switch ev.Kind {
	case EventCheckoutCompleted:
		if ev.Status != "" {
			return ev.Status, true
		}
		return StatusActive, true
	case EventSubscriptionUpdated:
		return ev.Status, ev.Status != ""
	case EventSubscriptionDeleted:
		return StatusCanceled, true
	case EventPaymentFailed:
		return StatusPastDue, true
	case EventPaymentSucceeded:
		return StatusActive, true
	}
	return "", false
}

// HandleEvent applies ev unless a newer event has already been applied for
// the same subscription. Unsupported kinds are ignored without error.
func (r *Reconciler) HandleEvent(ctx context.Context, ev Event) error {
	status, ok := statusFor(ev)
	if !ok || ev.SubscriptionID == "" {
		r.logger.Debug("event ignored", "event_id", ev.ID, "kind", ev.Kind)
		metrics.WebhookEvents.WithLabelValues(string(ev.Kind), "ignored").Inc()
		return nil
	}

	applied, err := r.apply(ctx, ev, status)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(string(ev.Kind), "error").Inc()
		return err
	}
	if applied {
		metrics.WebhookEvents.WithLabelValues(string(ev.Kind), "applied").Inc()
	} else {
		metrics.WebhookEvents.WithLabelValues(string(ev.Kind), "stale").Inc()
	}
	return nil
}

// apply writes the record and updates the denylist under the subscription's
// lock, so denylist changes follow the same order as record writes.
func (r *Reconciler) apply(ctx context.Context, ev Event, status Status) (bool, error) {
	mu := r.lockFor(ev.SubscriptionID)
	mu.Lock()
	defer mu.Unlock()

	applied, err := r.store.Apply(ctx, Record{
		SubscriptionID: ev.SubscriptionID,
		CustomerID:     ev.CustomerID,
		Identity:       ev.Identity,
		Status:         status,
		LastEventAt:    ev.OccurredAt.UTC(),
		UpdatedAt:      r.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("apply %s for %s: %w", ev.Kind, ev.SubscriptionID, err)
	}
	if !applied {
		r.logger.Info("stale event ignored",
			"event_id", ev.ID, "kind", ev.Kind, "subscription_id", ev.SubscriptionID, "occurred_at", ev.OccurredAt)
		return false, nil
	}

	if status.Entitled() {
		if err := r.denylist.Remove(ctx, ev.SubscriptionID); err != nil {
			return true, fmt.Errorf("clear revocation for %s: %w", ev.SubscriptionID, err)
		}
	} else {
		if err := r.denylist.Add(ctx, ev.SubscriptionID, r.ttl); err != nil {
			return true, fmt.Errorf("revoke %s: %w", ev.SubscriptionID, err)
		}
	}

	r.logger.Info("subscription reconciled",
		"event_id", ev.ID, "kind", ev.Kind, "subscription_id", ev.SubscriptionID, "status", status)
	return true, nil
}

// IsRevoked reports whether subscriptionID is on the denylist.
func (r *Reconciler) IsRevoked(ctx context.Context, subscriptionID string) (bool, error) {
	if subscriptionID == "" {
		return false, nil
	}
	revoked, err := r.denylist.Contains(ctx, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("check denylist: %w", err)
	}
	return revoked, nil
}

// Subscription returns the stored record, or nil.
func (r *Reconciler) Subscription(ctx context.Context, subscriptionID string) (*Record, error) {
	return r.store.Get(ctx, subscriptionID)
}

// Tier answers from stored state only: Pro iff the identity's best record is
// entitled and not revoked.
func (r *Reconciler) Tier(ctx context.Context, identity string) (auth.Tier, *Record, error) {
	rec, err := r.store.LatestForIdentity(ctx, identity)
	if err != nil {
		return auth.TierFree, nil, fmt.Errorf("lookup subscription: %w", err)
	}
	if rec == nil || !rec.Status.Entitled() {
		return auth.TierFree, rec, nil
	}
	revoked, err := r.IsRevoked(ctx, rec.SubscriptionID)
	if err != nil {
		return auth.TierFree, rec, err
	}
	if revoked {
		return auth.TierFree, rec, nil
	}
	return auth.TierPro, rec, nil
}

// ClaimIdentity moves subscriptions bought under one identity to another,
// typically from an anonymous visitor to the account that just signed in.
func (r *Reconciler) ClaimIdentity(ctx context.Context, from, to string) error {
	if from == "" || from == to {
		return nil
	}
	n, err := r.store.Reassign(ctx, from, to)
	if err != nil {
		return fmt.Errorf("claim subscriptions: %w", err)
	}
	if n > 0 {
		r.logger.Info("subscriptions claimed", "from", from, "to", to, "count", n)
	}
	return nil
}

// Refresh re-reads the identity's subscription from the provider. Identities
// without any known subscription are free.
func (r *Reconciler) Refresh(ctx context.Context, identity string) (auth.Tier, error) {
	rec, err := r.store.LatestForIdentity(ctx, identity)
	if err != nil {
		return auth.TierFree, fmt.Errorf("lookup subscription: %w", err)
	}
	if rec == nil {
		metrics.SubscriptionRefreshes.WithLabelValues("free").Inc()
		return auth.TierFree, nil
	}
	return r.RefreshSubscription(ctx, identity, rec.SubscriptionID)
}

// RefreshSubscription queries the provider for subscriptionID and reconciles
// the answer as an update observed now. When the provider cannot be reached
// the error wraps ErrProviderUnavailable and no tier is implied.
func (r *Reconciler) RefreshSubscription(ctx context.Context, identity, subscriptionID string) (auth.Tier, error) {
	v, err := r.sharedFetch(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, ErrUnknownSubscription) {
			metrics.SubscriptionRefreshes.WithLabelValues("unknown").Inc()
		} else {
			metrics.SubscriptionRefreshes.WithLabelValues("unavailable").Inc()
		}
		return "", err
	}
	sub := v.(*ProviderSubscription)

	ev := Event{
		ID:             "refresh",
		Kind:           EventSubscriptionUpdated,
		SubscriptionID: subscriptionID,
		CustomerID:     sub.CustomerID,
		Identity:       identity,
		Status:         sub.Status,
		OccurredAt:     r.now(),
	}
	if _, err := r.apply(ctx, ev, sub.Status); err != nil {
		return "", err
	}

	if !sub.Status.Entitled() {
		metrics.SubscriptionRefreshes.WithLabelValues("free").Inc()
		return auth.TierFree, nil
	}
	revoked, err := r.IsRevoked(ctx, subscriptionID)
	if err != nil {
		return "", err
	}
	if revoked {
		metrics.SubscriptionRefreshes.WithLabelValues("free").Inc()
		return auth.TierFree, nil
	}
	metrics.SubscriptionRefreshes.WithLabelValues("pro").Inc()
	return auth.TierPro, nil
}

// sharedFetch collapses concurrent refreshes of one subscription into a
// single provider lookup. The lookup is detached from any one caller's
// context and bounded by the retry budget; each caller stops waiting when its
// own context ends.
func (r *Reconciler) sharedFetch(ctx context.Context, subscriptionID string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	ch := r.group.DoChan(subscriptionID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.retry.budget())
		defer cancel()
		return r.fetch(fctx, subscriptionID)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
	}
}

func (r *Reconciler) fetch(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	if r.provider == nil {
		return nil, fmt.Errorf("%w: no provider configured", ErrProviderUnavailable)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialInterval
	b.MaxInterval = r.retry.MaxInterval
	b.Reset()

	var lastErr error
	for attempt := 1; ; attempt++ {
		sub, err := r.fetchOnce(ctx, subscriptionID)
		if err == nil {
			return sub, nil
		}
		if errors.Is(err, ErrUnknownSubscription) {
			return nil, err
		}
		lastErr = err

		if attempt >= r.retry.MaxAttempts {
			break
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		r.logger.Warn("billing provider call failed, retrying",
			"subscription_id", subscriptionID, "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%w: %d attempts: %v", ErrProviderUnavailable, r.retry.MaxAttempts, lastErr)
}

func (r *Reconciler) fetchOnce(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	if r.retry.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.retry.CallTimeout)
		defer cancel()
	}
	return r.provider.FetchSubscription(ctx, subscriptionID)
}

// Start runs denylist cleanup every interval when the denylist needs it.
// Redis-backed denylists expire on their own and get no loop.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	c, ok := r.denylist.(interface{ Cleanup() int })
	if !ok {
		return
	}

	r.loopMu.Lock()
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.loopMu.Unlock()

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Cleanup(); n > 0 {
					r.logger.Debug("denylist cleanup", "removed", n)
				}
			}
		}
	}()
}

// Stop ends the cleanup loop and waits for it to exit.
func (r *Reconciler) Stop() {
	r.loopMu.Lock()
	cancel := r.cancel
	done := r.done
	r.loopMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
