// Package billing reconciles billing-provider events into local subscription
// state and keeps a short-lived denylist of subscriptions known to be inactive.
package billing

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRevoked             = errors.New("subscription revoked")
	ErrWebhookSignature    = errors.New("webhook signature invalid")
	ErrProviderUnavailable = errors.New("billing provider unavailable")
	ErrUnknownSubscription = errors.New("subscription unknown to billing provider")
)

// Status mirrors the billing provider's subscription status.
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusPaused            Status = "paused"
)

// Entitled reports whether the status grants Pro.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout.session.completed"
	EventSubscriptionUpdated EventKind = "customer.subscription.updated"
	EventSubscriptionDeleted EventKind = "customer.subscription.deleted"
	EventPaymentFailed       EventKind = "invoice.payment_failed"
	EventPaymentSucceeded    EventKind = "invoice.payment_succeeded"
)

// Event is a provider-neutral webhook event.
type Event struct {
	ID             string
	Kind           EventKind
	SubscriptionID string
	CustomerID     string
	Identity       string
	Status         Status
	OccurredAt     time.Time
}

// Record is the locally stored view of one subscription.
type Record struct {
	SubscriptionID string    `json:"subscription_id"`
	CustomerID     string    `json:"customer_id,omitempty"`
	Identity       string    `json:"identity,omitempty"`
	Status         Status    `json:"status"`
	LastEventAt    time.Time `json:"last_event_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store persists subscription records.
//
// Apply upserts rec unless the stored record has a newer LastEventAt; the
// comparison and the write must be one atomic step. Empty CustomerID and
// Identity keep the stored values. It reports whether the record was written.
type Store interface {
	Apply(ctx context.Context, rec Record) (bool, error)
	Get(ctx context.Context, subscriptionID string) (*Record, error)
	LatestForIdentity(ctx context.Context, identity string) (*Record, error)
	Reassign(ctx context.Context, from, to string) (int64, error)
}

// Denylist holds subscription ids that must not be treated as Pro.
type Denylist interface {
	Add(ctx context.Context, subscriptionID string, ttl time.Duration) error
	Remove(ctx context.Context, subscriptionID string) error
	Contains(ctx context.Context, subscriptionID string) (bool, error)
}

// ProviderSubscription is the provider's current view of a subscription.
type ProviderSubscription struct {
	ID         string
	CustomerID string
	Status     Status
}

// Provider looks up subscriptions at the billing provider. It returns
// ErrUnknownSubscription when the provider has no such subscription; any
// other error is treated as transient.
type Provider interface {
	FetchSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
}
