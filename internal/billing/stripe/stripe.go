// Package stripe adapts the Stripe API to the billing package: webhook
// verification, checkout sessions and subscription lookups.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/formfill/internal/billing"
)

// identityKey is the metadata key carrying the buyer's identity on the
// subscription, so later subscription events can be attributed.
const identityKey = "identity"

type Config struct {
	SecretKey     string
	WebhookSecret string
	PriceID       string
	SuccessURL    string
	CancelURL     string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// Checkout is the part of a checkout session the service acts on.
type Checkout struct {
	ID             string
	Identity       string
	CustomerID     string
	SubscriptionID string
	Status         billing.Status
	Complete       bool
}

// CreateCheckoutSession starts a subscription checkout for identity and
// returns the hosted page URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, identity, email string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(c.cfg.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID:   stripe.String(identity),
		AllowPromotionCodes: stripe.Bool(true),
		SuccessURL:          stripe.String(c.cfg.SuccessURL),
		CancelURL:           stripe.String(c.cfg.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{identityKey: identity},
		},
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.Context = ctx

	sess, err := checksession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CheckoutSession loads a finished checkout with its subscription expanded.
func (c *Client) CheckoutSession(ctx context.Context, id string) (*Checkout, error) {
	params := &stripe.CheckoutSessionParams{}
	params.AddExpand("subscription")
	params.Context = ctx

	sess, err := checksession.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get checkout session: %w", classify(err))
	}

	co := &Checkout{
		ID:       sess.ID,
		Identity: sess.ClientReferenceID,
		Complete: sess.Status == stripe.CheckoutSessionStatusComplete &&
			sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusUnpaid,
	}
	if sess.Customer != nil {
		co.CustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		co.SubscriptionID = sess.Subscription.ID
		co.Status = billing.Status(sess.Subscription.Status)
	}
	return co, nil
}

// FetchSubscription implements billing.Provider.
func (c *Client) FetchSubscription(ctx context.Context, subscriptionID string) (*billing.ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionID, classify(err))
	}

	ps := &billing.ProviderSubscription{
		ID:     sub.ID,
		Status: billing.Status(sub.Status),
	}
	if sub.Customer != nil {
		ps.CustomerID = sub.Customer.ID
	}
	return ps, nil
}

func classify(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", billing.ErrUnknownSubscription, se.Msg)
	}
	return err
}

// ParseWebhook verifies the Stripe-Signature header and converts the event.
// Any verification failure is billing.ErrWebhookSignature.
func (c *Client) ParseWebhook(payload []byte, sigHeader string) (billing.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return billing.Event{}, fmt.Errorf("%w: %v", billing.ErrWebhookSignature, err)
	}
	return convertEvent(event)
}

func convertEvent(event stripe.Event) (billing.Event, error) {
	ev := billing.Event{
		ID:         event.ID,
		Kind:       billing.EventKind(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return ev, nil
	}
	raw := event.Data.Raw

	switch ev.Kind {
	case billing.EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return ev, fmt.Errorf("unmarshal checkout session: %w", err)
		}
		if sess.Mode != stripe.CheckoutSessionModeSubscription {
			return ev, nil
		}
		ev.Identity = sess.ClientReferenceID
		if sess.Customer != nil {
			ev.CustomerID = sess.Customer.ID
		}
		if sess.Subscription != nil {
			ev.SubscriptionID = sess.Subscription.ID
			ev.Status = billing.Status(sess.Subscription.Status)
		}
		if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			ev.Status = billing.StatusIncomplete
		}

	case billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return ev, fmt.Errorf("unmarshal subscription: %w", err)
		}
		ev.SubscriptionID = sub.ID
		ev.Status = billing.Status(sub.Status)
		ev.Identity = sub.Metadata[identityKey]
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}

	case billing.EventPaymentFailed, billing.EventPaymentSucceeded:
		var invoice stripe.Invoice
		if err := json.Unmarshal(raw, &invoice); err != nil {
			return ev, fmt.Errorf("unmarshal invoice: %w", err)
		}
		ev.SubscriptionID = subscriptionIDFromInvoice(invoice, raw)
		if invoice.Customer != nil {
			ev.CustomerID = invoice.Customer.ID
		}
		if d := invoice.Parent; d != nil && d.SubscriptionDetails != nil {
			ev.Identity = d.SubscriptionDetails.Metadata[identityKey]
		}
	}
	return ev, nil
}

// subscriptionIDFromInvoice reads the invoice's parent, falling back to the
// top-level "subscription" field sent by older API versions.
func subscriptionIDFromInvoice(invoice stripe.Invoice, raw json.RawMessage) string {
	if invoice.Parent != nil &&
		invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		return invoice.Parent.SubscriptionDetails.Subscription.ID
	}

	var legacy struct {
		Subscription json.RawMessage `json:"subscription"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil || len(legacy.Subscription) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(legacy.Subscription, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(legacy.Subscription, &obj); err == nil {
		return obj.ID
	}
	return ""
}
