// Package email delivers login links through Postmark with an SMTP fallback.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// ErrNotConfigured is returned by a sender with no credentials.
var ErrNotConfigured = errors.New("email not configured")

type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers a single message.
type Sender interface {
	Name() string
	Configured() bool
	Send(ctx context.Context, msg Message) error
}

// Chain tries each configured sender in order until one succeeds.
type Chain struct {
	senders []Sender
	logger  *slog.Logger
}

func NewChain(logger *slog.Logger, senders ...Sender) *Chain {
	return &Chain{senders: senders, logger: logger}
}

func (c *Chain) Name() string {
	names := make([]string, 0, len(c.senders))
	for _, s := range c.senders {
		if s.Configured() {
			names = append(names, s.Name())
		}
	}
	return strings.Join(names, ",")
}

func (c *Chain) Configured() bool {
	for _, s := range c.senders {
		if s.Configured() {
			return true
		}
	}
	return false
}

func (c *Chain) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range c.senders {
		if !s.Configured() {
			continue
		}
		err := s.Send(ctx, msg)
		if err == nil {
			return nil
		}
		c.logger.Warn("email send failed", "method", s.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return ErrNotConfigured
	}
	return errors.Join(errs...)
}

// Mailer composes login emails.
type Mailer struct {
	sender  Sender
	baseURL string
	ttl     time.Duration
}

func NewMailer(sender Sender, baseURL string, ttl time.Duration) *Mailer {
	return &Mailer{sender: sender, baseURL: strings.TrimRight(baseURL, "/"), ttl: ttl}
}

func (m *Mailer) Configured() bool {
	return m.sender.Configured()
}

// Transport names the configured senders, for diagnostics.
func (m *Mailer) Transport() string {
	return m.sender.Name()
}

func (m *Mailer) BaseURL() string {
	return m.baseURL
}

// SendTest sends a short message confirming the transport works.
func (m *Mailer) SendTest(ctx context.Context, toEmail string) error {
	msg := Message{
		To:      toEmail,
		Subject: "FormFill test email",
		Text:    "This is a test message from FormFill. Email delivery is working.",
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send test email: %w", err)
	}
	return nil
}

// MagicLink returns the verify URL for token.
func (m *Mailer) MagicLink(token string) string {
	return m.baseURL + "/auth/verify?token=" + url.QueryEscape(token)
}

// SendMagicLink emails a sign-in link to toEmail.
func (m *Mailer) SendMagicLink(ctx context.Context, toEmail, token string) error {
	link := m.MagicLink(token)
	minutes := int(m.ttl.Minutes())

	msg := Message{
		To:      toEmail,
		Subject: "Sign in to FormFill",
		Text: fmt.Sprintf("Click the link below to sign in:\n\n%s\n\nThis link expires in %d minutes. If you didn't request it, you can ignore this email.",
			link, minutes),
		HTML: fmt.Sprintf(
			`<p>Click the link below to sign in:</p><p><a href="%s">Sign in</a></p><p>This link expires in %d minutes. If you didn't request it, you can ignore this email.</p>`,
			link, minutes,
		),
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send magic link: %w", err)
	}
	return nil
}
