package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/formfill/internal/billing"
)

// SubscriptionStore implements billing.Store on SQLite. Records are never
// deleted; a canceled subscription keeps its row so late events stay stale.
type SubscriptionStore struct {
	db *sql.DB
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func scanSubscription(scanner interface{ Scan(...any) error }) (*billing.Record, error) {
	var rec billing.Record
	var status string
	var lastEventAt, updatedAt int64

	err := scanner.Scan(&rec.SubscriptionID, &rec.CustomerID, &rec.Identity, &status, &lastEventAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = billing.Status(status)
	rec.LastEventAt = time.Unix(lastEventAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

const subscriptionCols = `subscription_id, customer_id, identity, status, last_event_at, updated_at`

// Apply upserts rec in one statement. The WHERE clause on the conflict update
// keeps an older event from overwriting a newer one. A subscription claimed by
// an account is never handed back to an anonymous identity.
func (s *SubscriptionStore) Apply(ctx context.Context, rec billing.Record) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionCols+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(subscription_id) DO UPDATE SET
			customer_id   = COALESCE(NULLIF(excluded.customer_id, ''), subscriptions.customer_id),
			identity      = CASE
				WHEN excluded.identity = '' THEN subscriptions.identity
				WHEN excluded.identity LIKE 'anon:%' AND subscriptions.identity LIKE 'user:%' THEN subscriptions.identity
				ELSE excluded.identity END,
			status        = excluded.status,
			last_event_at = excluded.last_event_at,
			updated_at    = excluded.updated_at
		WHERE excluded.last_event_at >= subscriptions.last_event_at`,
		rec.SubscriptionID, rec.CustomerID, rec.Identity, string(rec.Status),
		rec.LastEventAt.Unix(), rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("upsert subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SubscriptionStore) Get(ctx context.Context, subscriptionID string) (*billing.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE subscription_id = ?`, subscriptionID)
	rec, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return rec, nil
}

// LatestForIdentity prefers an entitled subscription, then the most recent event.
func (s *SubscriptionStore) LatestForIdentity(ctx context.Context, identity string) (*billing.Record, error) {
	if identity == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions
		WHERE identity = ?
		ORDER BY (status IN ('active', 'trialing')) DESC, last_event_at DESC
		LIMIT 1`, identity)
	rec, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest subscription: %w", err)
	}
	return rec, nil
}

func (s *SubscriptionStore) ListByCustomer(ctx context.Context, customerID string) ([]billing.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE customer_id = ? ORDER BY last_event_at DESC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var recs []billing.Record
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (s *SubscriptionStore) Reassign(ctx context.Context, from, to string) (int64, error) {
	if from == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET identity = ? WHERE identity = ?`, to, from)
	if err != nil {
		return 0, fmt.Errorf("reassign subscriptions: %w", err)
	}
	return res.RowsAffected()
}
