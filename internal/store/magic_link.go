package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/formfill/internal/magiclink"
)

// MagicLinkStore implements magiclink.Store on SQLite.
type MagicLinkStore struct {
	db *sql.DB
}

func NewMagicLinkStore(db *sql.DB) *MagicLinkStore {
	return &MagicLinkStore{db: db}
}

func scanMagicLink(scanner interface{ Scan(...any) error }) (*magiclink.Record, error) {
	var rec magiclink.Record
	var issuedAt, expiresAt int64
	var consumedAt sql.NullInt64

	err := scanner.Scan(&rec.TokenHash, &rec.Email, &issuedAt, &expiresAt, &consumedAt)
	if err != nil {
		return nil, err
	}

	rec.IssuedAt = time.Unix(issuedAt, 0).UTC()
	rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	if consumedAt.Valid {
		t := time.Unix(consumedAt.Int64, 0).UTC()
		rec.ConsumedAt = &t
	}
	return &rec, nil
}

const magicLinkCols = `token_hash, email, issued_at, expires_at, consumed_at`

// Create stores a new record. Pending links for the same email are expired
// in the same transaction.
func (s *MagicLinkStore) Create(ctx context.Context, rec magiclink.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE magic_links SET expires_at = ? WHERE email = ? AND consumed_at IS NULL AND expires_at > ?`,
		rec.IssuedAt.Unix(), rec.Email, rec.IssuedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("invalidate previous links: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO magic_links (token_hash, email, issued_at, expires_at) VALUES (?, ?, ?, ?)`,
		rec.TokenHash, rec.Email, rec.IssuedAt.Unix(), rec.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert magic link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit magic link: %w", err)
	}
	return nil
}

// Consume marks the record used with a single conditional UPDATE, so only one
// caller can observe a changed row.
func (s *MagicLinkStore) Consume(ctx context.Context, tokenHash string, now time.Time) (*magiclink.Record, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE magic_links SET consumed_at = ? WHERE token_hash = ? AND consumed_at IS NULL AND expires_at > ?`,
		now.Unix(), tokenHash, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("consume magic link: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}

	rec, err := s.GetByHash(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if n == 1 && rec != nil {
		return rec, nil
	}
	if err := magiclink.CheckConsumable(rec, now); err != nil {
		return nil, err
	}
	// Row changed between the UPDATE and the read; treat as lost race.
	return nil, magiclink.ErrAlreadyUsed
}

func (s *MagicLinkStore) GetByHash(ctx context.Context, tokenHash string) (*magiclink.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+magicLinkCols+` FROM magic_links WHERE token_hash = ?`, tokenHash)
	rec, err := scanMagicLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get magic link: %w", err)
	}
	return rec, nil
}

func (s *MagicLinkStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM magic_links WHERE expires_at <= ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired magic links: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
