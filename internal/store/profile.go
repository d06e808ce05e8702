package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Profile is a named set of canonical field values (full_name, email, ...)
// that can be applied to any form.
type Profile struct {
	ID        string         `json:"id"`
	UserID    string         `json:"-"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type ProfileStore struct {
	db *sql.DB
}

func NewProfileStore(db *sql.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

func scanProfile(scanner interface{ Scan(...any) error }) (*Profile, error) {
	var p Profile
	var data string
	var createdAt, updatedAt int64
	err := scanner.Scan(&p.ID, &p.UserID, &p.Name, &data, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &p.Data); err != nil {
		return nil, fmt.Errorf("decode profile data: %w", err)
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

const profileCols = `id, user_id, name, data, created_at, updated_at`

func (s *ProfileStore) Create(userID, name string, data map[string]any) (*Profile, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode profile data: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().Unix()
	_, err = s.db.Exec(
		`INSERT INTO profiles (`+profileCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, name, string(raw), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert profile: %w", err)
	}
	return s.Get(id, userID)
}

// Get returns the profile only when it belongs to userID.
func (s *ProfileStore) Get(id, userID string) (*Profile, error) {
	row := s.db.QueryRow(`SELECT `+profileCols+` FROM profiles WHERE id = ? AND user_id = ?`, id, userID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *ProfileStore) List(userID string) ([]Profile, error) {
	rows, err := s.db.Query(
		`SELECT `+profileCols+` FROM profiles WHERE user_id = ? ORDER BY updated_at DESC, name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	profiles := []Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// Update changes the name and/or data. A nil argument leaves that column as
// is. It returns nil when the profile does not exist for userID.
func (s *ProfileStore) Update(id, userID string, name *string, data map[string]any) (*Profile, error) {
	existing, err := s.Get(id, userID)
	if err != nil || existing == nil {
		return nil, err
	}
	if name != nil {
		existing.Name = *name
	}
	if data != nil {
		existing.Data = data
	}
	raw, err := json.Marshal(existing.Data)
	if err != nil {
		return nil, fmt.Errorf("encode profile data: %w", err)
	}

	_, err = s.db.Exec(
		`UPDATE profiles SET name = ?, data = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		existing.Name, string(raw), time.Now().Unix(), id, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return s.Get(id, userID)
}

// Delete reports whether a profile was removed.
func (s *ProfileStore) Delete(id, userID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM profiles WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
