package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FieldMapping remembers which canonical key a user's PDF field maps to,
// keyed by the form's content hash.
type FieldMapping struct {
	PDFHash   string            `json:"pdf_hash"`
	Mappings  map[string]string `json:"mappings"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type MappingStore struct {
	db *sql.DB
}

func NewMappingStore(db *sql.DB) *MappingStore {
	return &MappingStore{db: db}
}

func (s *MappingStore) Get(userID, pdfHash string) (*FieldMapping, error) {
	var raw string
	var updatedAt int64
	err := s.db.QueryRow(
		`SELECT mappings, updated_at FROM field_mappings WHERE user_id = ? AND pdf_hash = ?`,
		userID, pdfHash,
	).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get field mapping: %w", err)
	}

	m := FieldMapping{PDFHash: pdfHash, UpdatedAt: time.Unix(updatedAt, 0).UTC()}
	if err := json.Unmarshal([]byte(raw), &m.Mappings); err != nil {
		return nil, fmt.Errorf("decode field mapping: %w", err)
	}
	return &m, nil
}

// Save replaces any existing mapping for the same form.
func (s *MappingStore) Save(userID, pdfHash string, mappings map[string]string) error {
	if mappings == nil {
		mappings = map[string]string{}
	}
	raw, err := json.Marshal(mappings)
	if err != nil {
		return fmt.Errorf("encode field mapping: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO field_mappings (user_id, pdf_hash, mappings, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, pdf_hash) DO UPDATE SET mappings = excluded.mappings, updated_at = excluded.updated_at`,
		userID, pdfHash, string(raw), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save field mapping: %w", err)
	}
	return nil
}
