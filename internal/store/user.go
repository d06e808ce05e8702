package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User is an account created on first successful login.
type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	StripeCustomerID string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func scanUser(scanner interface{ Scan(...any) error }) (*User, error) {
	var u User
	var createdAt int64
	err := scanner.Scan(&u.ID, &u.Email, &u.StripeCustomerID, &createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

const userCols = `id, email, stripe_customer_id, created_at`

func (s *UserStore) Create(email string) (*User, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)`,
		id, email, time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetByID(id)
}

// GetOrCreate returns the user for email, creating it on first login.
func (s *UserStore) GetOrCreate(email string) (*User, error) {
	u, err := s.GetByEmail(email)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}

	_, err = s.db.Exec(
		`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?) ON CONFLICT(email) DO NOTHING`,
		uuid.NewString(), email, time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetByEmail(email)
}

func (s *UserStore) GetByID(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *UserStore) GetByEmail(email string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *UserStore) UpdateStripeCustomerID(id, customerID string) error {
	_, err := s.db.Exec(`UPDATE users SET stripe_customer_id = ? WHERE id = ?`, customerID, id)
	if err != nil {
		return fmt.Errorf("update stripe customer id: %w", err)
	}
	return nil
}

// Delete removes the user; profiles and field mappings cascade.
func (s *UserStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}
