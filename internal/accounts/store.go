// Package accounts is the user account directory. The linker resolves
// chat messages to accounts by email address.
package accounts

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidEmail is returned by Create for a malformed address.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrDuplicateEmail is returned by Create when the email is taken.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrEmptyPassword is returned by Create for an empty password.
	ErrEmptyPassword = errors.New("password must not be empty")
)

// Account is a registered user.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Store persists accounts in the users table.
type Store struct {
	db *sql.DB
}

// NewStore creates the users table if needed and returns a store.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate accounts: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at    TEXT NOT NULL
	);
	`)
	return err
}

// Create registers a new account. The email must be a bare address
// (no display name) and is stored with surrounding whitespace removed.
func (s *Store) Create(email, password string) (*Account, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	if password == "" {
		return nil, ErrEmptyPassword
	}

	existing, err := s.FindByEmail(email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEmail, email)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	a := &Account{
		ID:           id.String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	_, err = s.db.Exec(
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.Email, a.PasswordHash, a.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return a, nil
}

// FindByEmail returns the account whose email equals email after
// trimming surrounding whitespace. Matching is exact. Returns nil, nil
// when no account matches.
func (s *Store) FindByEmail(email string) (*Account, error) {
	return s.queryOne(`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`,
		strings.TrimSpace(email))
}

// Get returns the account with the given id, or nil, nil.
func (s *Store) Get(id string) (*Account, error) {
	return s.queryOne(`SELECT id, email, password_hash, created_at FROM users WHERE id = ?`, id)
}

// Delete removes an account. Habits and completions go with it;
// chat links keep their row with the user reference cleared.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	return nil
}

func (s *Store) queryOne(query string, arg any) (*Account, error) {
	var (
		a       Account
		created string
	)
	err := s.db.QueryRow(query, arg).Scan(&a.ID, &a.Email, &a.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &a, nil
}
