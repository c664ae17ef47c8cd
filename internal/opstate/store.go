// Package opstate provides a namespaced key-value store for small
// pieces of operational state that must survive restarts, such as the
// gateway read cursor. Domain data gets its own tables.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Store is a namespaced key-value store backed by SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates the operational_state table if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate opstate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`)
	return err
}

// Get returns the stored value for a namespace/key pair. Returns empty
// string and nil error if the key does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Cursor is an integer high-water mark stored under one
// namespace/key pair.
type Cursor struct {
	store     *Store
	namespace string
	key       string
}

// Cursor returns a handle on the integer stored at namespace/key.
func (s *Store) Cursor(namespace, key string) *Cursor {
	return &Cursor{store: s, namespace: namespace, key: key}
}

// Load returns the stored position, or 0 when none was saved.
func (c *Cursor) Load() (int64, error) {
	v, err := c.store.Get(c.namespace, c.key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cursor %s/%s holds %q: %w", c.namespace, c.key, v, err)
	}
	return n, nil
}

// Save stores pos.
func (c *Cursor) Save(pos int64) error {
	return c.store.Set(c.namespace, c.key, strconv.FormatInt(pos, 10))
}
