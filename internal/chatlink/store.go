// Package chatlink binds external chat identities to user accounts.
//
// A link row is created the first time a chat identity writes to the
// bot and flips to linked exactly once, when the chat sends the email
// of a registered account. Rows are never deleted.
package chatlink

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Link is the binding state of one chat identity.
type Link struct {
	ChatID    string
	Linked    bool
	UserID    string // empty until linked
	CreatedAt time.Time
	LinkedAt  time.Time // zero until linked
}

// Store persists links in the chat_links table. The users table must
// exist in the same database.
type Store struct {
	db *sql.DB
}

// NewStore creates the chat_links table if needed and returns a store.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate chat links: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS chat_links (
		chat_id    TEXT PRIMARY KEY,
		linked     INTEGER NOT NULL DEFAULT 0,
		user_id    TEXT REFERENCES users(id) ON DELETE SET NULL,
		created_at TEXT NOT NULL,
		linked_at  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_chat_links_user ON chat_links(user_id);
	`)
	return err
}

// GetOrCreate returns the link for chatID, inserting an unlinked row
// on first contact.
func (s *Store) GetOrCreate(chatID string) (*Link, error) {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO chat_links (chat_id, linked, created_at) VALUES (?, 0, ?)`,
		chatID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("create chat link %s: %w", chatID, err)
	}

	l, err := s.Get(chatID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("chat link %s vanished after insert", chatID)
	}
	return l, nil
}

// Get returns the link for chatID, or nil, nil.
func (s *Store) Get(chatID string) (*Link, error) {
	var (
		l                Link
		linked           int
		userID, linkedAt sql.NullString
		created          string
	)
	err := s.db.QueryRow(
		`SELECT chat_id, linked, user_id, created_at, linked_at FROM chat_links WHERE chat_id = ?`,
		chatID,
	).Scan(&l.ChatID, &linked, &userID, &created, &linkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat link %s: %w", chatID, err)
	}
	l.Linked = linked != 0
	l.UserID = userID.String
	l.CreatedAt, _ = time.Parse(time.RFC3339, created)
	if linkedAt.Valid {
		l.LinkedAt, _ = time.Parse(time.RFC3339, linkedAt.String)
	}
	return &l, nil
}

// Save writes the linked state and owner of l. When l is linked and
// LinkedAt is zero it is stamped with the current time.
func (s *Store) Save(l *Link) error {
	var userID, linkedAt any
	if l.UserID != "" {
		userID = l.UserID
	}
	if l.Linked && l.LinkedAt.IsZero() {
		l.LinkedAt = time.Now().UTC().Truncate(time.Second)
	}
	if !l.LinkedAt.IsZero() {
		linkedAt = l.LinkedAt.UTC().Format(time.RFC3339)
	}

	res, err := s.db.Exec(
		`UPDATE chat_links SET linked = ?, user_id = ?, linked_at = ? WHERE chat_id = ?`,
		boolInt(l.Linked), userID, linkedAt, l.ChatID,
	)
	if err != nil {
		return fmt.Errorf("save chat link %s: %w", l.ChatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save chat link %s: no such chat", l.ChatID)
	}
	return nil
}

// ActiveLinkForUser returns the chat identity most recently linked to
// userID, or "" when the user has no linked chat.
func (s *Store) ActiveLinkForUser(userID string) (string, error) {
	var chatID string
	err := s.db.QueryRow(
		`SELECT chat_id FROM chat_links
		 WHERE user_id = ? AND linked = 1
		 ORDER BY linked_at DESC, chat_id LIMIT 1`,
		userID,
	).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("active chat for %s: %w", userID, err)
	}
	return chatID, nil
}

// Counts returns the number of known chats and how many are linked.
func (s *Store) Counts() (total, linked int, err error) {
	err = s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(linked), 0) FROM chat_links`,
	).Scan(&total, &linked)
	if err != nil {
		return 0, 0, fmt.Errorf("count chat links: %w", err)
	}
	return total, linked, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
