package habit

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists habits in the habits table. The users table must
// exist in the same database (see the accounts package).
type Store struct {
	db *sql.DB
}

// NewStore creates the habits table if needed and returns a store.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate habits: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS habits (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		time_of_day     INTEGER NOT NULL,
		frequency_days  INTEGER NOT NULL,
		location        TEXT NOT NULL,
		action          TEXT NOT NULL,
		reward          TEXT NOT NULL DEFAULT '',
		linked_habit_id TEXT REFERENCES habits(id) ON DELETE SET NULL,
		pleasant        INTEGER NOT NULL DEFAULT 0,
		public          INTEGER NOT NULL DEFAULT 0,
		duration_sec    INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_habits_time_of_day ON habits(time_of_day);
	CREATE INDEX IF NOT EXISTS idx_habits_user ON habits(user_id);
	`)
	return err
}

const habitColumns = `id, user_id, time_of_day, frequency_days, location, action,
	reward, COALESCE(linked_habit_id, ''), pleasant, public, duration_sec, created_at`

// Create validates h, assigns an ID and creation time, and stores it.
// A linked habit must exist and be pleasant.
func (s *Store) Create(h *Habit) error {
	if err := h.Validate(); err != nil {
		return fmt.Errorf("validate habit: %w", err)
	}
	if h.LinkedHabitID != "" {
		linked, err := s.Get(h.LinkedHabitID)
		if err != nil {
			return err
		}
		if linked == nil {
			return fmt.Errorf("%w: %s", ErrLinkedNotFound, h.LinkedHabitID)
		}
		if !linked.Pleasant {
			return fmt.Errorf("%w: %s", ErrLinkedNotPleasant, h.LinkedHabitID)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}
	h.ID = id.String()
	h.CreatedAt = time.Now().UTC().Truncate(time.Second)

	var linked any
	if h.LinkedHabitID != "" {
		linked = h.LinkedHabitID
	}
	_, err = s.db.Exec(`
		INSERT INTO habits (id, user_id, time_of_day, frequency_days, location, action,
			reward, linked_habit_id, pleasant, public, duration_sec, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.UserID, int(h.Time), h.FrequencyDays, h.Location, h.Action,
		h.Reward, linked, boolInt(h.Pleasant), boolInt(h.Public), h.DurationSec,
		h.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert habit: %w", err)
	}
	return nil
}

// Get returns the habit with the given ID, or nil, nil.
func (s *Store) Get(id string) (*Habit, error) {
	rows, err := s.db.Query(`SELECT `+habitColumns+` FROM habits WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get habit %s: %w", id, err)
	}
	habits, err := scanHabits(rows)
	if err != nil || len(habits) == 0 {
		return nil, err
	}
	return habits[0], nil
}

// Delete removes a habit. Habits linking to it lose the link and its
// completion records are removed.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM habits WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete habit %s: %w", id, err)
	}
	return nil
}

// QueryByTimeWindow returns habits whose time of day t satisfies
// start <= t < end, ordered by time of day. The window does not wrap:
// when end <= start the result is empty.
func (s *Store) QueryByTimeWindow(start, end TimeOfDay) ([]*Habit, error) {
	rows, err := s.db.Query(
		`SELECT `+habitColumns+` FROM habits
		 WHERE time_of_day >= ? AND time_of_day < ?
		 ORDER BY time_of_day, id`,
		int(start), int(end),
	)
	if err != nil {
		return nil, fmt.Errorf("query habits %s-%s: %w", start, end, err)
	}
	return scanHabits(rows)
}

func scanHabits(rows *sql.Rows) ([]*Habit, error) {
	defer rows.Close()

	var habits []*Habit
	for rows.Next() {
		var (
			h                Habit
			tod              int
			pleasant, public int
			created          string
		)
		if err := rows.Scan(&h.ID, &h.UserID, &tod, &h.FrequencyDays, &h.Location, &h.Action,
			&h.Reward, &h.LinkedHabitID, &pleasant, &public, &h.DurationSec, &created); err != nil {
			return nil, fmt.Errorf("scan habit: %w", err)
		}
		h.Time = TimeOfDay(tod)
		h.Pleasant = pleasant != 0
		h.Public = public != 0
		h.CreatedAt, _ = time.Parse(time.RFC3339, created)
		habits = append(habits, &h)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return habits, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
