// Package ledger records when habits were completed. The reminder
// scheduler consults the most recent completion to decide whether a
// habit is due again.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/habitual/internal/habit"
)

// Completion is one append-only ledger entry.
type Completion struct {
	HabitID    string
	Date       habit.Date
	RecordedAt time.Time
}

// Ledger persists completions in the completions table. The habits
// table must exist in the same database.
type Ledger struct {
	db *sql.DB
}

// New creates the completions table if needed and returns a ledger.
func New(db *sql.DB) (*Ledger, error) {
	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS completions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		habit_id    TEXT NOT NULL REFERENCES habits(id) ON DELETE CASCADE,
		date        TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_completions_habit_date ON completions(habit_id, date);
	`)
	return err
}

// Record appends a completion of habitID on date.
func (l *Ledger) Record(habitID string, date habit.Date) error {
	_, err := l.db.Exec(
		`INSERT INTO completions (habit_id, date, recorded_at) VALUES (?, ?, ?)`,
		habitID, date.String(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record completion %s on %s: %w", habitID, date, err)
	}
	return nil
}

// LastCompletion returns the completion with the latest date for
// habitID, or nil, nil when the habit was never completed.
func (l *Ledger) LastCompletion(habitID string) (*Completion, error) {
	var (
		c              Completion
		date, recorded string
	)
	err := l.db.QueryRow(
		`SELECT habit_id, date, recorded_at FROM completions
		 WHERE habit_id = ?
		 ORDER BY date DESC, id DESC LIMIT 1`,
		habitID,
	).Scan(&c.HabitID, &date, &recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last completion %s: %w", habitID, err)
	}
	if c.Date, err = habit.ParseDate(date); err != nil {
		return nil, err
	}
	c.RecordedAt, _ = time.Parse(time.RFC3339Nano, recorded)
	return &c, nil
}

// History returns up to limit completions for habitID, newest first.
func (l *Ledger) History(habitID string, limit int) ([]Completion, error) {
	rows, err := l.db.Query(
		`SELECT habit_id, date, recorded_at FROM completions
		 WHERE habit_id = ?
		 ORDER BY date DESC, id DESC LIMIT ?`,
		habitID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("completion history %s: %w", habitID, err)
	}
	defer rows.Close()

	var out []Completion
	for rows.Next() {
		var (
			c              Completion
			date, recorded string
		)
		if err := rows.Scan(&c.HabitID, &date, &recorded); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		if c.Date, err = habit.ParseDate(date); err != nil {
			return nil, err
		}
		c.RecordedAt, _ = time.Parse(time.RFC3339Nano, recorded)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountSince returns the number of completions recorded on or after
// date across all habits.
func (l *Ledger) CountSince(date habit.Date) (int, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM completions WHERE date >= ?`, date.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completions: %w", err)
	}
	return n, nil
}
