package jobs

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists job executions.
type Store struct {
	db *sql.DB
}

// NewStore creates the job_executions table if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate jobs: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS job_executions (
		id           TEXT PRIMARY KEY,
		job          TEXT NOT NULL,
		fired_by     TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT,
		status       TEXT NOT NULL,
		result       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_job_executions_job ON job_executions(job, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_job_executions_status ON job_executions(status);
	`)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// timeLayout has fixed-width fractions so stored timestamps sort
// lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

const executionColumns = `id, job, fired_by, scheduled_at, started_at, completed_at, status, result`

// CreateExecution inserts e, assigning an ID when empty.
func (s *Store) CreateExecution(e *Execution) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	_, err := s.db.Exec(`
		INSERT INTO job_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Job, string(e.Trigger), e.ScheduledAt.UTC().Format(timeLayout),
		formatTime(e.StartedAt), formatTime(e.CompletedAt), string(e.Status), e.Result,
	)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// UpdateExecution writes the timing, status and result of e.
func (s *Store) UpdateExecution(e *Execution) error {
	_, err := s.db.Exec(`
		UPDATE job_executions SET started_at = ?, completed_at = ?, status = ?, result = ?
		WHERE id = ?`,
		formatTime(e.StartedAt), formatTime(e.CompletedAt), string(e.Status), e.Result, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	return nil
}

// GetExecution returns the execution with id, or nil, nil.
func (s *Store) GetExecution(id string) (*Execution, error) {
	execs, err := s.query(`SELECT `+executionColumns+` FROM job_executions WHERE id = ?`, id)
	if err != nil || len(execs) == 0 {
		return nil, err
	}
	return execs[0], nil
}

// ListExecutions returns the newest executions of job, at most limit
// (100 when limit <= 0).
func (s *Store) ListExecutions(job string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(`SELECT `+executionColumns+` FROM job_executions
		WHERE job = ? ORDER BY scheduled_at DESC, id DESC LIMIT ?`, job, limit)
}

// LastExecution returns the newest execution of job, or nil, nil.
func (s *Store) LastExecution(job string) (*Execution, error) {
	execs, err := s.ListExecutions(job, 1)
	if err != nil || len(execs) == 0 {
		return nil, err
	}
	return execs[0], nil
}

// Counts returns the number of executions of job per status.
func (s *Store) Counts(job string) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM job_executions WHERE job = ? GROUP BY status`, job)
	if err != nil {
		return nil, fmt.Errorf("count executions of %s: %w", job, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// FailInterrupted marks executions still "running" as failed. It is
// called at startup, when nothing can be running yet, and returns the
// number of rows changed.
func (s *Store) FailInterrupted() (int, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE job_executions SET status = ?, completed_at = ?, result = ? WHERE status = ?`,
		string(StatusFailed), formatTime(&now), "interrupted by shutdown", string(StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Prune deletes executions scheduled before cutoff.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM job_executions WHERE scheduled_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) query(query string, args ...any) ([]*Execution, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var (
			e                              Execution
			trigger, status, scheduledAt   string
			startedAt, completedAt, result sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Job, &trigger, &scheduledAt, &startedAt, &completedAt, &status, &result); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Trigger = Trigger(trigger)
		e.Status = ExecutionStatus(status)
		e.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
		e.StartedAt = parseTime(startedAt)
		e.CompletedAt = parseTime(completedAt)
		e.Result = result.String
		execs = append(execs, &e)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return execs, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
