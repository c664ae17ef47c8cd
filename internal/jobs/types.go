// Package jobs runs the periodic reminder and linking passes on cron
// schedules and keeps a history of every run.
package jobs

import (
	"context"
	"errors"
	"time"
)

// Errors returned by Runner.
var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running")
)

// RunFunc performs one pass of a job. The summary is stored as the
// execution result.
type RunFunc func(ctx context.Context) (summary string, err error)

// Job is a named function on a cron schedule.
type Job struct {
	Name     string
	Schedule string        // 5-field cron expression
	Timeout  time.Duration // per-run limit; zero means no limit
	Run      RunFunc
}

// Trigger says what started an execution.
type Trigger string

// Triggers.
const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Execution is one run of a job.
type Execution struct {
	ID          string          `json:"id"` // UUIDv7
	Job         string          `json:"job"`
	Trigger     Trigger         `json:"trigger"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"` // summary or error
}

// Duration returns how long the execution ran, or zero if it has not
// completed.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// ExecutionStatus is the state of an execution.
type ExecutionStatus string

// Statuses.
const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped" // previous run still in progress
)

// JobInfo describes a registered job for the API.
type JobInfo struct {
	Name     string         `json:"name"`
	Schedule string         `json:"schedule"`
	Next     *time.Time     `json:"next,omitempty"`
	Running  bool           `json:"running"`
	Last     *Execution     `json:"last,omitempty"`
	Counts   map[string]int `json:"counts,omitempty"`
}
