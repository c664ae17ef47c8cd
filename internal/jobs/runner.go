package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nugget/habitual/internal/events"
	"github.com/nugget/habitual/internal/metrics"
)

// HistoryRetention is how long executions are kept. Older rows are
// pruned when the runner starts.
const HistoryRetention = 30 * 24 * time.Hour

// Runner fires registered jobs on their cron schedules and records
// each execution. A job never runs twice at once: overlapping
// scheduled firings are dropped by the cron chain, and a manual
// trigger that collides with a running pass is recorded as skipped.
type Runner struct {
	store  *Store
	cron   *cron.Cron
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*entry
	order  []string
	ctx    context.Context
	cancel context.CancelFunc
}

type entry struct {
	job     Job
	id      cron.EntryID
	lock    sync.Mutex
	running atomic.Bool
}

// NewRunner creates a runner evaluating schedules in loc. bus may be
// nil.
func NewRunner(store *Store, loc *time.Location, bus *events.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:  store,
		bus:    bus,
		logger: logger,
		jobs:   make(map[string]*entry),
		ctx:    ctx,
		cancel: cancel,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Register adds a job. Names must be unique.
func (r *Runner) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}

	e := &entry{job: job}
	id, err := r.cron.AddFunc(job.Schedule, func() {
		_, err := r.run(r.ctx, e, TriggerSchedule, time.Now())
		if err != nil && !errors.Is(err, ErrJobRunning) {
			r.logger.Warn("scheduled job failed", "job", job.Name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule job %q (%s): %w", job.Name, job.Schedule, err)
	}
	e.id = id
	r.jobs[job.Name] = e
	r.order = append(r.order, job.Name)

	r.logger.Debug("job registered", "job", job.Name, "schedule", job.Schedule)
	return nil
}

// Start fails executions left running by a previous process, prunes
// old history and starts the cron loop.
func (r *Runner) Start() error {
	n, err := r.store.FailInterrupted()
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Warn("marked interrupted job executions as failed", "count", n)
	}
	if pruned, err := r.store.Prune(time.Now().Add(-HistoryRetention)); err != nil {
		r.logger.Warn("failed to prune job history", "error", err)
	} else if pruned > 0 {
		r.logger.Debug("pruned job history", "count", pruned)
	}
	r.cron.Start()
	r.logger.Info("job runner started", "jobs", len(r.order))
	return nil
}

// Stop halts scheduling and waits for running jobs until ctx ends,
// then cancels them.
func (r *Runner) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	defer r.cancel()

	select {
	case <-done.Done():
		r.logger.Info("job runner stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// Trigger runs the named job now and waits for it to finish. The
// returned execution is non-nil whenever the run was recorded.
func (r *Runner) Trigger(ctx context.Context, name string) (*Execution, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, e, TriggerManual, time.Now())
}

// History returns recent executions of the named job, newest first.
func (r *Runner) History(name string, limit int) ([]*Execution, error) {
	if _, err := r.lookup(name); err != nil {
		return nil, err
	}
	return r.store.ListExecutions(name, limit)
}

// Jobs describes every registered job in registration order.
func (r *Runner) Jobs() []JobInfo {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.order))
	for _, name := range r.order {
		entries = append(entries, r.jobs[name])
	}
	r.mu.Unlock()

	infos := make([]JobInfo, 0, len(entries))
	for _, e := range entries {
		info := JobInfo{
			Name:     e.job.Name,
			Schedule: e.job.Schedule,
			Running:  e.running.Load(),
		}
		if next := r.cron.Entry(e.id).Next; !next.IsZero() {
			info.Next = &next
		}
		if last, err := r.store.LastExecution(e.job.Name); err == nil {
			info.Last = last
		}
		if counts, err := r.store.Counts(e.job.Name); err == nil {
			info.Counts = counts
		}
		infos = append(infos, info)
	}
	return infos
}

func (r *Runner) lookup(name string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return e, nil
}

// run executes one pass of e and records it.
func (r *Runner) run(ctx context.Context, e *entry, trigger Trigger, scheduledAt time.Time) (*Execution, error) {
	name := e.job.Name
	exec := &Execution{
		ID:          NewID(),
		Job:         name,
		Trigger:     trigger,
		ScheduledAt: scheduledAt,
	}

	if !e.lock.TryLock() {
		exec.Status = StatusSkipped
		exec.Result = "previous run still in progress"
		if err := r.store.CreateExecution(exec); err != nil {
			r.logger.Error("failed to record skipped execution", "job", name, "error", err)
		}
		metrics.JobRuns.WithLabelValues(name, string(StatusSkipped)).Inc()
		r.logger.Info("job skipped, still running", "job", name, "trigger", trigger)
		return exec, ErrJobRunning
	}
	defer e.lock.Unlock()
	e.running.Store(true)
	defer e.running.Store(false)

	started := time.Now()
	exec.StartedAt = &started
	exec.Status = StatusRunning
	if err := r.store.CreateExecution(exec); err != nil {
		return nil, err
	}
	r.bus.Emit(events.SourceJobs, events.KindJobFired, map[string]any{
		"job": name, "trigger": string(trigger),
	})
	r.logger.Debug("job started", "job", name, "trigger", trigger, "execution_id", exec.ID)

	runCtx := ctx
	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}
	summary, runErr := e.job.Run(runCtx)

	completed := time.Now()
	exec.CompletedAt = &completed
	if runErr != nil {
		exec.Status = StatusFailed
		exec.Result = runErr.Error()
	} else {
		exec.Status = StatusCompleted
		exec.Result = summary
	}
	if err := r.store.UpdateExecution(exec); err != nil {
		r.logger.Error("failed to update execution", "job", name, "execution_id", exec.ID, "error", err)
	}

	duration := completed.Sub(started)
	metrics.JobRuns.WithLabelValues(name, string(exec.Status)).Inc()
	metrics.JobDuration.WithLabelValues(name).Observe(duration.Seconds())
	data := map[string]any{
		"job":         name,
		"status":      string(exec.Status),
		"duration_ms": duration.Milliseconds(),
	}
	if runErr != nil {
		data["error"] = runErr.Error()
	}
	r.bus.Emit(events.SourceJobs, events.KindJobComplete, data)
	r.logger.Debug("job finished",
		"job", name,
		"execution_id", exec.ID,
		"status", exec.Status,
		"duration", duration.Round(time.Millisecond),
	)

	return exec, runErr
}

// cronLogger adapts slog to cron.Logger. Cron's routine messages
// (wake, run, schedule) go to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug("cron "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error("cron "+msg, append(keysAndValues, "error", err)...)
}
