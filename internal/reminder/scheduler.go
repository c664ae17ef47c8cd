// Package reminder decides which habits are due and sends their
// reminders over the chat gateway.
//
// A habit is due when its time of day falls in [now, now+window) and
// it has not been completed within the last FrequencyDays days. A
// successful send is recorded in the completion ledger as a completion
// on the current date, so the same habit is not reminded again until
// its frequency has elapsed.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/habitual/internal/events"
	"github.com/nugget/habitual/internal/gateway"
	"github.com/nugget/habitual/internal/habit"
	"github.com/nugget/habitual/internal/ledger"
	"github.com/nugget/habitual/internal/metrics"
)

// DefaultWindow is the look-ahead used when Config.Window is zero.
const DefaultWindow = 10 * time.Minute

// ErrTickInProgress is returned by Tick while another tick is running.
var ErrTickInProgress = errors.New("reminder tick already in progress")

// HabitStore reads habit definitions.
type HabitStore interface {
	QueryByTimeWindow(start, end habit.TimeOfDay) ([]*habit.Habit, error)
}

// CompletionLedger reads and appends completion records.
type CompletionLedger interface {
	LastCompletion(habitID string) (*ledger.Completion, error)
	Record(habitID string, date habit.Date) error
}

// ChatResolver finds the chat a user is reachable on.
type ChatResolver interface {
	ActiveLinkForUser(userID string) (string, error)
}

// Sender delivers a text message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID, text string) (bool, error)
}

// Config holds scheduler settings.
type Config struct {
	Window   time.Duration  // look-ahead; DefaultWindow when zero
	Location *time.Location // zone for time-of-day and dates; time.Local when nil
}

// Report summarizes one tick.
type Report struct {
	Due      int `json:"due"`
	Sent     int `json:"sent"`
	Skipped  int `json:"skipped"`  // owner has no linked chat
	Rejected int `json:"rejected"` // gateway answered ok=false
	Failed   int `json:"failed"`   // gateway error
}

func (r Report) String() string {
	return fmt.Sprintf("due=%d sent=%d skipped=%d rejected=%d failed=%d",
		r.Due, r.Sent, r.Skipped, r.Rejected, r.Failed)
}

// Scheduler computes due habits and sends reminders.
type Scheduler struct {
	habits HabitStore
	ledger CompletionLedger
	chats  ChatResolver
	sender Sender
	bus    *events.Bus
	logger *slog.Logger

	window time.Duration
	loc    *time.Location

	running sync.Mutex
	habitMu keyLocks
}

// New creates a Scheduler. bus may be nil.
func New(habits HabitStore, completions CompletionLedger, chats ChatResolver, sender Sender,
	cfg Config, bus *events.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Scheduler{
		habits: habits,
		ledger: completions,
		chats:  chats,
		sender: sender,
		bus:    bus,
		logger: logger,
		window: cfg.Window,
		loc:    cfg.Location,
	}
}

// Window returns the half-open time-of-day range [start, end) checked
// at now. Habit times have minute precision, so now is truncated to
// the minute first: at 06:55:30 the window is 06:55-07:05, which
// includes a 06:55 habit and excludes one at 07:05. Runs on a
// minute-aligned schedule therefore cover every minute exactly once.
//
// The end is clamped at midnight: a window starting at 23:56 ends at
// 24:00 and does not include habits at 00:00-00:05 of the next day.
func (s *Scheduler) Window(now time.Time) (start, end habit.TimeOfDay) {
	start = habit.Clock(now.In(s.loc))
	return start, start.Add(s.window)
}

// DueHabits returns the habits that should be reminded at now.
func (s *Scheduler) DueHabits(now time.Time) ([]*habit.Habit, error) {
	start, end := s.Window(now)
	candidates, err := s.habits.QueryByTimeWindow(start, end)
	if err != nil {
		return nil, fmt.Errorf("query habits: %w", err)
	}

	today := habit.DateOf(now.In(s.loc))
	var due []*habit.Habit
	for _, h := range candidates {
		ok, err := s.isDue(h, today)
		if err != nil {
			return nil, err
		}
		if ok {
			due = append(due, h)
		}
	}
	return due, nil
}

func (s *Scheduler) isDue(h *habit.Habit, today habit.Date) (bool, error) {
	last, err := s.ledger.LastCompletion(h.ID)
	if err != nil {
		return false, fmt.Errorf("last completion of %s: %w", h.ID, err)
	}
	if last == nil {
		return true, nil
	}
	return today.DaysSince(last.Date) >= h.FrequencyDays, nil
}

// Tick sends a reminder for every habit due at now and records each
// successful send as a completion dated today. A habit whose owner
// has no linked chat is skipped; a failed or rejected send does not
// stop the remaining habits. A malformed gateway response or a
// storage error aborts the tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (Report, error) {
	if !s.running.TryLock() {
		return Report{}, ErrTickInProgress
	}
	defer s.running.Unlock()

	started := time.Now()
	due, err := s.DueHabits(now)
	if err != nil {
		return Report{}, err
	}

	report := Report{Due: len(due)}
	metrics.DueHabits.Set(float64(len(due)))
	today := habit.DateOf(now.In(s.loc))

	for _, h := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.remind(ctx, h, today, &report); err != nil {
			s.logger.Error("reminder tick aborted", "habit_id", h.ID, "error", err, "report", report.String())
			return report, err
		}
	}

	elapsed := time.Since(started)
	s.bus.Emit(events.SourceReminder, events.KindTickComplete, map[string]any{
		"due":        report.Due,
		"sent":       report.Sent,
		"skipped":    report.Skipped,
		"rejected":   report.Rejected,
		"failed":     report.Failed,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	if report.Due > 0 {
		s.logger.Info("reminder tick complete",
			"due", report.Due,
			"sent", report.Sent,
			"skipped", report.Skipped,
			"rejected", report.Rejected,
			"failed", report.Failed,
			"elapsed", elapsed.Round(time.Millisecond),
		)
	}
	return report, nil
}

// remind handles one habit under its lock. Only errors that must
// abort the tick are returned.
func (s *Scheduler) remind(ctx context.Context, h *habit.Habit, today habit.Date, r *Report) error {
	unlock := s.habitMu.Lock(h.ID)
	defer unlock()

	// Re-check under the lock; a concurrent caller may have recorded
	// a completion since DueHabits ran.
	due, err := s.isDue(h, today)
	if err != nil {
		return err
	}
	if !due {
		r.Due--
		return nil
	}

	log := s.logger.With("habit_id", h.ID, "user_id", h.UserID)

	chatID, err := s.chats.ActiveLinkForUser(h.UserID)
	if err != nil {
		return fmt.Errorf("resolve chat for %s: %w", h.UserID, err)
	}
	if chatID == "" {
		r.Skipped++
		metrics.Reminders.WithLabelValues(metrics.ResultSkipped).Inc()
		log.Debug("reminder skipped, no linked chat")
		return nil
	}
	log = log.With("chat_id", chatID)

	ok, err := s.sender.Send(ctx, chatID, FormatReminder(h))
	switch {
	case errors.Is(err, gateway.ErrMalformedResponse):
		r.Failed++
		metrics.Reminders.WithLabelValues(metrics.ResultFailed).Inc()
		return err
	case err != nil:
		r.Failed++
		metrics.Reminders.WithLabelValues(metrics.ResultFailed).Inc()
		log.Warn("reminder send failed", "error", err)
		s.bus.Emit(events.SourceReminder, events.KindReminderFailed, map[string]any{
			"habit_id": h.ID, "user_id": h.UserID, "chat_id": chatID, "error": err.Error(),
		})
		return nil
	case !ok:
		r.Rejected++
		metrics.Reminders.WithLabelValues(metrics.ResultRejected).Inc()
		log.Warn("reminder rejected by gateway")
		s.bus.Emit(events.SourceReminder, events.KindReminderFailed, map[string]any{
			"habit_id": h.ID, "user_id": h.UserID, "chat_id": chatID, "rejected": true,
		})
		return nil
	}

	if err := s.ledger.Record(h.ID, today); err != nil {
		return fmt.Errorf("record completion of %s: %w", h.ID, err)
	}
	r.Sent++
	metrics.Reminders.WithLabelValues(metrics.ResultSent).Inc()
	log.Info("reminder sent", "time", h.Time.String())
	s.bus.Emit(events.SourceReminder, events.KindReminderSent, map[string]any{
		"habit_id": h.ID, "user_id": h.UserID, "chat_id": chatID,
	})
	return nil
}

// FormatReminder renders the reminder text for h.
func FormatReminder(h *habit.Habit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reminder: %s at %s at %s", h.Action, h.Location, h.Time)
	if h.Reward != "" {
		fmt.Fprintf(&b, "\nReward: %s", h.Reward)
	}
	return b.String()
}
