// Package habit defines habits and their SQLite store.
//
// A habit is a recurring action the owner wants to perform at a fixed
// time of day, at most once every FrequencyDays days. Habits are either
// useful habits, which may carry a reward or point at a pleasant habit
// performed as the reward, or pleasant habits, which carry neither.
package habit

import (
	"errors"
	"strings"
	"time"
)

// Limits enforced by Validate.
const (
	MaxFrequencyDays = 7
	MaxDurationSec   = 120
)

// Validation errors. Create wraps them with the offending habit's
// context; match with errors.Is.
var (
	ErrMissingOwner      = errors.New("habit owner is required")
	ErrMissingAction     = errors.New("habit action is required")
	ErrMissingLocation   = errors.New("habit location is required")
	ErrInvalidTime       = errors.New("time of day out of range")
	ErrFrequencyRange    = errors.New("frequency must be between 1 and 7 days")
	ErrDurationRange     = errors.New("duration must be between 0 and 120 seconds")
	ErrRewardAndLinked   = errors.New("habit cannot have both a reward and a linked habit")
	ErrPleasantExtras    = errors.New("pleasant habit cannot have a reward or a linked habit")
	ErrLinkedNotPleasant = errors.New("linked habit must be pleasant")
	ErrLinkedNotFound    = errors.New("linked habit not found")
	ErrSelfLinked        = errors.New("habit cannot link to itself")
)

// Habit is a recurring action with a reminder time.
type Habit struct {
	ID            string
	UserID        string
	Time          TimeOfDay
	FrequencyDays int
	Location      string
	Action        string
	Reward        string // empty when none
	LinkedHabitID string // empty when none
	Pleasant      bool
	Public        bool
	DurationSec   int // expected time to perform; 0 when unset
	CreatedAt     time.Time
}

// Validate checks the invariants that can be decided from h alone.
// The pleasantness of a linked habit is checked by [Store.Create].
func (h *Habit) Validate() error {
	var errs []error
	if strings.TrimSpace(h.UserID) == "" {
		errs = append(errs, ErrMissingOwner)
	}
	if strings.TrimSpace(h.Action) == "" {
		errs = append(errs, ErrMissingAction)
	}
	if strings.TrimSpace(h.Location) == "" {
		errs = append(errs, ErrMissingLocation)
	}
	if !h.Time.Valid() {
		errs = append(errs, ErrInvalidTime)
	}
	if h.FrequencyDays < 1 || h.FrequencyDays > MaxFrequencyDays {
		errs = append(errs, ErrFrequencyRange)
	}
	if h.DurationSec < 0 || h.DurationSec > MaxDurationSec {
		errs = append(errs, ErrDurationRange)
	}
	if h.Reward != "" && h.LinkedHabitID != "" {
		errs = append(errs, ErrRewardAndLinked)
	}
	if h.Pleasant && (h.Reward != "" || h.LinkedHabitID != "") {
		errs = append(errs, ErrPleasantExtras)
	}
	if h.ID != "" && h.LinkedHabitID == h.ID {
		errs = append(errs, ErrSelfLinked)
	}
	return errors.Join(errs...)
}
