package habit

import (
	"errors"
	"testing"
)

func validHabit() *Habit {
	return &Habit{
		UserID:        "u1",
		Time:          At(7, 0),
		FrequencyDays: 1,
		Location:      "home",
		Action:        "drink water",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Habit)
		want   error
	}{
		{"ok", func(*Habit) {}, nil},
		{"ok with reward", func(h *Habit) { h.Reward = "chocolate" }, nil},
		{"ok with duration", func(h *Habit) { h.DurationSec = 120 }, nil},
		{"missing action", func(h *Habit) { h.Action = "  " }, ErrMissingAction},
		{"missing location", func(h *Habit) { h.Location = "" }, ErrMissingLocation},
		{"missing owner", func(h *Habit) { h.UserID = "" }, ErrMissingOwner},
		{"frequency zero", func(h *Habit) { h.FrequencyDays = 0 }, ErrFrequencyRange},
		{"frequency eight", func(h *Habit) { h.FrequencyDays = 8 }, ErrFrequencyRange},
		{"duration too long", func(h *Habit) { h.DurationSec = 121 }, ErrDurationRange},
		{"bad time", func(h *Habit) { h.Time = EndOfDay }, ErrInvalidTime},
		{"reward and linked", func(h *Habit) {
			h.Reward = "cake"
			h.LinkedHabitID = "h2"
		}, ErrRewardAndLinked},
		{"pleasant with reward", func(h *Habit) {
			h.Pleasant = true
			h.Reward = "cake"
		}, ErrPleasantExtras},
		{"pleasant with linked", func(h *Habit) {
			h.Pleasant = true
			h.LinkedHabitID = "h2"
		}, ErrPleasantExtras},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := validHabit()
			tt.mutate(h)
			err := h.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}
