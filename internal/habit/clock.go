package habit

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock time with minute precision, stored as
// minutes since midnight. It carries no date and no zone.
type TimeOfDay int

// EndOfDay is the exclusive upper bound of a day's TimeOfDay values.
const EndOfDay TimeOfDay = 24 * 60

// At returns the TimeOfDay for hour:minute.
func At(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// Clock returns the time of day of t in t's location, truncated to the
// minute.
func Clock(t time.Time) TimeOfDay {
	return At(t.Hour(), t.Minute())
}

// ParseTimeOfDay parses "HH:MM" (24-hour).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return Clock(t), nil
}

// Hour returns the hour component.
func (t TimeOfDay) Hour() int { return int(t) / 60 }

// Minute returns the minute component.
func (t TimeOfDay) Minute() int { return int(t) % 60 }

// Valid reports whether t lies within a single day.
func (t TimeOfDay) Valid() bool { return t >= 0 && t < EndOfDay }

// Add returns t shifted by d, clamped to EndOfDay. The result never
// wraps past midnight.
func (t TimeOfDay) Add(d time.Duration) TimeOfDay {
	end := t + TimeOfDay(d/time.Minute)
	if end > EndOfDay {
		return EndOfDay
	}
	return end
}

// String formats t as "HH:MM". EndOfDay renders as "24:00".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// Date is a calendar date without a time or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses "2006-01-02".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// String formats d as "2006-01-02".
func (d Date) String() string {
	return d.midnight().Format(time.DateOnly)
}

// DaysSince returns the number of whole calendar days from earlier to d.
// It is negative when earlier is after d.
func (d Date) DaysSince(earlier Date) int {
	return int(d.midnight().Sub(earlier.midnight()).Hours() / 24)
}

func (d Date) midnight() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}
