package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/habitual/internal/events"
)

// DailyActivity counts today's failed reminders and new links from
// the event stream. Sent reminders are counted from the ledger instead,
// so that figure survives a restart. Counters reset at local midnight.
// Safe for concurrent use.
type DailyActivity struct {
	mu       sync.Mutex
	failed   int64
	linked   int64
	lastTick time.Time
	lastPoll time.Time
	day      time.Time // local midnight of the day being counted
	loc      *time.Location
	now      func() time.Time
}

// ActivitySnapshot is a point-in-time copy of DailyActivity.
type ActivitySnapshot struct {
	RemindersFailed int64
	ChatsLinked     int64
	LastTick        time.Time
	LastPoll        time.Time
}

// NewDailyActivity creates a counter that uses loc for midnight. A nil
// loc means [time.Local].
func NewDailyActivity(loc *time.Location) *DailyActivity {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyActivity{loc: loc, now: time.Now}
	d.day = d.midnight(d.now())
	return d
}

// Observe updates the counters from one event. Events that carry no
// activity are ignored.
func (d *DailyActivity) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch e.Kind {
	case events.KindReminderFailed:
		d.failed++
	case events.KindChatLinked:
		d.linked++
	case events.KindTickComplete:
		d.lastTick = eventTime(e)
	case events.KindPollComplete:
		d.lastPoll = eventTime(e)
	}
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (d *DailyActivity) Snapshot() ActivitySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return ActivitySnapshot{
		RemindersFailed: d.failed,
		ChatsLinked:     d.linked,
		LastTick:        d.lastTick,
		LastPoll:        d.lastPoll,
	}
}

// maybeReset zeroes the daily counters when the local date changed.
// The last tick and poll times are kept. Must be called with d.mu held.
func (d *DailyActivity) maybeReset() {
	today := d.midnight(d.now())
	if today.Equal(d.day) {
		return
	}
	d.failed, d.linked = 0, 0
	d.day = today
}

func (d *DailyActivity) midnight(t time.Time) time.Time {
	t = t.In(d.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, d.loc)
}

func eventTime(e events.Event) time.Time {
	if e.Timestamp.IsZero() {
		return time.Now()
	}
	return e.Timestamp
}
