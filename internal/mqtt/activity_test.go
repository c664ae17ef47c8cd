package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/nugget/habitual/internal/events"
)

func TestDailyActivity_Counts(t *testing.T) {
	d := NewDailyActivity(time.UTC)

	for _, kind := range []string{
		events.KindReminderSent,
		events.KindReminderSent,
		events.KindReminderFailed,
		events.KindChatLinked,
		events.KindUnknownAccount,
		events.KindJobFired,
	} {
		d.Observe(events.Event{Kind: kind})
	}

	snap := d.Snapshot()
	if snap.RemindersFailed != 1 || snap.ChatsLinked != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if !snap.LastTick.IsZero() || !snap.LastPoll.IsZero() {
		t.Errorf("expected no tick or poll yet, got %+v", snap)
	}
}

func TestDailyActivity_LastTickAndPoll(t *testing.T) {
	d := NewDailyActivity(time.UTC)
	tick := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	poll := tick.Add(30 * time.Second)

	d.Observe(events.Event{Kind: events.KindTickComplete, Timestamp: tick})
	d.Observe(events.Event{Kind: events.KindPollComplete, Timestamp: poll})

	snap := d.Snapshot()
	if !snap.LastTick.Equal(tick) || !snap.LastPoll.Equal(poll) {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestDailyActivity_ResetsAtMidnight(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	now := time.Date(2026, 12, 31, 23, 59, 0, 0, loc)

	d := NewDailyActivity(loc)
	d.now = func() time.Time { return now }
	d.day = d.midnight(now)

	tick := now.Add(-time.Minute)
	d.Observe(events.Event{Kind: events.KindReminderFailed})
	d.Observe(events.Event{Kind: events.KindChatLinked})
	d.Observe(events.Event{Kind: events.KindTickComplete, Timestamp: tick})

	// Crosses into a new year in loc.
	now = now.Add(2 * time.Minute)
	snap := d.Snapshot()
	if snap.RemindersFailed != 0 || snap.ChatsLinked != 0 {
		t.Errorf("counters not reset: %+v", snap)
	}
	if !snap.LastTick.Equal(tick) {
		t.Errorf("LastTick = %v, want %v kept across reset", snap.LastTick, tick)
	}
}

func TestDailyActivity_Concurrent(t *testing.T) {
	d := NewDailyActivity(time.UTC)
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Observe(events.Event{Kind: events.KindChatLinked})
		}()
	}
	wg.Wait()

	if got := d.Snapshot().ChatsLinked; got != 100 {
		t.Errorf("ChatsLinked = %d, want 100", got)
	}
}
