package reminder

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/habitual/internal/accounts"
	"github.com/nugget/habitual/internal/chatlink"
	"github.com/nugget/habitual/internal/database/dbtest"
	"github.com/nugget/habitual/internal/habit"
	"github.com/nugget/habitual/internal/ledger"
)

// TestTickWithSQLiteStores runs the reminder flow against the real
// stores.
func TestTickWithSQLiteStores(t *testing.T) {
	db := dbtest.Open(t)
	users, err := accounts.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	habits, err := habit.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	completions, err := ledger.New(db)
	if err != nil {
		t.Fatal(err)
	}
	links, err := chatlink.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}

	a, err := users.Create("test@example.com", "pw")
	if err != nil {
		t.Fatal(err)
	}
	link, err := links.GetOrCreate("C1")
	if err != nil {
		t.Fatal(err)
	}
	link.Linked = true
	link.UserID = a.ID
	if err := links.Save(link); err != nil {
		t.Fatal(err)
	}
	h := &habit.Habit{UserID: a.ID, Time: habit.At(7, 0), FrequencyDays: 1, Location: "park", Action: "walk"}
	if err := habits.Create(h); err != nil {
		t.Fatal(err)
	}

	s := &fakeSender{}
	sched := New(habits, completions, links, s, Config{Location: time.UTC}, nil, nil)

	report, err := sched.Tick(context.Background(), at(1, 6, 55))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if report.Sent != 1 {
		t.Fatalf("report = %+v, want one send", report)
	}
	last, err := completions.LastCompletion(h.ID)
	if err != nil || last == nil || last.Date.String() != "2026-03-01" {
		t.Fatalf("LastCompletion = %+v, %v", last, err)
	}

	if _, err := sched.Tick(context.Background(), at(1, 6, 56)); err != nil {
		t.Fatal(err)
	}
	if s.count() != 1 {
		t.Errorf("sends after second tick = %d, want 1", s.count())
	}

	// Next day the habit is due again.
	report, err = sched.Tick(context.Background(), at(2, 6, 55))
	if err != nil || report.Sent != 1 {
		t.Errorf("next-day tick = %+v, %v; want one send", report, err)
	}
}
