package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/habitual/internal/accounts"
	"github.com/nugget/habitual/internal/connwatch"
	"github.com/nugget/habitual/internal/database/dbtest"
	"github.com/nugget/habitual/internal/events"
	"github.com/nugget/habitual/internal/gateway"
	"github.com/nugget/habitual/internal/habit"
	"github.com/nugget/habitual/internal/ledger"
)

func TestClassifyGatewayError(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    connwatch.State
	}{
		{
			name: "bad token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
			},
			want: connwatch.StateRejected,
		},
		{
			name: "bad gateway",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			want: connwatch.StateUnavailable,
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, "<html>maintenance</html>")
			},
			want: connwatch.StateUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			gw := gateway.New(gateway.Config{URL: srv.URL, Timeout: 2 * time.Second}, nil)
			err := gw.Ping(context.Background())
			if err == nil {
				t.Fatal("Ping() = nil, want error")
			}
			if got := classifyGatewayError(err); got != tt.want {
				t.Errorf("classifyGatewayError(%v) = %q, want %q", err, got, tt.want)
			}
		})
	}
}

func TestGatewayWatcher_PublishesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"description":"Unauthorized"}`)
	}))
	defer srv.Close()

	bus := events.New()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	gw := gateway.New(gateway.Config{URL: srv.URL, Timeout: 2 * time.Second}, nil)
	m := connwatch.NewManager(nil)
	defer m.Stop()
	m.Watch(context.Background(), connwatch.WatcherConfig{
		Name:     serviceGateway,
		Probe:    gw.Ping,
		Classify: classifyGatewayError,
		Backoff:  connwatch.BackoffConfig{PollInterval: time.Hour},
		OnChange: connwatch.EmitTo(bus),
	})

	select {
	case e := <-sub:
		if e.Kind != events.KindServiceDown || e.Data["service"] != serviceGateway || e.Data["state"] != "rejected" {
			t.Errorf("event = %s %v, want service_down for rejected gateway", e.Kind, e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no service_down event published")
	}
	if got := m.State(serviceGateway); got != connwatch.StateRejected {
		t.Errorf("State() = %q, want rejected", got)
	}
}

func TestServiceStats_RemindersToday(t *testing.T) {
	db := dbtest.Open(t)
	users, err := accounts.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	habits, err := habit.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.New(db)
	if err != nil {
		t.Fatal(err)
	}

	acct, err := users.Create("stats@example.com", "pw")
	if err != nil {
		t.Fatal(err)
	}
	h := &habit.Habit{UserID: acct.ID, Time: habit.At(7, 0), FrequencyDays: 1, Location: "home", Action: "stretch"}
	if err := habits.Create(h); err != nil {
		t.Fatal(err)
	}

	loc := time.FixedZone("UTC-5", -5*3600)
	today := habit.DateOf(time.Now().In(loc))
	yesterday := habit.DateOf(time.Now().In(loc).AddDate(0, 0, -1))
	for _, d := range []habit.Date{yesterday, today} {
		if err := l.Record(h.ID, d); err != nil {
			t.Fatal(err)
		}
	}

	stats := &serviceStats{ledger: l, loc: loc, logger: slog.Default()}
	if got := stats.RemindersToday(); got != 1 {
		t.Errorf("RemindersToday() = %d, want 1", got)
	}
}
