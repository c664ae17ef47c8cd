package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/habitual/internal/connwatch"
	"github.com/nugget/habitual/internal/events"
	"github.com/nugget/habitual/internal/habit"
	"github.com/nugget/habitual/internal/jobs"
	"github.com/nugget/habitual/internal/ledger"
)

type fakeRunner struct {
	infos   []jobs.JobInfo
	runs    map[string][]*jobs.Execution
	trigger func(name string) (*jobs.Execution, error)
}

func (f *fakeRunner) Jobs() []jobs.JobInfo { return f.infos }

func (f *fakeRunner) History(name string, limit int) ([]*jobs.Execution, error) {
	runs, ok := f.runs[name]
	if !ok {
		return nil, jobs.ErrUnknownJob
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (f *fakeRunner) Trigger(_ context.Context, name string) (*jobs.Execution, error) {
	return f.trigger(name)
}

type fakeHealth struct {
	healthy bool
}

func (f fakeHealth) Healthy() bool { return f.healthy }

func (f fakeHealth) state() connwatch.State {
	if f.healthy {
		return connwatch.StateReady
	}
	return connwatch.StateUnavailable
}

func (f fakeHealth) Status() map[string]connwatch.ServiceStatus {
	return map[string]connwatch.ServiceStatus{
		"gateway": {Name: "gateway", State: f.state(), Ready: f.healthy},
	}
}

func newTestServer(t *testing.T, runner JobRunner) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("", 0, runner, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s status = %d, want %d: %s", url, resp.StatusCode, wantStatus, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		health HealthSource
		want   string
	}{
		{"no watchers", nil, "healthy"},
		{"all ready", fakeHealth{healthy: true}, "healthy"},
		{"gateway down", fakeHealth{healthy: false}, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ts := newTestServer(t, nil)
			if tt.health != nil {
				s.SetHealth(tt.health)
			}

			var body struct {
				Status   string                             `json:"status"`
				Services map[string]connwatch.ServiceStatus `json:"services"`
			}
			getJSON(t, ts.URL+"/health", http.StatusOK, &body)
			if body.Status != tt.want {
				t.Errorf("status = %q, want %q", body.Status, tt.want)
			}
			if tt.health != nil && len(body.Services) != 1 {
				t.Errorf("services = %v", body.Services)
			}
		})
	}
}

func TestVersionAndRoot(t *testing.T) {
	_, ts := newTestServer(t, nil)

	var version map[string]string
	getJSON(t, ts.URL+"/v1/version", http.StatusOK, &version)
	for _, key := range []string{"version", "go_version", "uptime"} {
		if version[key] == "" {
			t.Errorf("version[%q] is empty", key)
		}
	}

	var root map[string]string
	getJSON(t, ts.URL+"/", http.StatusOK, &root)
	if root["name"] != "Habitual" {
		t.Errorf("root name = %q", root["name"])
	}

	getJSON(t, ts.URL+"/nope", http.StatusNotFound, nil)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "habitual_due_habits") {
		t.Errorf("metrics output missing habitual_due_habits")
	}
}

func TestJobEndpoints_NotConfigured(t *testing.T) {
	_, ts := newTestServer(t, nil)
	getJSON(t, ts.URL+"/v1/jobs", http.StatusServiceUnavailable, nil)
}

func TestJobList(t *testing.T) {
	runner := &fakeRunner{infos: []jobs.JobInfo{
		{Name: "reminders", Schedule: "* * * * *"},
		{Name: "linking", Schedule: "*/2 * * * *"},
	}}
	_, ts := newTestServer(t, runner)

	var body struct {
		Jobs []jobs.JobInfo `json:"jobs"`
	}
	getJSON(t, ts.URL+"/v1/jobs", http.StatusOK, &body)
	if len(body.Jobs) != 2 || body.Jobs[1].Schedule != "*/2 * * * *" {
		t.Errorf("jobs = %+v", body.Jobs)
	}
}

func TestJobRuns(t *testing.T) {
	runner := &fakeRunner{runs: map[string][]*jobs.Execution{
		"reminders": {
			{ID: "3", Job: "reminders", Status: jobs.StatusCompleted},
			{ID: "2", Job: "reminders", Status: jobs.StatusFailed},
			{ID: "1", Job: "reminders", Status: jobs.StatusCompleted},
		},
		"linking": nil,
	}}
	_, ts := newTestServer(t, runner)

	var body struct {
		Job  string            `json:"job"`
		Runs []*jobs.Execution `json:"runs"`
	}
	getJSON(t, ts.URL+"/v1/jobs/reminders/runs?limit=2", http.StatusOK, &body)
	if len(body.Runs) != 2 || body.Runs[0].ID != "3" {
		t.Errorf("runs = %+v", body.Runs)
	}

	getJSON(t, ts.URL+"/v1/jobs/unknown/runs", http.StatusNotFound, nil)

	var empty map[string]json.RawMessage
	getJSON(t, ts.URL+"/v1/jobs/linking/runs", http.StatusOK, &empty)
	if string(empty["runs"]) != "[]" {
		t.Errorf("empty runs = %s, want []", empty["runs"])
	}
}

func TestJobRun(t *testing.T) {
	runner := &fakeRunner{trigger: func(name string) (*jobs.Execution, error) {
		switch name {
		case "reminders":
			return &jobs.Execution{ID: "a", Job: name, Trigger: jobs.TriggerManual, Status: jobs.StatusCompleted, Result: "due=0"}, nil
		case "linking":
			return &jobs.Execution{ID: "b", Job: name, Status: jobs.StatusFailed, Result: "gateway unavailable"}, errors.New("gateway unavailable")
		case "busy":
			return &jobs.Execution{ID: "c", Job: name, Status: jobs.StatusSkipped}, jobs.ErrJobRunning
		case "broken":
			return nil, errors.New("database is locked")
		}
		return nil, jobs.ErrUnknownJob
	}}
	_, ts := newTestServer(t, runner)

	tests := []struct {
		job        string
		wantStatus int
		wantExec   jobs.ExecutionStatus
	}{
		{"reminders", http.StatusOK, jobs.StatusCompleted},
		{"linking", http.StatusOK, jobs.StatusFailed},
		{"busy", http.StatusConflict, jobs.StatusSkipped},
		{"broken", http.StatusInternalServerError, ""},
		{"missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.job, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/jobs/"+tt.job+"/run", "application/json", nil)
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantExec == "" {
				return
			}
			var exec jobs.Execution
			if err := json.NewDecoder(resp.Body).Decode(&exec); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if exec.Status != tt.wantExec {
				t.Errorf("execution status = %q, want %q", exec.Status, tt.wantExec)
			}
		})
	}

	// Running a job is POST only.
	getJSON(t, ts.URL+"/v1/jobs/reminders/run", http.StatusMethodNotAllowed, nil)
}

func TestEventStream(t *testing.T) {
	bus := events.New()
	s, ts := newTestServer(t, nil)
	s.SetEventBus(bus)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed to the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Emit(events.SourceReminder, events.KindReminderSent, map[string]any{"habit_id": "h1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Kind != events.KindReminderSent || got.Data["habit_id"] != "h1" {
		t.Errorf("event = %+v", got)
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream did not unsubscribe after the client closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventStream_NotConfigured(t *testing.T) {
	_, ts := newTestServer(t, nil)
	getJSON(t, ts.URL+"/v1/events", http.StatusServiceUnavailable, nil)
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=-1", 20},
		{"limit=abc", 20},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/jobs/x/runs?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 20); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

type fakeHabits map[string]*habit.Habit

func (f fakeHabits) Get(id string) (*habit.Habit, error) { return f[id], nil }

type fakeCompletions struct {
	entries   []ledger.Completion
	lastLimit int
}

func (f *fakeCompletions) History(habitID string, limit int) ([]ledger.Completion, error) {
	f.lastLimit = limit
	if len(f.entries) > limit {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func TestCompletions(t *testing.T) {
	h := &habit.Habit{ID: "h1", Action: "read", Time: habit.At(21, 30), FrequencyDays: 2}
	recorded := time.Date(2026, 3, 3, 21, 30, 5, 0, time.UTC)
	completions := &fakeCompletions{entries: []ledger.Completion{
		{HabitID: "h1", Date: habit.Date{Year: 2026, Month: time.March, Day: 3}, RecordedAt: recorded},
		{HabitID: "h1", Date: habit.Date{Year: 2026, Month: time.March, Day: 1}, RecordedAt: recorded.AddDate(0, 0, -2)},
	}}

	s, ts := newTestServer(t, nil)
	s.SetCompletions(fakeHabits{"h1": h}, completions)

	var body struct {
		HabitID       string `json:"habit_id"`
		Time          string `json:"time"`
		FrequencyDays int    `json:"frequency_days"`
		Completions   []struct {
			Date       string    `json:"date"`
			RecordedAt time.Time `json:"recorded_at"`
		} `json:"completions"`
	}
	getJSON(t, ts.URL+"/v1/habits/h1/completions?limit=1", http.StatusOK, &body)

	if body.HabitID != "h1" || body.Time != "21:30" || body.FrequencyDays != 2 {
		t.Errorf("habit fields = %+v", body)
	}
	if completions.lastLimit != 1 {
		t.Errorf("limit passed to ledger = %d, want 1", completions.lastLimit)
	}
	if len(body.Completions) != 1 || body.Completions[0].Date != "2026-03-03" || !body.Completions[0].RecordedAt.Equal(recorded) {
		t.Errorf("completions = %+v", body.Completions)
	}

	getJSON(t, ts.URL+"/v1/habits/missing/completions", http.StatusNotFound, nil)
}

func TestCompletions_NotConfigured(t *testing.T) {
	_, ts := newTestServer(t, nil)
	getJSON(t, ts.URL+"/v1/habits/h1/completions", http.StatusServiceUnavailable, nil)
}

func TestCompletions_EmptyHistory(t *testing.T) {
	s, ts := newTestServer(t, nil)
	s.SetCompletions(fakeHabits{"h1": {ID: "h1"}}, &fakeCompletions{})

	var body map[string]json.RawMessage
	getJSON(t, ts.URL+"/v1/habits/h1/completions", http.StatusOK, &body)
	if got := string(body["completions"]); got != "[]" {
		t.Errorf("completions = %s, want []", got)
	}
}

func TestSetJobTimeout(t *testing.T) {
	tests := []struct {
		name    string
		longest time.Duration
		want    time.Duration
	}{
		{"unset", 0, defaultWriteTimeout},
		{"default job timeout", 120 * time.Second, defaultWriteTimeout},
		{"long job", 10 * time.Minute, 10*time.Minute + writeMargin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer("", 0, nil, nil)
			if tt.longest > 0 {
				s.SetJobTimeout(tt.longest)
			}
			if got := s.httpServer(context.Background()).WriteTimeout; got != tt.want {
				t.Errorf("WriteTimeout = %v, want %v", got, tt.want)
			}
		})
	}
}
