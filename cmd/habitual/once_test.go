package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/habitual/internal/accounts"
	"github.com/nugget/habitual/internal/chatlink"
	"github.com/nugget/habitual/internal/database"
	"github.com/nugget/habitual/internal/habit"
	"github.com/nugget/habitual/internal/ledger"
	"github.com/nugget/habitual/internal/opstate"
)

// fakeGateway serves the Telegram-style send and updates endpoints.
type fakeGateway struct {
	mu      sync.Mutex
	updates string // JSON result array returned for offset 0
	sent    []map[string]any
	offsets []string
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/sendMessage":
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		g.sent = append(g.sent, body)
		fmt.Fprint(w, `{"ok":true}`)
	case "/getUpdates":
		offset := r.URL.Query().Get("offset")
		g.offsets = append(g.offsets, offset)
		result := "[]"
		if offset == "0" && g.updates != "" {
			result = g.updates
		}
		fmt.Fprintf(w, `{"ok":true,"result":%s}`, result)
	default:
		http.NotFound(w, r)
	}
}

// writeTestConfig writes a config pointing at gatewayURL with its data
// directory under dataDir and returns the file path.
func writeTestConfig(t *testing.T, gatewayURL, dataDir string) string {
	t.Helper()
	cfg := fmt.Sprintf(`
data_dir: %s
timezone: UTC
log_level: warn
gateway:
  url: %s
  send_path: /sendMessage
  updates_path: /getUpdates
  timeout_sec: 5
reminders:
  window_minutes: 10
`, dataDir, gatewayURL)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunPoll_LinksChat(t *testing.T) {
	dataDir := t.TempDir()

	db, err := database.Open(database.Path(dataDir))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	accts, err := accounts.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	acct, err := accts.Create("ana@example.com", "secret")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	db.Close()

	gw := &fakeGateway{updates: `[{"update_id":7,"message":{"chat":{"id":4242},"text":"ana@example.com"}}]`}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	path := writeTestConfig(t, srv.URL, dataDir)

	var stdout, stderr bytes.Buffer
	if err := run(t.Context(), &stdout, &stderr, []string{"-config", path, "-o", "json", "poll"}); err != nil {
		t.Fatalf("poll: %v\nstderr: %s", err, stderr.String())
	}

	var report struct {
		Messages int   `json:"messages"`
		Linked   int   `json:"linked"`
		Cursor   int64 `json:"cursor"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("report is not JSON: %v\n%s", err, stdout.String())
	}
	if report.Messages != 1 || report.Linked != 1 || report.Cursor != 8 {
		t.Errorf("report = %+v", report)
	}

	gw.mu.Lock()
	if len(gw.sent) != 1 || gw.sent[0]["chat_id"] != "4242" {
		t.Errorf("sent = %v", gw.sent)
	}
	if got := strings.Join(gw.offsets, ","); got != "0,8" {
		t.Errorf("offsets = %s, want 0,8 (receive then ack)", got)
	}
	gw.mu.Unlock()

	db, err = database.Open(database.Path(dataDir))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	links, _ := chatlink.NewStore(db)
	chat, err := links.ActiveLinkForUser(acct.ID)
	if err != nil || chat != "4242" {
		t.Errorf("ActiveLinkForUser = %q, %v", chat, err)
	}
	state, _ := opstate.NewStore(db)
	if pos, _ := state.Cursor(cursorNamespace, cursorKey).Load(); pos != 8 {
		t.Errorf("persisted cursor = %d, want 8", pos)
	}
}

func TestRunTick_SendsDueReminder(t *testing.T) {
	now := time.Now().UTC()
	if now.Hour() == 23 && now.Minute() >= 45 {
		t.Skip("too close to midnight for a window that must not be clamped")
	}
	dataDir := t.TempDir()

	db, err := database.Open(database.Path(dataDir))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	accts, _ := accounts.NewStore(db)
	habits, err := habit.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	led, _ := ledger.New(db)
	links, _ := chatlink.NewStore(db)

	acct, err := accts.Create("ben@example.com", "secret")
	if err != nil {
		t.Fatal(err)
	}
	link, _ := links.GetOrCreate("99")
	link.Linked, link.UserID = true, acct.ID
	if err := links.Save(link); err != nil {
		t.Fatal(err)
	}
	h := &habit.Habit{
		UserID:        acct.ID,
		Time:          habit.Clock(now).Add(2 * time.Minute),
		FrequencyDays: 1,
		Location:      "kitchen",
		Action:        "drink water",
	}
	if err := habits.Create(h); err != nil {
		t.Fatalf("create habit: %v", err)
	}
	db.Close()

	gw := &fakeGateway{}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	path := writeTestConfig(t, srv.URL, dataDir)

	var stdout, stderr bytes.Buffer
	if err := run(t.Context(), &stdout, &stderr, []string{"-config", path, "tick"}); err != nil {
		t.Fatalf("tick: %v\nstderr: %s", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), "due=1 sent=1") {
		t.Errorf("report = %q", stdout.String())
	}

	gw.mu.Lock()
	if len(gw.sent) != 1 || !strings.HasPrefix(fmt.Sprint(gw.sent[0]["text"]), "Reminder: drink water at kitchen") {
		t.Errorf("sent = %v", gw.sent)
	}
	gw.mu.Unlock()

	db, err = database.Open(database.Path(dataDir))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	led, _ = ledger.New(db)
	last, err := led.LastCompletion(h.ID)
	if err != nil || last == nil {
		t.Fatalf("LastCompletion = %v, %v", last, err)
	}
	if last.Date != habit.DateOf(now) {
		t.Errorf("completion date = %v, want %v", last.Date, habit.DateOf(now))
	}

	// A second tick the same day sends nothing.
	stdout.Reset()
	if err := run(t.Context(), &stdout, &stderr, []string{"-config", path, "tick"}); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if !strings.Contains(stdout.String(), "due=0") {
		t.Errorf("second report = %q", stdout.String())
	}
}
