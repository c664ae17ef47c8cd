package opstate

import (
	"testing"

	"github.com/nugget/habitual/internal/database/dbtest"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(dbtest.Open(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get("ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)

	for _, v := range []string{"v1", "v2"} {
		if err := s.Set("gateway", "updates_offset", v); err != nil {
			t.Fatalf("Set(%s) error: %v", v, err)
		}
	}
	val, err := s.Get("gateway", "updates_offset")
	if err != nil || val != "v2" {
		t.Fatalf("Get() = %q, %v; want v2", val, err)
	}

	if err := s.Set("other", "updates_offset", "v3"); err != nil {
		t.Fatal(err)
	}
	val, _ = s.Get("gateway", "updates_offset")
	if val != "v2" {
		t.Errorf("Get() = %q after write to another namespace, want v2", val)
	}
}

func TestCursor(t *testing.T) {
	s := testStore(t)
	c := s.Cursor("gateway", "updates_offset")

	pos, err := c.Load()
	if err != nil || pos != 0 {
		t.Fatalf("Load() on fresh store = %d, %v; want 0", pos, err)
	}

	if err := c.Save(4218); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	pos, err = s.Cursor("gateway", "updates_offset").Load()
	if err != nil || pos != 4218 {
		t.Errorf("Load() = %d, %v; want 4218", pos, err)
	}

	s.Set("gateway", "bad", "not-a-number")
	if _, err := s.Cursor("gateway", "bad").Load(); err == nil {
		t.Error("Load() of non-integer value should error")
	}
}
