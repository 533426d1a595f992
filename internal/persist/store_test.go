package persist

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id string) Message {
	return Message{
		ID:          id,
		URL:         "http://backend.test/api/rewards/" + id + "/claim",
		Method:      "POST",
		Headers:     map[string]string{"Content-Type": "application/json"},
		Body:        `{"reward":"` + id + `"}`,
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		Description: "claim " + id,
		MaxRetries:  3,
	}
}

func latestMigration(t *testing.T) int {
	t.Helper()
	all, err := migrations()
	if err != nil {
		t.Fatalf("listing migrations: %v", err)
	}
	return all[len(all)-1].version
}

// TestReopenKeepsSchemaAndData opens the same directory twice and checks
// that mirrored actions survive and no migration is re-applied.
func TestReopenKeepsSchemaAndData(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := s1.SaveAction(testMessage("a1")); err != nil {
		t.Fatalf("SaveAction: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v, err := s2.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if want := latestMigration(t); v != want {
		t.Errorf("schema version = %d, want %d", v, want)
	}
	got, err := s2.ListActions()
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a1" {
		t.Errorf("actions after reopen = %+v, want [a1]", got)
	}
}

func TestOpenAppliesPragmas(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	var timeout int
	if err := s.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("reading busy_timeout: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("reading journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	newer := latestMigration(t) + 1
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", newer)); err != nil {
		t.Fatalf("bumping user_version: %v", err)
	}
	s.Close()

	if s, err := Open(dir); err == nil {
		s.Close()
		t.Fatal("Open succeeded on a database from a newer schema")
	}
}

func TestSaveAndListActions(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"b", "a", "c"} {
		if err := s.SaveAction(testMessage(id)); err != nil {
			t.Fatalf("SaveAction(%s): %v", id, err)
		}
	}

	got, err := s.ListActions()
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"b", "a", "c"} {
		if got[i].ID != want {
			t.Errorf("got[%d].ID = %q, want %q", i, got[i].ID, want)
		}
	}

	first := got[0]
	want := testMessage("b")
	if first.URL != want.URL || first.Method != want.Method || first.Body != want.Body || first.Description != want.Description {
		t.Errorf("round-trip mismatch: got %+v, want %+v", first, want)
	}
	if first.Headers["Content-Type"] != "application/json" {
		t.Errorf("Headers = %v", first.Headers)
	}
	if !first.Timestamp.Equal(want.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", first.Timestamp, want.Timestamp)
	}
}

func TestSaveActionUpdatesRetryInPlace(t *testing.T) {
	s := openTestStore(t)
	s.SaveAction(testMessage("a"))
	s.SaveAction(testMessage("b"))

	m := testMessage("a")
	m.RetryCount = 2
	if err := s.SaveAction(m); err != nil {
		t.Fatalf("SaveAction update: %v", err)
	}

	got, err := s.ListActions()
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" {
		t.Fatalf("order changed after update: %+v", got)
	}
	if got[0].RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got[0].RetryCount)
	}
}

func TestDeleteAction(t *testing.T) {
	s := openTestStore(t)
	s.SaveAction(testMessage("a"))

	if err := s.DeleteAction("a"); err != nil {
		t.Fatalf("DeleteAction: %v", err)
	}
	if err := s.DeleteAction("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteAction err = %v, want ErrNotFound", err)
	}
}

func TestCacheAndCounts(t *testing.T) {
	s := openTestStore(t)
	s.SaveAction(testMessage("a"))

	old := time.Now().Add(-2 * time.Hour)
	entries := []CacheEntry{
		{CacheName: ResponsesCache, URL: "http://backend.test/api/sessions", Status: 200, ContentType: "application/json", Body: []byte(`[]`)},
		{CacheName: ResponsesCache, URL: "http://backend.test/api/nodes", Status: 200, Body: []byte(`{}`), StoredAt: old},
		{CacheName: "static", URL: "http://backend.test/logo.svg", Status: 200, Body: []byte("<svg/>")},
	}
	for _, e := range entries {
		if err := s.PutCache(e); err != nil {
			t.Fatalf("PutCache(%s): %v", e.URL, err)
		}
	}

	got, err := s.GetCache(ResponsesCache, "http://backend.test/api/sessions")
	if err != nil {
		t.Fatalf("GetCache: %v", err)
	}
	if string(got.Body) != "[]" || got.ContentType != "application/json" {
		t.Errorf("GetCache = %+v", got)
	}
	if _, err := s.GetCache(ResponsesCache, "http://backend.test/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCache missing err = %v, want ErrNotFound", err)
	}

	counts, err := s.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[ActionsCache] != 1 || counts[ResponsesCache] != 2 || counts["static"] != 1 {
		t.Errorf("Counts = %v", counts)
	}

	n, err := s.PruneCache(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PruneCache: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d entries, want 1", n)
	}
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	s.SaveAction(testMessage("a"))
	s.PutCache(CacheEntry{CacheName: ResponsesCache, URL: "u", Status: 200})

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	counts, err := s.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if len(counts) != 1 || counts[ActionsCache] != 0 {
		t.Errorf("Counts after clear = %v, want only an empty action mirror", counts)
	}
}
