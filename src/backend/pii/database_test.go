package pii

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	detectors "github.com/hannes/kiji-rag/src/backend/pii/detectors"
)

// newTestStore creates a SQLite-backed store in a temporary directory.
// The database file is cleaned up when the test finishes.
func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := OpenDatabase(ctx, DatabaseConfig{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	store, err := NewSQLStore(ctx, db, DriverSQLite, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func entries(pairs ...string) []MappingEntry {
	var out []MappingEntry
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, MappingEntry{Pseudonym: pairs[i], Original: pairs[i+1], EntityType: detectors.EntityPerson})
	}
	return out
}

func TestOpenDatabase_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "dir", "test.db")
	db, err := OpenDatabase(context.Background(), DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("expected database file to be created")
	}
}

func TestOpenDatabase_UnsupportedDriver(t *testing.T) {
	if _, err := OpenDatabase(context.Background(), DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestNewSQLStore_Idempotent(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDatabase(ctx, DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 2; i++ {
		if _, err := NewSQLStore(ctx, db, DriverSQLite, nil); err != nil {
			t.Fatalf("create #%d failed: %v", i+1, err)
		}
	}
}

func TestSQLStore_MergeAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Merge(ctx, "s1", entries("Name_AAAAAA", "John Smith", "Email_BBBBBB@example.com", "john@example.com")); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	table, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(table) != 2 || table["Name_AAAAAA"] != "John Smith" {
		t.Errorf("unexpected table: %v", table)
	}

	other, err := store.Get(ctx, "s2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected sessions to be isolated, got %v", other)
	}
}

func TestSQLStore_MergeIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.Merge(ctx, "s1", entries("Name_AAAAAA", "Ann"))
	_ = store.Merge(ctx, "s1", entries("Name_BBBBBB", "Bob"))
	_ = store.Merge(ctx, "s1", nil)

	table, _ := store.Get(ctx, "s1")
	if table["Name_AAAAAA"] != "Ann" || table["Name_BBBBBB"] != "Bob" {
		t.Errorf("expected union of deltas, got %v", table)
	}
}

func TestSQLStore_MergeLaterWinsOnCollision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.Merge(ctx, "s1", entries("Name_AAAAAA", "Ann"))
	_ = store.Merge(ctx, "s1", entries("Name_AAAAAA", "Anna"))

	table, _ := store.Get(ctx, "s1")
	if table["Name_AAAAAA"] != "Anna" {
		t.Errorf("expected later write to win, got %q", table["Name_AAAAAA"])
	}
}

func TestSQLStore_MergeRollsBackOnFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx, `CREATE TRIGGER reject_bad BEFORE INSERT ON mask_mappings
		WHEN NEW.pseudonym = 'BAD' BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	if err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}

	if err := store.Merge(ctx, "s1", entries("Name_AAAAAA", "Ann", "BAD", "x")); err == nil {
		t.Fatal("expected merge to fail")
	}

	table, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(table) != 0 {
		t.Errorf("expected no partial write, got %v", table)
	}
}

func TestSQLStore_FindPseudonym(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_ = store.Merge(ctx, "s1", entries("Name_AAAAAA", "John"))

	got, found, err := store.FindPseudonym(ctx, "s1", detectors.EntityPerson, "John")
	if err != nil || !found || got != "Name_AAAAAA" {
		t.Errorf("FindPseudonym = %q, %v, %v", got, found, err)
	}

	if _, found, _ := store.FindPseudonym(ctx, "s1", detectors.EntityEmail, "John"); found {
		t.Error("expected lookup to be scoped to entity type")
	}
	if _, found, _ := store.FindPseudonym(ctx, "s2", detectors.EntityPerson, "John"); found {
		t.Error("expected lookup to be scoped to session")
	}
}

func TestSQLStore_DeleteSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_ = store.Merge(ctx, "s1", entries("Name_AAAAAA", "John"))
	_ = store.Merge(ctx, "s2", entries("Name_BBBBBB", "Jane"))
	_ = store.InsertLog(ctx, "s1", "request", "hi Name_AAAAAA", nil)

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	if table, _ := store.Get(ctx, "s1"); len(table) != 0 {
		t.Errorf("expected s1 to be empty, got %v", table)
	}
	if table, _ := store.Get(ctx, "s2"); len(table) != 1 {
		t.Errorf("expected s2 untouched, got %v", table)
	}
	logs, _ := store.GetLogs(ctx, 10, 0)
	if len(logs) != 0 {
		t.Errorf("expected session logs removed, got %d", len(logs))
	}
}

func TestSQLStore_LastActivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	before := time.Now()
	_ = store.Merge(ctx, "old", entries("Name_AAAAAA", "John"))

	last, err := store.LastActivity(ctx)
	if err != nil {
		t.Fatalf("LastActivity failed: %v", err)
	}
	if len(last) != 1 {
		t.Fatalf("expected one session, got %v", last)
	}
	if at := last["old"]; at.Before(before) || at.After(time.Now()) {
		t.Errorf("expected activity around the write, got %v", at)
	}
}

func TestSQLStore_Logs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ents := []detectors.Entity{{Label: detectors.EntityPerson}, {Label: detectors.EntityEmail}}
	if err := store.InsertLog(ctx, "s1", "request", "hi Name_AAAAAA", ents); err != nil {
		t.Fatalf("InsertLog failed: %v", err)
	}
	if err := store.InsertLog(ctx, "s1", "response", strings.Repeat("x", MaxLogMessageSize+10), nil); err != nil {
		t.Fatalf("InsertLog failed: %v", err)
	}

	logs, err := store.GetLogs(ctx, 10, 0)
	if err != nil {
		t.Fatalf("GetLogs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	// newest first
	if logs[0].Direction != "response" || !strings.HasSuffix(logs[0].Message, "[truncated]") {
		t.Errorf("unexpected first log: direction=%s len=%d", logs[0].Direction, len(logs[0].Message))
	}
	types := logs[1].EntityTypes
	sort.Strings(types)
	if len(types) != 2 || types[0] != detectors.EntityEmail {
		t.Errorf("unexpected entity types %v", types)
	}

	page, _ := store.GetLogs(ctx, 1, 1)
	if len(page) != 1 || page[0].Direction != "request" {
		t.Errorf("unexpected page %+v", page)
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	if got := Rebind(DriverSQLite, q); got != q {
		t.Errorf("sqlite query changed: %s", got)
	}
	if got := Rebind(DriverPostgres, q); got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Errorf("postgres rebind: %s", got)
	}
}

func TestMemoryStore_ActivityAndDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1000, 0)

	store.now = func() time.Time { return base }
	_ = store.Merge(ctx, "old", entries("Name_AAAAAA", "John"))
	store.now = func() time.Time { return base.Add(time.Hour) }
	_ = store.Merge(ctx, "new", entries("Name_BBBBBB", "Jane"))

	_ = store.Merge(ctx, "old", nil)
	last, _ := store.LastActivity(ctx)
	if !last["old"].Equal(base) || !last["new"].Equal(base.Add(time.Hour)) {
		t.Errorf("unexpected activity %v", last)
	}

	_ = store.DeleteSession(ctx, "old")
	if table, _ := store.Get(ctx, "old"); len(table) != 0 {
		t.Errorf("expected old session removed, got %v", table)
	}
}

func TestMemoryStore_FindPseudonymPrefersNewest(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1000, 0)

	store.now = func() time.Time { return base }
	_ = store.Merge(ctx, "s", entries("Name_AAAAAA", "John"))
	store.now = func() time.Time { return base.Add(time.Second) }
	_ = store.Merge(ctx, "s", entries("Name_BBBBBB", "John"))

	got, found, _ := store.FindPseudonym(ctx, "s", detectors.EntityPerson, "John")
	if !found || got != "Name_BBBBBB" {
		t.Errorf("expected newest pseudonym, got %q", got)
	}
}

func TestMemoryStore_MergeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewMemoryStore().Merge(ctx, "s", entries("a", "b")); err == nil {
		t.Error("expected cancelled merge to fail")
	}
}
