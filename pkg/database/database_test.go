package database

import (
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/aeolun/superbot/pkg/config"
)

func newTestDB(t *testing.T, path string) *DB {
	t.Helper()
	db, err := OpenWithInterval(path, time.Hour)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return db
}

func TestOverridesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	db := newTestDB(t, path)
	db.SaveOverride(config.Override{Key: "modules", Value: "admin,channels"})
	db.SaveOverride(config.Override{Key: "bot2,network", Removed: true})
	if err := db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	db = newTestDB(t, path)
	defer db.Close()

	got, err := db.LoadOverrides()
	if err != nil {
		t.Fatalf("LoadOverrides failed: %v", err)
	}
	want := []config.Override{
		{Key: "bot2,network", Removed: true},
		{Key: "modules", Value: "admin,channels"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d overrides, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("override %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestLatestChangeWins(t *testing.T) {
	db := newTestDB(t, filepath.Join(t.TempDir(), "state.db"))
	defer db.Close()

	db.SaveOverride(config.Override{Key: "k", Value: "one"})
	db.SaveOverride(config.Override{Key: "k", Value: "two"})
	if n := db.WriteBuffer.Pending(); n != 1 {
		t.Fatalf("expected 1 pending key, got %d", n)
	}
	db.WriteBuffer.Flush()

	db.SaveOverride(config.Override{Key: "k", Removed: true})
	db.WriteBuffer.Flush()

	got, err := db.LoadOverrides()
	if err != nil {
		t.Fatalf("LoadOverrides failed: %v", err)
	}
	if len(got) != 1 || !got[0].Removed {
		t.Fatalf("expected a single removed override, got %+v", got)
	}
}

func TestConfigPersistsThroughDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	db := newTestDB(t, path)
	cfg := config.New(map[string]string{"vars,greeting": "file"})
	if err := cfg.SetPersister(db); err != nil {
		t.Fatalf("SetPersister failed: %v", err)
	}
	cfg.Put("vars,greeting", "runtime")
	db.Close()

	db = newTestDB(t, path)
	defer db.Close()
	restored := config.New(map[string]string{"vars,greeting": "file"})
	if err := restored.SetPersister(db); err != nil {
		t.Fatalf("SetPersister failed: %v", err)
	}
	if v := restored.GetString("vars,greeting", ""); v != "runtime" {
		t.Fatalf("expected restored override, got %q", v)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	newTestDB(t, path).Close()

	db := newTestDB(t, path)
	defer db.Close()
	version, err := schemaVersion(db.writeConn)
	if err != nil {
		t.Fatalf("schemaVersion failed: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected schema version 1, got %d", version)
	}
}

func TestLoadMigrationsOrdering(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/010_later.sql": {Data: []byte("SELECT 1;")},
		"migrations/002_first.sql": {Data: []byte("SELECT 1;")},
		"migrations/notes.sql":     {Data: []byte("ignored")},
	}
	got, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("loadMigrations failed: %v", err)
	}
	if len(got) != 2 || got[0].version != 2 || got[1].name != "later" {
		t.Fatalf("unexpected migrations: %+v", got)
	}

	fsys["migrations/002_dup.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	if _, err := loadMigrations(fsys); err == nil {
		t.Fatalf("expected duplicate version error")
	}
}
