package db

import (
	"context"
	"os"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/lummia/lummia/migrations"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"001_reference.sql":     {Data: []byte("CREATE TABLE cnae (code TEXT PRIMARY KEY);")},
		"002_environmental.sql": {Data: []byte("CREATE TABLE environmental_entry (id BIGSERIAL);")},
		"003_exemptions.sql":    {Data: []byte("ALTER TABLE cnae ADD COLUMN project_exempt BOOLEAN;")},
	}

	migrator := NewMigrator(nil, files)
	migs, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migs) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migs))
	}
	if migs[0].Version != 1 {
		t.Errorf("expected version 1, got %d", migs[0].Version)
	}
	if migs[0].Name != "001_reference.sql" {
		t.Errorf("expected name 001_reference.sql, got %s", migs[0].Name)
	}
	if migs[0].SQL != "CREATE TABLE cnae (code TEXT PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migs[0].SQL)
	}
	if migs[1].Version != 2 || migs[2].Version != 3 {
		t.Errorf("unexpected versions %d, %d", migs[1].Version, migs[2].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	files := fstest.MapFS{
		"010_late.sql":  {Data: []byte("SELECT 10;")},
		"002_mid.sql":   {Data: []byte("SELECT 2;")},
		"001_first.sql": {Data: []byte("SELECT 1;")},
	}

	migs, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	want := []int{1, 2, 10}
	for i, v := range want {
		if migs[i].Version != v {
			t.Errorf("position %d: expected version %d, got %d", i, v, migs[i].Version)
		}
	}
}

func TestLoadMigrations_InvalidFilename(t *testing.T) {
	files := fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.md":          {Data: []byte("docs")},
		"noversion.sql":      {Data: []byte("SELECT 2;")},
		"abc_notnumeric.sql": {Data: []byte("SELECT 3;")},
		"sub/002_nested.sql": {Data: []byte("SELECT 4;")},
	}

	migs, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(migs))
	}
	if migs[0].Name != "001_valid.sql" {
		t.Errorf("expected 001_valid.sql, got %s", migs[0].Name)
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migs, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migs))
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	migrator := NewMigrator(nil, os.DirFS("/nonexistent/path/that/does/not/exist"))
	if _, err := migrator.LoadMigrations(); err == nil {
		t.Error("expected error for non-existent directory")
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migs, err := NewMigrator(nil, migrations.FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) == 0 {
		t.Fatal("expected embedded migrations")
	}
	if migs[0].Version != 1 {
		t.Errorf("expected first version 1, got %d", migs[0].Version)
	}
	for _, table := range []string{"cnae", "question", "answer_option", "cnae_question", "environmental_entry"} {
		if !strings.Contains(migs[0].SQL, "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Errorf("expected %s table in %s", table, migs[0].Name)
		}
	}
}

func TestPending(t *testing.T) {
	migs := []Migration{{Version: 1}, {Version: 2}, {Version: 3}, {Version: 4}}

	got := pending(migs, map[int]bool{1: true, 3: true}, 0)
	if len(got) != 2 || got[0].Version != 2 || got[1].Version != 4 {
		t.Errorf("unexpected pending set %+v", got)
	}

	got = pending(migs, map[int]bool{1: true}, 3)
	if len(got) != 2 || got[0].Version != 2 || got[1].Version != 3 {
		t.Errorf("expected versions 2 and 3 up to target, got %+v", got)
	}

	if got := pending(migs, map[int]bool{1: true, 2: true, 3: true, 4: true}, 0); len(got) != 0 {
		t.Errorf("expected nothing pending, got %+v", got)
	}
}

func TestBuildStatus(t *testing.T) {
	migs := []Migration{
		{Version: 1, Name: "001_reference.sql"},
		{Version: 2, Name: "002_environmental.sql"},
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	statuses := buildStatus(migs, map[int]time.Time{1: at})
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected 001 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected 002 pending, got %+v", statuses[1])
	}
	if statuses[1].Name != "002_environmental.sql" {
		t.Errorf("unexpected name %s", statuses[1].Name)
	}
}

func TestNewMigrator(t *testing.T) {
	files := fstest.MapFS{}
	m := NewMigrator(nil, files)
	if m == nil {
		t.Fatal("expected non-nil Migrator")
	}
	if m.pool != nil {
		t.Error("expected nil pool")
	}
}

func TestEnsureSchema_InvalidName(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{})
	for _, schema := range []string{"", "Shared", "tenant-x", "x; DROP SCHEMA public"} {
		if err := m.EnsureSchema(context.Background(), schema); err == nil {
			t.Errorf("expected error for schema %q", schema)
		}
	}
}
