package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestOpen_CreatesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	for i := range 3 {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() #%d failed: %v", i, err)
		}
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM packets").Scan(&n); err != nil {
			t.Errorf("Open() #%d: packets not queryable: %v", i, err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("Close() #%d failed: %v", i, err)
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("journal file missing: %v", err)
	}
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer s.Close()

	// A single connection keeps every statement on the same in-memory database.
	if _, err := s.db.Exec(`INSERT INTO floors (grp, floor) VALUES ('g', 4)`); err != nil {
		t.Fatal(err)
	}
	var floor int
	if err := s.db.QueryRow(`SELECT floor FROM floors WHERE grp = 'g'`).Scan(&floor); err != nil {
		t.Fatalf("row written on one statement not visible on the next: %v", err)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	if _, err := Open("/nonexistent/dir/journal.db"); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose(t *testing.T) {
	if err := (&Store{}).Close(); err != nil {
		t.Errorf("Close() on a zero Store: %v", err)
	}

	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("first Close() failed: %v", err)
	}
	_ = s.Close()
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		pragma string
		want   string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.pragma, func(t *testing.T) {
			if err := s.verifyPragma(tt.pragma, tt.want); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestSchema_Tables(t *testing.T) {
	s := createTestStore(t)

	expected := map[string][]string{
		"packets": {"grp", "seq", "kind", "entry", "txn", "body", "digest"},
		"floors":  {"grp", "floor"},
		"acks":    {"grp", "target", "lane", "seq"},
		"resync":  {"grp", "target"},
	}
	for table, want := range expected {
		columns := tableColumns(t, s.db, table)
		for _, col := range want {
			if !slices.Contains(columns, col) {
				t.Errorf("%s table missing column %q (has %v)", table, col, columns)
			}
		}
	}
}

func TestMigrations(t *testing.T) {
	t.Run("fresh", func(t *testing.T) {
		s := createTestStore(t)
		assertMigrated(t, s.db)
	})

	t.Run("from_v0", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "journal.db")

		// Tables without the v1 index and no version stamp.
		db, err := sql.Open("sqlite3", path)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(schemaSQL); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
		if _, err := db.Exec("PRAGMA user_version = 0"); err != nil {
			t.Fatal(err)
		}
		db.Close()

		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		defer s.Close()
		assertMigrated(t, s.db)
	})
}

func assertMigrated(t *testing.T, db *sql.DB) {
	t.Helper()

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}

	var index string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'idx_packets_txn'`).Scan(&index)
	if err != nil {
		t.Errorf("idx_packets_txn missing: %v", err)
	}
}

func tableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		t.Fatalf("table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan column: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}
