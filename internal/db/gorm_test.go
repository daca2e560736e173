package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenGormSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cu-backend.db")
	db, err := OpenGorm(DriverSQLite, path, nil)
	if err != nil {
		t.Fatalf("open gorm sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	if got := sqlDB.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("expected sqlite to be limited to one connection, got %d", got)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}
}

func TestOpenGormInvalidDriver(t *testing.T) {
	if _, err := OpenGorm("invalid", "x", nil); err == nil {
		t.Fatalf("expected invalid driver error")
	}
}

func TestOpenGormPostgresRequiresDSN(t *testing.T) {
	if _, err := OpenGorm(DriverPostgres, "  ", nil); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestOpenGormSQLiteCreatesParentDirectory(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "path", "cu-backend.db")

	db, err := OpenGorm(DriverSQLite, dbPath, nil)
	if err != nil {
		t.Fatalf("open gorm sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("expected parent dir to be created: %v", err)
	}
}

func TestSQLiteFilePath(t *testing.T) {
	cases := []struct {
		dsn    string
		path   string
		isFile bool
	}{
		{dsn: ":memory:", isFile: false},
		{dsn: "file::memory:?cache=shared", isFile: false},
		{dsn: "file:test.db?mode=memory", isFile: false},
		{dsn: "data/cu.db", path: "data/cu.db", isFile: true},
		{dsn: "data/cu.db?_pragma=foreign_keys(1)", path: "data/cu.db", isFile: true},
		{dsn: "file:/tmp/cu.db?cache=shared", path: "/tmp/cu.db", isFile: true},
	}
	for _, tc := range cases {
		path, ok := sqliteFilePath(tc.dsn)
		if ok != tc.isFile || path != tc.path {
			t.Fatalf("sqliteFilePath(%q) = (%q, %v), want (%q, %v)", tc.dsn, path, ok, tc.path, tc.isFile)
		}
	}
}

func TestWithSQLitePragmas(t *testing.T) {
	if got := withSQLitePragmas("cu.db"); got != "cu.db?_pragma=busy_timeout(5000)" {
		t.Fatalf("unexpected dsn %q", got)
	}
	if got := withSQLitePragmas("cu.db?cache=shared"); got != "cu.db?cache=shared&_pragma=busy_timeout(5000)" {
		t.Fatalf("unexpected dsn %q", got)
	}
	if got := withSQLitePragmas("cu.db?_pragma=busy_timeout(100)"); got != "cu.db?_pragma=busy_timeout(100)" {
		t.Fatalf("expected explicit busy_timeout to be kept, got %q", got)
	}
}
