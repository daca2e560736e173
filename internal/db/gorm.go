package db

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultSQLiteDSN   = "cu-backend.db"
	sqliteBusyTimeout  = "busy_timeout(5000)"
	slowQueryThreshold = 500 * time.Millisecond
)

// OpenGorm opens a gorm handle for driver. A nil logger silences gorm's own
// query logging.
func OpenGorm(driver, dsn string, logger *log.Logger) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = DriverSQLite
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if driver == DriverSQLite {
			dsn = defaultSQLiteDSN
		} else {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
	}

	cfg := &gorm.Config{
		Logger:         newGormLogger(logger),
		TranslateError: true,
	}

	switch driver {
	case DriverSQLite:
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		gormDB, err := gorm.Open(sqliteDriver.Open(withSQLitePragmas(dsn)), cfg)
		if err != nil {
			return nil, err
		}
		// sqlite allows one writer; a single connection keeps :memory: databases
		// shared and turns lock contention into queueing.
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		return gormDB, nil
	case DriverPostgres:
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func newGormLogger(logger *log.Logger) gormlogger.Interface {
	if logger == nil {
		return gormlogger.Default.LogMode(gormlogger.Silent)
	}
	return gormlogger.New(logger, gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

func withSQLitePragmas(dsn string) string {
	if strings.EqualFold(dsn, ":memory:") || strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=" + sqliteBusyTimeout
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

func sqliteFilePath(dsn string) (string, bool) {
	raw := strings.TrimSpace(dsn)
	if raw == "" {
		return "", false
	}
	if strings.EqualFold(raw, ":memory:") {
		return "", false
	}
	if strings.HasPrefix(strings.ToLower(raw), "file::memory:") {
		return "", false
	}

	if strings.HasPrefix(strings.ToLower(raw), "file:") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return splitSQLitePath(raw), true
		}
		if strings.EqualFold(strings.TrimSpace(parsed.Query().Get("mode")), "memory") {
			return "", false
		}
		if strings.HasPrefix(strings.ToLower(parsed.Path), ":memory:") {
			return "", false
		}
		if parsed.Path != "" {
			return parsed.Path, true
		}
		if parsed.Opaque != "" {
			return splitSQLitePath(strings.TrimPrefix(raw, "file:")), true
		}
		return "", false
	}

	return splitSQLitePath(raw), true
}

func splitSQLitePath(v string) string {
	if i := strings.Index(v, "?"); i >= 0 {
		return v[:i]
	}
	return v
}
