package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// DB wraps sql.DB for SQLite or Postgres.
type DB struct {
	Client *sql.DB
	Driver string
}

// NewDB opens the database, applies the schema and seeds defaults.
func NewDB(ctx context.Context, driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		if dsn == ":memory:" {
			break
		}
		if !strings.HasPrefix(dsn, "file:") {
			if dir := filepath.Dir(dsn); dir != "." {
				_ = os.MkdirAll(dir, 0o755)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite serialises writers; a single conn also keeps :memory: databases alive
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{Client: db, Driver: driver}, nil
}

// Healthy verifies database connectivity.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

func migrate(ctx context.Context, db *sql.DB, driver string) error {
	schema := sqliteSchema
	if driver == DriverPostgres {
		schema = postgresSchema
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES ('scheduleStart', '07:00') ON CONFLICT (key) DO NOTHING`)
	return err
}

// The attendance_logs unique index folds NULL student ids to 0 so orphan
// punches deduplicate on timestamp exactly like matched ones.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS students (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	name           TEXT NOT NULL,
	national_id    TEXT,
	guardian_phone TEXT,
	class          TEXT,
	section        TEXT,
	device_user_id TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_students_national_id ON students(national_id) WHERE national_id IS NOT NULL AND national_id <> '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_students_device_user_id ON students(device_user_id) WHERE device_user_id IS NOT NULL AND device_user_id <> '';

CREATE TABLE IF NOT EXISTS attendance_logs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	student_id   INTEGER REFERENCES students(id),
	timestamp    TEXT NOT NULL,
	status       TEXT,
	late_minutes INTEGER DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_attendance_logs_student_ts ON attendance_logs ((COALESCE(student_id, 0)), timestamp);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS device_logs (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	status    TEXT,
	message   TEXT
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS students (
	id             BIGSERIAL PRIMARY KEY,
	name           TEXT NOT NULL,
	national_id    TEXT,
	guardian_phone TEXT,
	class          TEXT,
	section        TEXT,
	device_user_id TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_students_national_id ON students(national_id) WHERE national_id IS NOT NULL AND national_id <> '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_students_device_user_id ON students(device_user_id) WHERE device_user_id IS NOT NULL AND device_user_id <> '';

CREATE TABLE IF NOT EXISTS attendance_logs (
	id           BIGSERIAL PRIMARY KEY,
	student_id   BIGINT REFERENCES students(id),
	timestamp    TEXT NOT NULL,
	status       TEXT,
	late_minutes INTEGER DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_attendance_logs_student_ts ON attendance_logs ((COALESCE(student_id, 0)), timestamp);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS device_logs (
	id        BIGSERIAL PRIMARY KEY,
	timestamp TEXT NOT NULL,
	status    TEXT,
	message   TEXT
);
`
