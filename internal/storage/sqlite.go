package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:tankwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc serializes writers per connection; one avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, dialect: dialectSQLite, schema: sqliteSchema}}, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS readings (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		ts_ms INTEGER NOT NULL,
		ship_id TEXT NOT NULL,
		tank_id TEXT NOT NULL,
		sensor_id TEXT NOT NULL,
		o2 REAL,
		co REAL,
		lel REAL,
		h2s REAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_tank_ts ON readings(ship_id, tank_id, ts_ms)`,
	`CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		ts_ms INTEGER NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		ship_id TEXT NOT NULL,
		tank_id TEXT NOT NULL,
		detail TEXT NOT NULL,
		worst_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ms)`,
	`CREATE TABLE IF NOT EXISTS threshold_overrides (
		ship_id TEXT NOT NULL,
		tank_id TEXT NOT NULL,
		override_json TEXT NOT NULL,
		updated_ms INTEGER NOT NULL,
		PRIMARY KEY (ship_id, tank_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ship_states (
		ship_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		previous_status TEXT NOT NULL DEFAULT '',
		updated_ms INTEGER NOT NULL
	)`,
}
