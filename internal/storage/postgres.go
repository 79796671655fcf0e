package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/tankwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, dialect: dialectPostgres, schema: postgresSchema}}, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS readings (
		seq BIGSERIAL PRIMARY KEY,
		ts_ms BIGINT NOT NULL,
		ship_id TEXT NOT NULL,
		tank_id TEXT NOT NULL,
		sensor_id TEXT NOT NULL,
		o2 DOUBLE PRECISION,
		co DOUBLE PRECISION,
		lel DOUBLE PRECISION,
		h2s DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_tank_ts ON readings(ship_id, tank_id, ts_ms)`,
	`CREATE TABLE IF NOT EXISTS events (
		seq BIGSERIAL PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		ts_ms BIGINT NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		ship_id TEXT NOT NULL,
		tank_id TEXT NOT NULL,
		detail TEXT NOT NULL,
		worst_json JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ms)`,
	`CREATE TABLE IF NOT EXISTS threshold_overrides (
		ship_id TEXT NOT NULL,
		tank_id TEXT NOT NULL,
		override_json JSONB NOT NULL,
		updated_ms BIGINT NOT NULL,
		PRIMARY KEY (ship_id, tank_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ship_states (
		ship_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		previous_status TEXT NOT NULL DEFAULT '',
		updated_ms BIGINT NOT NULL
	)`,
}
