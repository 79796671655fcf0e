package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tankwatch/internal/model"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// baseStore holds the queries shared by the SQL drivers. Queries are written
// with '?' placeholders and rebound for postgres.
type baseStore struct {
	db      *sql.DB
	dialect dialect
	schema  []string
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) rebind(query string) string {
	if b.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *baseStore) AppendReading(ctx context.Context, e model.ArchiveEntry) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO readings (ts_ms, ship_id, tank_id, sensor_id, o2, co, lel, h2s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.Timestamp.UnixMilli(),
		e.ShipID,
		e.TankID,
		e.SensorID,
		nullFloat(e.Values.O2),
		nullFloat(e.Values.CO),
		nullFloat(e.Values.LEL),
		nullFloat(e.Values.H2S),
	)
	return err
}

func (b *baseStore) QueryReadings(ctx context.Context, shipID, tankID string, from, to time.Time) ([]model.ArchiveEntry, error) {
	if b.db == nil {
		return nil, nil
	}
	query := `SELECT ts_ms, sensor_id, o2, co, lel, h2s FROM readings WHERE ship_id = ? AND tank_id = ?`
	args := []any{shipID, tankID}
	if !from.IsZero() {
		query += ` AND ts_ms >= ?`
		args = append(args, from.UnixMilli())
	}
	if !to.IsZero() {
		query += ` AND ts_ms <= ?`
		args = append(args, to.UnixMilli())
	}
	query += ` ORDER BY ts_ms ASC, seq ASC`
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.ArchiveEntry, 0)
	for rows.Next() {
		var (
			tsMs             int64
			sensorID         string
			o2, co, lel, h2s sql.NullFloat64
		)
		if err := rows.Scan(&tsMs, &sensorID, &o2, &co, &lel, &h2s); err != nil {
			return nil, err
		}
		out = append(out, model.ArchiveEntry{
			ShipID:    shipID,
			TankID:    tankID,
			SensorID:  sensorID,
			Timestamp: time.UnixMilli(tsMs).UTC(),
			Values:    model.GasValues{O2: floatPtr(o2), CO: floatPtr(co), LEL: floatPtr(lel), H2S: floatPtr(h2s)},
		})
	}
	return out, rows.Err()
}

func (b *baseStore) AppendEvent(ctx context.Context, ev model.AlarmEvent) error {
	if b.db == nil {
		return nil
	}
	var worst sql.NullString
	if ev.Worst != nil {
		worst = sql.NullString{String: encodeJSON(ev.Worst), Valid: true}
	}
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO events (event_id, ts_ms, kind, severity, ship_id, tank_id, detail, worst_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`),
		ev.ID,
		ev.Timestamp.UnixMilli(),
		ev.Kind,
		ev.Severity,
		ev.ShipID,
		ev.TankID,
		ev.Detail,
		worst,
	)
	return err
}

func (b *baseStore) QueryEvents(ctx context.Context, f model.EventFilter) ([]model.AlarmEvent, error) {
	if b.db == nil {
		return nil, nil
	}
	query := `SELECT event_id, ts_ms, kind, severity, ship_id, tank_id, detail, worst_json FROM events WHERE 1=1`
	args := make([]any, 0, 6)
	if f.ShipID != "" {
		query += ` AND ship_id = ?`
		args = append(args, f.ShipID)
	}
	if f.TankID != "" {
		query += ` AND tank_id = ?`
		args = append(args, f.TankID)
	}
	if f.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, f.Severity)
	}
	if !f.From.IsZero() {
		query += ` AND ts_ms >= ?`
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		query += ` AND ts_ms <= ?`
		args = append(args, f.To.UnixMilli())
	}
	query += ` ORDER BY ts_ms DESC, seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.AlarmEvent, 0)
	for rows.Next() {
		var (
			ev    model.AlarmEvent
			tsMs  int64
			worst sql.NullString
		)
		if err := rows.Scan(&ev.ID, &tsMs, &ev.Kind, &ev.Severity, &ev.ShipID, &ev.TankID, &ev.Detail, &worst); err != nil {
			return nil, err
		}
		ev.Timestamp = time.UnixMilli(tsMs).UTC()
		if worst.Valid && worst.String != "" {
			var g model.GasValues
			if err := json.Unmarshal([]byte(worst.String), &g); err != nil {
				return nil, fmt.Errorf("decode event %s: %w", ev.ID, err)
			}
			ev.Worst = &g
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (b *baseStore) SaveOverride(ctx context.Context, ov model.TankOverride) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO threshold_overrides (ship_id, tank_id, override_json, updated_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (ship_id, tank_id) DO UPDATE SET override_json = excluded.override_json, updated_ms = excluded.updated_ms`),
		ov.ShipID,
		ov.TankID,
		encodeJSON(ov.Override),
		ov.UpdatedAt.UnixMilli(),
	)
	return err
}

func (b *baseStore) LoadOverrides(ctx context.Context) ([]model.TankOverride, error) {
	if b.db == nil {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT ship_id, tank_id, override_json, updated_ms FROM threshold_overrides ORDER BY ship_id, tank_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.TankOverride, 0)
	for rows.Next() {
		var (
			ov   model.TankOverride
			raw  string
			upMs int64
		)
		if err := rows.Scan(&ov.ShipID, &ov.TankID, &raw, &upMs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &ov.Override); err != nil {
			return nil, fmt.Errorf("decode override %s/%s: %w", ov.ShipID, ov.TankID, err)
		}
		ov.UpdatedAt = time.UnixMilli(upMs).UTC()
		out = append(out, ov)
	}
	return out, rows.Err()
}

func (b *baseStore) SaveShipState(ctx context.Context, st model.ShipState) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO ship_states (ship_id, status, previous_status, updated_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (ship_id) DO UPDATE SET status = excluded.status, previous_status = excluded.previous_status, updated_ms = excluded.updated_ms`),
		st.ShipID,
		string(st.Status),
		string(st.PreviousStatus),
		st.UpdatedAt.UnixMilli(),
	)
	return err
}

func (b *baseStore) LoadShipStates(ctx context.Context) ([]model.ShipState, error) {
	if b.db == nil {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT ship_id, status, previous_status, updated_ms FROM ship_states ORDER BY ship_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.ShipState, 0)
	for rows.Next() {
		var (
			st           model.ShipState
			status, prev string
			upMs         int64
		)
		if err := rows.Scan(&st.ShipID, &status, &prev, &upMs); err != nil {
			return nil, err
		}
		st.Status = model.Status(status)
		st.PreviousStatus = model.Status(prev)
		st.UpdatedAt = time.UnixMilli(upMs).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	out := v.Float64
	return &out
}
