package storage

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tankwatch/internal/model"
)

func openSQLite(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "tankwatch.db") + "?_pragma=busy_timeout(5000)"
	st, err := NewSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(context.Background()))
	return st
}

func TestSQLiteReadingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendReading(ctx, model.ArchiveEntry{ShipID: "SHIP", TankID: "1", SensorID: "S2", Timestamp: base.Add(time.Minute), Values: model.GasValues{CO: model.Float(110)}}))
	require.NoError(t, st.AppendReading(ctx, model.ArchiveEntry{ShipID: "SHIP", TankID: "1", SensorID: "S1", Timestamp: base, Values: model.GasValues{O2: model.Float(20.9), CO: model.Float(5)}}))
	require.NoError(t, st.AppendReading(ctx, model.ArchiveEntry{ShipID: "SHIP", TankID: "2", SensorID: "S3", Timestamp: base}))

	got, err := st.QueryReadings(ctx, "SHIP", "1", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "S1", got[0].SensorID)
	assert.Equal(t, 20.9, *got[0].Values.O2)
	assert.Nil(t, got[0].Values.LEL)
	assert.Equal(t, "S2", got[1].SensorID)
	assert.Nil(t, got[1].Values.O2)
	assert.True(t, got[1].Timestamp.Equal(base.Add(time.Minute)))
}

func TestSQLiteEventsNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	worst := model.GasValues{CO: model.Float(110)}
	require.NoError(t, st.AppendEvent(ctx, model.AlarmEvent{ID: "e1", Timestamp: base, Kind: model.EventDanger, Severity: model.SeverityDanger, ShipID: "SHIP", TankID: "1", Detail: "Danger in tank 1", Worst: &worst}))
	require.NoError(t, st.AppendEvent(ctx, model.AlarmEvent{ID: "e2", Timestamp: base.Add(time.Minute), Kind: model.EventAcknowledged, ShipID: "SHIP", Detail: "ack"}))
	require.NoError(t, st.AppendEvent(ctx, model.AlarmEvent{ID: "e1", Timestamp: base, Kind: model.EventDanger}), "duplicate ids are ignored")

	got, err := st.QueryEvents(ctx, model.EventFilter{ShipID: "SHIP"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].ID)
	assert.Nil(t, got[0].Worst)
	require.NotNil(t, got[1].Worst)
	assert.Equal(t, 110.0, *got[1].Worst.CO)

	danger, err := st.QueryEvents(ctx, model.EventFilter{Severity: model.SeverityDanger, TankID: "1", Limit: 5})
	require.NoError(t, err)
	require.Len(t, danger, 1)
	assert.Equal(t, "e1", danger[0].ID)
}

func TestSQLiteUpserts(t *testing.T) {
	ctx := context.Background()
	st := openSQLite(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, st.SaveShipState(ctx, model.ShipState{ShipID: "SHIP", Status: model.StatusIdle, UpdatedAt: now}))
	require.NoError(t, st.SaveShipState(ctx, model.ShipState{ShipID: "SHIP", Status: model.StatusDanger, PreviousStatus: model.StatusIdle, UpdatedAt: now}))
	states, err := st.LoadShipStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, model.StatusDanger, states[0].Status)
	assert.Equal(t, model.StatusIdle, states[0].PreviousStatus)
	assert.True(t, states[0].UpdatedAt.Equal(now))

	require.NoError(t, st.SaveOverride(ctx, model.TankOverride{ShipID: "SHIP", TankID: "1", Override: model.ThresholdOverride{DangerCOHigh: model.Float(50)}, UpdatedAt: now}))
	require.NoError(t, st.SaveOverride(ctx, model.TankOverride{ShipID: "SHIP", TankID: "1", Override: model.ThresholdOverride{WarnCOHigh: model.Float(20)}, UpdatedAt: now}))
	ovs, err := st.LoadOverrides(ctx)
	require.NoError(t, err)
	require.Len(t, ovs, 1)
	assert.Nil(t, ovs[0].Override.DangerCOHigh, "override record is replaced")
	assert.Equal(t, 20.0, *ovs[0].Override.WarnCOHigh)
}

func TestPostgresRebind(t *testing.T) {
	b := &baseStore{dialect: dialectPostgres}
	assert.Equal(t, "a = $1 AND b = $2 LIMIT $3", b.rebind("a = ? AND b = ? LIMIT ?"))
	s := &baseStore{dialect: dialectSQLite}
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func TestPostgresQueryEventsUsesNumberedPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := &postgresStore{baseStore{db: db, dialect: dialectPostgres}}

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"event_id", "ts_ms", "kind", "severity", "ship_id", "tank_id", "detail", "worst_json"}).
		AddRow("e1", ts.UnixMilli(), "Danger", "Danger", "SHIP", "1", "Danger in tank 1", `{"O2":null,"CO":120,"LEL":null,"H2S":null}`)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM events WHERE 1=1 AND ship_id = $1 AND severity = $2 ORDER BY ts_ms DESC, seq DESC LIMIT $3`)).
		WithArgs("SHIP", "Danger", 10).
		WillReturnRows(rows)

	got, err := st.QueryEvents(context.Background(), model.EventFilter{ShipID: "SHIP", Severity: "Danger", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Timestamp.Equal(ts))
	assert.Equal(t, 120.0, *got[0].Worst.CO)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveShipStateUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := &postgresStore{baseStore{db: db, dialect: dialectPostgres}}

	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ship_states (ship_id, status, previous_status, updated_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ship_id) DO UPDATE`)).
		WithArgs("SHIP", "Danger", "WIP", now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.SaveShipState(context.Background(), model.ShipState{ShipID: "SHIP", Status: model.StatusDanger, PreviousStatus: model.StatusWIP, UpdatedAt: now}))
	require.NoError(t, mock.ExpectationsWereMet())
}
