package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tankwatch/internal/model"
)

func TestMemoryEventsNewestFirstWithFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, 10)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []model.AlarmEvent{
		{ID: "a", Timestamp: base, Kind: model.EventWarning, Severity: model.SeverityWarning, ShipID: "SHIP", TankID: "1"},
		{ID: "b", Timestamp: base.Add(time.Minute), Kind: model.EventDanger, Severity: model.SeverityDanger, ShipID: "SHIP", TankID: "2"},
		{ID: "c", Timestamp: base.Add(2 * time.Minute), Kind: model.EventClear, Severity: model.SeverityOK, ShipID: "OTHER", TankID: "1"},
	}
	for _, ev := range events {
		require.NoError(t, m.AppendEvent(ctx, ev))
	}

	all, err := m.QueryEvents(ctx, model.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	ship, _ := m.QueryEvents(ctx, model.EventFilter{ShipID: "SHIP", Severity: model.SeverityDanger})
	require.Len(t, ship, 1)
	assert.Equal(t, "b", ship[0].ID)

	window, _ := m.QueryEvents(ctx, model.EventFilter{From: base.Add(30 * time.Second), Limit: 1})
	require.Len(t, window, 1)
	assert.Equal(t, "c", window[0].ID)
}

func TestMemoryRingEvictsOldest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2, 3)
	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.AppendEvent(ctx, model.AlarmEvent{ID: fmt.Sprint(i), Timestamp: now.Add(time.Duration(i) * time.Second)}))
		require.NoError(t, m.AppendReading(ctx, model.ArchiveEntry{ShipID: "SHIP", TankID: "1", SensorID: fmt.Sprint(i), Timestamp: now.Add(time.Duration(i) * time.Second)}))
	}
	events, _ := m.QueryEvents(ctx, model.EventFilter{})
	require.Len(t, events, 2)
	assert.Equal(t, "4", events[0].ID)

	readings, _ := m.QueryReadings(ctx, "SHIP", "1", time.Time{}, time.Time{})
	require.Len(t, readings, 3)
	assert.Equal(t, "2", readings[0].SensorID, "oldest first")
	assert.Equal(t, "4", readings[2].SensorID)
}

func TestMemoryRingWrapsInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3, 3)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		require.NoError(t, m.AppendEvent(ctx, model.AlarmEvent{ID: fmt.Sprint(i), Timestamp: at}))
		require.NoError(t, m.AppendReading(ctx, model.ArchiveEntry{ShipID: "SHIP", TankID: "1", SensorID: fmt.Sprint(i), Timestamp: at}))
	}

	readings, err := m.QueryReadings(ctx, "SHIP", "1", time.Time{}, time.Time{})
	require.NoError(t, err)
	ids := make([]string, 0, len(readings))
	for _, r := range readings {
		ids = append(ids, r.SensorID)
	}
	assert.Equal(t, []string{"4", "5", "6"}, ids)

	events, err := m.QueryEvents(ctx, model.EventFilter{})
	require.NoError(t, err)
	ids = ids[:0]
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"6", "5", "4"}, ids)

	m.Clear()
	require.NoError(t, m.AppendReading(ctx, model.ArchiveEntry{ShipID: "SHIP", TankID: "1", SensorID: "fresh", Timestamp: at}))
	readings, _ = m.QueryReadings(ctx, "SHIP", "1", time.Time{}, time.Time{})
	require.Len(t, readings, 1)
	assert.Equal(t, "fresh", readings[0].SensorID)
}

func TestMemoryReadingsWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0, 0)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, m.AppendReading(ctx, model.ArchiveEntry{
			ShipID: "SHIP", TankID: "1", SensorID: "S1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Values:    model.GasValues{CO: model.Float(float64(i))},
		}))
	}
	require.NoError(t, m.AppendReading(ctx, model.ArchiveEntry{ShipID: "SHIP", TankID: "2", Timestamp: base}))

	got, err := m.QueryReadings(ctx, "SHIP", "1", base.Add(time.Minute), base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, *got[0].Values.CO)
	assert.Equal(t, 2.0, *got[1].Values.CO)
}

func TestMemoryStateAndOverrides(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0, 0)
	require.NoError(t, m.SaveShipState(ctx, model.ShipState{ShipID: "SHIP", Status: model.StatusWIP}))
	require.NoError(t, m.SaveShipState(ctx, model.ShipState{ShipID: "SHIP", Status: model.StatusDanger, PreviousStatus: model.StatusWIP}))
	states, _ := m.LoadShipStates(ctx)
	require.Len(t, states, 1)
	assert.Equal(t, model.StatusDanger, states[0].Status)

	require.NoError(t, m.SaveOverride(ctx, model.TankOverride{ShipID: "SHIP", TankID: "1", Override: model.ThresholdOverride{DangerCOHigh: model.Float(50)}}))
	ovs, _ := m.LoadOverrides(ctx)
	require.Len(t, ovs, 1)
	assert.Equal(t, 50.0, *ovs[0].Override.DangerCOHigh)

	m.Clear()
	states, _ = m.LoadShipStates(ctx)
	assert.Len(t, states, 1)
}
