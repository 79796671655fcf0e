package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"tankwatch/internal/model"
)

// ring is a bounded buffer that overwrites its oldest item. head is the
// slot of the oldest item once the buffer is full.
type ring[T any] struct {
	buf   []T
	head  int
	limit int
}

func (r *ring[T]) add(v T) {
	if len(r.buf) < r.limit {
		r.buf = append(r.buf, v)
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring[T]) len() int { return len(r.buf) }

// at returns the i-th item, oldest first.
func (r *ring[T]) at(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *ring[T]) reset() {
	r.buf = nil
	r.head = 0
}

// Memory keeps the most recent events and readings in process.
type Memory struct {
	mu        sync.RWMutex
	events    ring[model.AlarmEvent]
	readings  ring[model.ArchiveEntry]
	overrides map[[2]string]model.TankOverride
	states    map[string]model.ShipState
}

func NewMemory(eventLimit, readingLimit int) *Memory {
	if eventLimit <= 0 {
		eventLimit = 1000
	}
	if readingLimit <= 0 {
		readingLimit = 50000
	}
	return &Memory{
		events:    ring[model.AlarmEvent]{limit: eventLimit},
		readings:  ring[model.ArchiveEntry]{limit: readingLimit},
		overrides: make(map[[2]string]model.TankOverride),
		states:    make(map[string]model.ShipState),
	}
}

func (m *Memory) Init(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) AppendReading(_ context.Context, entry model.ArchiveEntry) error {
	entry.Values = entry.Values.Clone()
	m.mu.Lock()
	m.readings.add(entry)
	m.mu.Unlock()
	return nil
}

func (m *Memory) QueryReadings(_ context.Context, shipID, tankID string, from, to time.Time) ([]model.ArchiveEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ArchiveEntry, 0)
	for i := 0; i < m.readings.len(); i++ {
		e := m.readings.at(i)
		if e.ShipID != shipID || e.TankID != tankID {
			continue
		}
		if (!from.IsZero() && e.Timestamp.Before(from)) || (!to.IsZero() && e.Timestamp.After(to)) {
			continue
		}
		e.Values = e.Values.Clone()
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, ev model.AlarmEvent) error {
	m.mu.Lock()
	m.events.add(ev)
	m.mu.Unlock()
	return nil
}

func (m *Memory) QueryEvents(_ context.Context, filter model.EventFilter) ([]model.AlarmEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AlarmEvent, 0)
	for i := m.events.len() - 1; i >= 0; i-- {
		ev := m.events.at(i)
		if !filter.Match(ev) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) SaveOverride(_ context.Context, ov model.TankOverride) error {
	m.mu.Lock()
	m.overrides[[2]string{ov.ShipID, ov.TankID}] = ov
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadOverrides(context.Context) ([]model.TankOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TankOverride, 0, len(m.overrides))
	for _, ov := range m.overrides {
		out = append(out, ov)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShipID != out[j].ShipID {
			return out[i].ShipID < out[j].ShipID
		}
		return out[i].TankID < out[j].TankID
	})
	return out, nil
}

func (m *Memory) SaveShipState(_ context.Context, st model.ShipState) error {
	m.mu.Lock()
	m.states[st.ShipID] = st
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadShipStates(context.Context) ([]model.ShipState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ShipState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShipID < out[j].ShipID })
	return out, nil
}

// Clear drops buffered events and readings. Overrides and ship states stay.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events.reset()
	m.readings.reset()
}
