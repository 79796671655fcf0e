// Package alarm owns every ship's alarm status. Danger and Warning latch
// until an operator acknowledges them.
package alarm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tankwatch/internal/model"
)

var (
	ErrLatched       = errors.New("ship alarm is latched")
	ErrInvalidStatus = errors.New("status must be Idle or WIP")
)

type Level int

const (
	LevelOK Level = iota
	LevelWarning
	LevelDanger
)

func (l Level) String() string {
	switch l {
	case LevelDanger:
		return "danger"
	case LevelWarning:
		return "warning"
	}
	return "ok"
}

type Input struct {
	ShipID     string
	TankID     string
	Worst      model.GasValues
	Thresholds model.ThresholdSet
	// ShipSafe gates Clear on the rest of the ship. Callers that do not
	// gate on other tanks set it to true.
	ShipSafe bool
}

// Transition describes the effect of one evaluation or operator action.
// Event is nil when nothing was emitted.
type Transition struct {
	Before model.ShipState
	After  model.ShipState
	Level  Level
	Event  *model.AlarmEvent
}

func (t Transition) Changed() bool {
	return t.Before.Status != t.After.Status || t.Before.PreviousStatus != t.After.PreviousStatus
}

type shipEntry struct {
	mu        sync.Mutex
	state     model.ShipState
	clearSent bool
}

type Machine struct {
	mu        sync.RWMutex
	ships     map[string]*shipEntry
	clearOnce bool
	newID     func() string
}

type Option func(*Machine)

// WithClearOnce emits Clear once per latched safe stretch instead of on
// every safe evaluation.
func WithClearOnce(enabled bool) Option {
	return func(m *Machine) { m.clearOnce = enabled }
}

func WithIDFunc(fn func() string) Option {
	return func(m *Machine) {
		if fn != nil {
			m.newID = fn
		}
	}
}

func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		ships: make(map[string]*shipEntry),
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) SetClearOnce(enabled bool) {
	m.mu.Lock()
	m.clearOnce = enabled
	m.mu.Unlock()
}

func (m *Machine) entry(shipID string) *shipEntry {
	m.mu.RLock()
	e, ok := m.ships[shipID]
	m.mu.RUnlock()
	if ok {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.ships[shipID]; ok {
		return e
	}
	e = &shipEntry{state: model.ShipState{ShipID: shipID, Status: model.StatusIdle}}
	m.ships[shipID] = e
	return e
}

// Seed registers a ship with its initial status. Ships already known keep
// their current state.
func (m *Machine) Seed(shipID string, status model.Status, at time.Time) {
	if !status.Operational() {
		status = model.StatusIdle
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ships[shipID]; ok {
		return
	}
	m.ships[shipID] = &shipEntry{state: model.ShipState{ShipID: shipID, Status: status, UpdatedAt: at.UTC()}}
}

// Restore overwrites ship states with persisted ones.
func (m *Machine) Restore(states []model.ShipState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range states {
		if st.ShipID == "" {
			continue
		}
		if _, ok := model.ParseStatus(string(st.Status)); !ok {
			continue
		}
		m.ships[st.ShipID] = &shipEntry{state: st}
	}
}

func (m *Machine) State(shipID string) (model.ShipState, bool) {
	m.mu.RLock()
	e, ok := m.ships[shipID]
	m.mu.RUnlock()
	if !ok {
		return model.ShipState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

func (m *Machine) States() []model.ShipState {
	m.mu.RLock()
	entries := make([]*shipEntry, 0, len(m.ships))
	for _, e := range m.ships {
		entries = append(entries, e)
	}
	m.mu.RUnlock()
	out := make([]model.ShipState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShipID < out[j].ShipID })
	return out
}

// Evaluate applies one ingestion result to the ship's status.
func (m *Machine) Evaluate(in Input, at time.Time) Transition {
	level, reasons := assess(in.Worst, in.Thresholds)
	m.mu.RLock()
	clearOnce := m.clearOnce
	m.mu.RUnlock()

	e := m.entry(in.ShipID)
	e.mu.Lock()
	defer e.mu.Unlock()

	tr := Transition{Before: e.state, Level: level}
	cur := e.state.Status
	switch {
	case level == LevelDanger:
		e.clearSent = false
		if cur != model.StatusDanger {
			e.state.PreviousStatus = cur
			e.state.Status = model.StatusDanger
			e.state.UpdatedAt = at.UTC()
			tr.Event = m.event(model.EventDanger, in, at, describe(model.EventDanger, in.TankID, reasons))
		}
	case level == LevelWarning:
		e.clearSent = false
		if !cur.Latched() {
			e.state.Status = model.StatusWarning
			e.state.UpdatedAt = at.UTC()
			tr.Event = m.event(model.EventWarning, in, at, describe(model.EventWarning, in.TankID, reasons))
		}
	case cur.Latched() && in.ShipSafe:
		if clearOnce && e.clearSent {
			break
		}
		e.clearSent = true
		detail := fmt.Sprintf("All gases within safe limits in tank %s; %s remains latched until acknowledged", in.TankID, cur)
		tr.Event = m.event(model.EventClear, in, at, detail)
	}
	tr.After = e.state
	return tr
}

// Acknowledge restores the status saved on Danger entry, or Idle.
func (m *Machine) Acknowledge(shipID, actor string, at time.Time) Transition {
	e := m.entry(shipID)
	e.mu.Lock()
	defer e.mu.Unlock()

	tr := Transition{Before: e.state}
	next := e.state.PreviousStatus
	if next == "" {
		next = model.StatusIdle
	}
	e.state.Status = next
	e.state.PreviousStatus = ""
	e.state.UpdatedAt = at.UTC()
	e.clearSent = false
	tr.After = e.state

	detail := fmt.Sprintf("Ship %s acknowledged: %s -> %s", shipID, tr.Before.Status, next)
	if actor != "" {
		detail += " by " + actor
	}
	tr.Event = &model.AlarmEvent{
		ID:        m.newID(),
		Timestamp: at.UTC(),
		Kind:      model.EventAcknowledged,
		ShipID:    shipID,
		Detail:    detail,
	}
	return tr
}

// SetOperational switches between Idle and WIP. Latched alarms must be
// acknowledged first.
func (m *Machine) SetOperational(shipID string, status model.Status, at time.Time) (Transition, error) {
	if !status.Operational() {
		return Transition{}, ErrInvalidStatus
	}
	e := m.entry(shipID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status.Latched() {
		return Transition{Before: e.state, After: e.state}, fmt.Errorf("%w: %s is %s", ErrLatched, shipID, e.state.Status)
	}
	tr := Transition{Before: e.state}
	e.state.Status = status
	e.state.UpdatedAt = at.UTC()
	tr.After = e.state
	return tr, nil
}

// Reset forgets every ship. Seeded ships must be seeded again.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.ships = make(map[string]*shipEntry)
	m.mu.Unlock()
}

func (m *Machine) event(kind string, in Input, at time.Time, detail string) *model.AlarmEvent {
	worst := in.Worst.Clone()
	return &model.AlarmEvent{
		ID:        m.newID(),
		Timestamp: at.UTC(),
		Kind:      kind,
		Severity:  model.SeverityForKind(kind),
		ShipID:    in.ShipID,
		TankID:    in.TankID,
		Detail:    detail,
		Worst:     &worst,
	}
}

// Classify grades worst-case values against thresholds. Danger dominates
// Warning; absent gases are not checked.
func Classify(worst model.GasValues, t model.ThresholdSet) Level {
	level, _ := assess(worst, t)
	return level
}

func assess(worst model.GasValues, t model.ThresholdSet) (Level, []string) {
	var danger, warn []string
	check := func(name, unit string, v *float64, warnAt, dangerAt float64, low bool) {
		if v == nil {
			return
		}
		op := ">="
		breach := func(limit float64) bool { return *v >= limit }
		if low {
			op = "<="
			breach = func(limit float64) bool { return *v <= limit }
		}
		switch {
		case breach(dangerAt):
			danger = append(danger, fmt.Sprintf("%s=%.1f%s %s %.1f", name, *v, unit, op, dangerAt))
		case breach(warnAt):
			warn = append(warn, fmt.Sprintf("%s=%.1f%s %s %.1f", name, *v, unit, op, warnAt))
		}
	}
	check("O2", "%", worst.O2, t.WarnO2Low, t.DangerO2Low, true)
	check("CO", "ppm", worst.CO, t.WarnCOHigh, t.DangerCOHigh, false)
	check("LEL", "%", worst.LEL, t.WarnLELHigh, t.DangerLELHigh, false)
	check("H2S", "ppm", worst.H2S, t.WarnH2SHigh, t.DangerH2SHigh, false)
	switch {
	case len(danger) > 0:
		return LevelDanger, danger
	case len(warn) > 0:
		return LevelWarning, warn
	}
	return LevelOK, nil
}

func describe(kind, tankID string, reasons []string) string {
	return fmt.Sprintf("%s in tank %s: %s", kind, tankID, strings.Join(reasons, ", "))
}
