package model

import "time"

type Status string

const (
	StatusIdle    Status = "Idle"
	StatusWIP     Status = "WIP"
	StatusWarning Status = "Warning"
	StatusDanger  Status = "Danger"
)

// Latched reports whether the status only clears through acknowledgment.
func (s Status) Latched() bool {
	return s == StatusDanger || s == StatusWarning
}

func (s Status) Operational() bool {
	return s == StatusIdle || s == StatusWIP
}

func ParseStatus(v string) (Status, bool) {
	switch Status(v) {
	case StatusIdle, StatusWIP, StatusWarning, StatusDanger:
		return Status(v), true
	}
	return "", false
}

const (
	EventDanger       = "Danger"
	EventWarning      = "Warning"
	EventClear        = "Clear"
	EventAcknowledged = "Acknowledged"
)

const (
	SeverityDanger  = "Danger"
	SeverityWarning = "Warning"
	SeverityOK      = "OK"
)

// GasValues holds one value per gas; nil means the gas is not reported.
type GasValues struct {
	O2  *float64 `json:"O2"`
	CO  *float64 `json:"CO"`
	LEL *float64 `json:"LEL"`
	H2S *float64 `json:"H2S"`
}

func (g GasValues) Empty() bool {
	return g.O2 == nil && g.CO == nil && g.LEL == nil && g.H2S == nil
}

func (g GasValues) Clone() GasValues {
	return GasValues{O2: cloneFloat(g.O2), CO: cloneFloat(g.CO), LEL: cloneFloat(g.LEL), H2S: cloneFloat(g.H2S)}
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

// Float is a convenience for building GasValues literals.
func Float(v float64) *float64 {
	return &v
}

type SensorReading struct {
	SensorID string    `json:"sensor_id"`
	Values   GasValues `json:"values"`
}

type Batch struct {
	TankID   string          `json:"tank_id"`
	Readings []SensorReading `json:"readings"`
}

// Envelope is one transport message addressed to a ship.
type Envelope struct {
	ShipID     string    `json:"ship_id"`
	Source     string    `json:"source,omitempty"`
	Payload    []byte    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

type Aggregates struct {
	Display GasValues `json:"display"`
	Worst   GasValues `json:"worst"`
}

type LiveBucket struct {
	ShipID     string               `json:"ship_id"`
	TankID     string               `json:"tank_id"`
	UpdatedAt  *time.Time           `json:"updated_at"`
	Sensors    map[string]GasValues `json:"sensors"`
	Aggregates Aggregates           `json:"aggregates"`
}

type ThresholdSet struct {
	WarnO2Low     float64 `json:"warn_o2_low" yaml:"warn_o2_low"`
	DangerO2Low   float64 `json:"danger_o2_low" yaml:"danger_o2_low"`
	WarnCOHigh    float64 `json:"warn_co_high" yaml:"warn_co_high"`
	DangerCOHigh  float64 `json:"danger_co_high" yaml:"danger_co_high"`
	WarnLELHigh   float64 `json:"warn_lel_high" yaml:"warn_lel_high"`
	DangerLELHigh float64 `json:"danger_lel_high" yaml:"danger_lel_high"`
	WarnH2SHigh   float64 `json:"warn_h2s_high" yaml:"warn_h2s_high"`
	DangerH2SHigh float64 `json:"danger_h2s_high" yaml:"danger_h2s_high"`
}

// ThresholdOverride is a per-tank partial threshold record.
type ThresholdOverride struct {
	WarnO2Low     *float64 `json:"warn_o2_low,omitempty"`
	DangerO2Low   *float64 `json:"danger_o2_low,omitempty"`
	WarnCOHigh    *float64 `json:"warn_co_high,omitempty"`
	DangerCOHigh  *float64 `json:"danger_co_high,omitempty"`
	WarnLELHigh   *float64 `json:"warn_lel_high,omitempty"`
	DangerLELHigh *float64 `json:"danger_lel_high,omitempty"`
	WarnH2SHigh   *float64 `json:"warn_h2s_high,omitempty"`
	DangerH2SHigh *float64 `json:"danger_h2s_high,omitempty"`
}

type ShipState struct {
	ShipID         string    `json:"ship_id"`
	Status         Status    `json:"status"`
	PreviousStatus Status    `json:"previous_status,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type AlarmEvent struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	Kind      string     `json:"event"`
	Severity  string     `json:"severity,omitempty"`
	ShipID    string     `json:"ship_id,omitempty"`
	TankID    string     `json:"tank_id,omitempty"`
	Detail    string     `json:"details"`
	Worst     *GasValues `json:"worst,omitempty"`
}

type ArchiveEntry struct {
	ShipID    string    `json:"ship_id"`
	TankID    string    `json:"tank_id"`
	SensorID  string    `json:"sensor_id,omitempty"`
	Timestamp time.Time `json:"ts"`
	Values    GasValues `json:"values"`
}

// EventFilter selects alarm events; zero fields do not filter.
type EventFilter struct {
	ShipID   string
	TankID   string
	Severity string
	From     time.Time
	To       time.Time
	Limit    int
}

func (f EventFilter) Match(ev AlarmEvent) bool {
	if f.ShipID != "" && ev.ShipID != f.ShipID {
		return false
	}
	if f.TankID != "" && ev.TankID != f.TankID {
		return false
	}
	if f.Severity != "" && ev.Severity != f.Severity {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	return true
}

// SeverityForKind maps alarm event kinds to their severity; audit kinds have none.
func SeverityForKind(kind string) string {
	switch kind {
	case EventDanger:
		return SeverityDanger
	case EventWarning:
		return SeverityWarning
	case EventClear:
		return SeverityOK
	}
	return ""
}

// TankOverride is a persisted ThresholdOverride keyed by its tank.
type TankOverride struct {
	ShipID    string            `json:"ship_id"`
	TankID    string            `json:"tank_id"`
	Override  ThresholdOverride `json:"override"`
	UpdatedAt time.Time         `json:"updated_at"`
}
