package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"tankwatch/internal/model"
)

var (
	ErrMalformed   = errors.New("malformed reading payload")
	ErrMissingTank = errors.New("tank_id missing")
)

type rawReading struct {
	SensorID json.RawMessage `json:"sensor_id"`
	O2       *float64        `json:"O2"`
	CO       *float64        `json:"CO"`
	LEL      *float64        `json:"LEL"`
	H2S      *float64        `json:"H2S"`
}

type rawBatch struct {
	TankID   json.RawMessage `json:"tank_id"`
	Readings []rawReading    `json:"readings"`
}

// DecodeBatch parses one inbound payload of the shape
// {"tank_id": ..., "readings": [{"sensor_id": ..., "O2": ..., ...}]}.
// Readings without a sensor id are skipped.
func DecodeBatch(payload []byte) (model.Batch, error) {
	var raw rawBatch
	if err := json.Unmarshal(payload, &raw); err != nil {
		return model.Batch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	tankID, err := identifier(raw.TankID)
	if err != nil {
		return model.Batch{}, fmt.Errorf("%w: tank_id: %v", ErrMalformed, err)
	}
	if tankID == "" {
		return model.Batch{}, ErrMissingTank
	}
	batch := model.Batch{TankID: tankID, Readings: make([]model.SensorReading, 0, len(raw.Readings))}
	for _, r := range raw.Readings {
		sensorID, err := identifier(r.SensorID)
		if err != nil {
			return model.Batch{}, fmt.Errorf("%w: sensor_id: %v", ErrMalformed, err)
		}
		if sensorID == "" {
			continue
		}
		batch.Readings = append(batch.Readings, model.SensorReading{
			SensorID: sensorID,
			Values: model.GasValues{
				O2:  finite(r.O2),
				CO:  finite(r.CO),
				LEL: finite(r.LEL),
				H2S: finite(r.H2S),
			},
		})
	}
	return batch, nil
}

// identifier accepts a JSON string or number and returns its canonical text.
func identifier(raw json.RawMessage) (string, error) {
	trim := strings.TrimSpace(string(raw))
	if trim == "" || trim == "null" {
		return "", nil
	}
	if trim[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	if f, err := n.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return n.String(), nil
}

func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

func ShipID(raw string) string {
	return strings.TrimSpace(raw)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02",
}

// ParseTimestamp accepts RFC3339 and common layouts, or unix seconds/milliseconds.
// Layouts without a zone are read in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

// Window resolves a query time window. Explicit from/to win over minutes;
// minutes counts back from now. Missing bounds stay zero.
func Window(from, to, minutes string, now time.Time, maxMinutes int) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if from != "" {
		if start, err = ParseTimestamp(from, time.UTC); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
		}
	}
	if to != "" {
		if end, err = ParseTimestamp(to, time.UTC); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("to: %w", err)
		}
	}
	if start.IsZero() && minutes != "" {
		m, err := strconv.Atoi(minutes)
		if err != nil || m < 1 || (maxMinutes > 0 && m > maxMinutes) {
			return time.Time{}, time.Time{}, fmt.Errorf("minutes must be between 1 and %d", maxMinutes)
		}
		start = now.Add(-time.Duration(m) * time.Minute)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("to is before from")
	}
	return start, end, nil
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
