package engine

import (
	"errors"
	"strings"

	"tankwatch/internal/model"
	"tankwatch/internal/registry"
)

var (
	ErrUnknownShip        = errors.New("unknown ship")
	ErrUnknownTank        = errors.New("unknown tank")
	ErrNoAssignedReadings = errors.New("no readings from assigned sensors")
)

// Routed is a batch reduced to readings from sensors assigned to the tank.
type Routed struct {
	ShipID   string
	TankID   string
	Readings []model.SensorReading
	Filtered int
}

// Route checks the batch against the fleet directory. Readings from sensors
// outside the tank's assigned set are untrusted and removed.
func Route(reg *registry.Registry, shipID string, batch model.Batch) (Routed, error) {
	out := Routed{ShipID: shipID, TankID: batch.TankID}
	if !reg.HasShip(shipID) {
		return out, ErrUnknownShip
	}
	assigned, ok := reg.AssignedSensors(shipID, batch.TankID)
	if !ok {
		return out, ErrUnknownTank
	}
	out.Readings = make([]model.SensorReading, 0, len(batch.Readings))
	for _, r := range batch.Readings {
		id := strings.TrimSpace(r.SensorID)
		if _, ok := assigned[id]; !ok || id == "" {
			out.Filtered++
			continue
		}
		r.SensorID = id
		out.Readings = append(out.Readings, r)
	}
	if len(out.Readings) == 0 {
		return out, ErrNoAssignedReadings
	}
	return out, nil
}
