// Package registry is the read-only view of ships, tanks and sensor
// assignments that the ingestion path trusts. Records are owned by the
// fleet management layer; here they are seeded from configuration.
package registry

import (
	"sort"
	"strings"
	"sync/atomic"

	"tankwatch/internal/config"
	"tankwatch/internal/model"
)

type Ship struct {
	ID     string       `json:"id"`
	Name   string       `json:"name,omitempty"`
	Status model.Status `json:"status"`
	Tanks  []Tank       `json:"tanks"`
}

type Tank struct {
	ID      string   `json:"id"`
	Type    string   `json:"type,omitempty"`
	Sensors []string `json:"sensors"`
}

type snapshot struct {
	ships   map[string]Ship
	sensors map[string]map[string]map[string]struct{}
	order   []string
}

type Registry struct {
	snap atomic.Pointer[snapshot]
}

func New(fleet config.FleetConfig) *Registry {
	r := &Registry{}
	r.Update(fleet)
	return r
}

// Update swaps in a new fleet snapshot.
func (r *Registry) Update(fleet config.FleetConfig) {
	s := &snapshot{
		ships:   make(map[string]Ship, len(fleet.Ships)),
		sensors: make(map[string]map[string]map[string]struct{}, len(fleet.Ships)),
	}
	for _, sc := range fleet.Ships {
		status, ok := model.ParseStatus(sc.Status)
		if !ok || !status.Operational() {
			status = model.StatusIdle
		}
		ship := Ship{ID: sc.ID, Name: sc.Name, Status: status, Tanks: make([]Tank, 0, len(sc.Tanks))}
		tanks := make(map[string]map[string]struct{}, len(sc.Tanks))
		for _, tc := range sc.Tanks {
			set := buildSensorSet(tc.Sensors)
			ids := make([]string, 0, len(set))
			for id := range set {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			ship.Tanks = append(ship.Tanks, Tank{ID: tc.ID, Type: tc.Type, Sensors: ids})
			tanks[tc.ID] = set
		}
		s.ships[sc.ID] = ship
		s.sensors[sc.ID] = tanks
		s.order = append(s.order, sc.ID)
	}
	r.snap.Store(s)
}

func buildSensorSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func (r *Registry) load() *snapshot {
	if s := r.snap.Load(); s != nil {
		return s
	}
	return &snapshot{}
}

func (r *Registry) Ship(id string) (Ship, bool) {
	ship, ok := r.load().ships[id]
	return ship, ok
}

func (r *Registry) HasShip(id string) bool {
	_, ok := r.load().ships[id]
	return ok
}

// AssignedSensors returns the tank's sensor set; ok is false when the tank
// does not belong to the ship. The returned map must not be modified.
func (r *Registry) AssignedSensors(shipID, tankID string) (map[string]struct{}, bool) {
	tanks, ok := r.load().sensors[shipID]
	if !ok {
		return nil, false
	}
	set, ok := tanks[tankID]
	return set, ok
}

// Ships returns ships in configuration order.
func (r *Registry) Ships() []Ship {
	s := r.load()
	out := make([]Ship, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.ships[id])
	}
	return out
}
