package registry

import (
	"testing"

	"tankwatch/internal/config"
	"tankwatch/internal/model"
)

func testFleet() config.FleetConfig {
	return config.FleetConfig{Ships: []config.ShipConfig{
		{ID: "MTGREATMANTA", Name: "MT Great Manta", Status: "WIP", Tanks: []config.TankConfig{
			{ID: "1", Type: "BALLAST", Sensors: []string{"S2", " S1 ", ""}},
			{ID: "2", Type: "HFO"},
		}},
		{ID: "KRISHNA", Status: "Danger"},
	}}
}

func TestRegistryLookups(t *testing.T) {
	r := New(testFleet())
	if !r.HasShip("MTGREATMANTA") || r.HasShip("GHOST") {
		t.Fatalf("ship lookup mismatch")
	}
	set, ok := r.AssignedSensors("MTGREATMANTA", "1")
	if !ok || len(set) != 2 {
		t.Fatalf("expected two sensors, got %v ok=%v", set, ok)
	}
	if _, ok := set["S1"]; !ok {
		t.Fatalf("sensor ids should be trimmed")
	}
	if _, ok := r.AssignedSensors("MTGREATMANTA", "9"); ok {
		t.Fatalf("tank 9 does not belong to the ship")
	}
	if _, ok := r.AssignedSensors("KRISHNA", "1"); ok {
		t.Fatalf("tank 1 belongs to another ship")
	}
	ship, _ := r.Ship("MTGREATMANTA")
	if ship.Status != model.StatusWIP || ship.Tanks[0].Sensors[0] != "S1" {
		t.Fatalf("unexpected ship: %+v", ship)
	}
	krishna, _ := r.Ship("KRISHNA")
	if krishna.Status != model.StatusIdle {
		t.Fatalf("latched seed status should fall back to Idle, got %s", krishna.Status)
	}
}

func TestRegistryUpdateSwapsSnapshot(t *testing.T) {
	r := New(testFleet())
	r.Update(config.FleetConfig{Ships: []config.ShipConfig{{ID: "NEW", Tanks: []config.TankConfig{{ID: "A", Sensors: []string{"X"}}}}}})
	if r.HasShip("MTGREATMANTA") {
		t.Fatalf("old ship still visible after update")
	}
	ships := r.Ships()
	if len(ships) != 1 || ships[0].ID != "NEW" {
		t.Fatalf("unexpected ships: %+v", ships)
	}
}
