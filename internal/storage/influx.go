package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"tankwatch/internal/config"
	"tankwatch/internal/model"
)

// Influx archives readings as one point per sensor reading, tagged by ship,
// tank and sensor with one field per reported gas.
type Influx struct {
	client      influxdb2.Client
	write       api.WriteAPIBlocking
	query       api.QueryAPI
	bucket      string
	measurement string
}

func NewInflux(cfg config.InfluxConfig) *Influx {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "gas_readings"
	}
	return &Influx{
		client:      client,
		write:       client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		query:       client.QueryAPI(cfg.Org),
		bucket:      cfg.Bucket,
		measurement: measurement,
	}
}

func (s *Influx) AppendReading(ctx context.Context, e model.ArchiveEntry) error {
	fields := make(map[string]interface{}, 4)
	addField(fields, "O2", e.Values.O2)
	addField(fields, "CO", e.Values.CO)
	addField(fields, "LEL", e.Values.LEL)
	addField(fields, "H2S", e.Values.H2S)
	if len(fields) == 0 {
		// Influx rejects points without fields.
		return nil
	}
	p := influxdb2.NewPoint(s.measurement,
		map[string]string{"ship_id": e.ShipID, "tank_id": e.TankID, "sensor_id": e.SensorID},
		fields,
		e.Timestamp.UTC(),
	)
	if err := s.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (s *Influx) QueryReadings(ctx context.Context, shipID, tankID string, from, to time.Time) ([]model.ArchiveEntry, error) {
	if from.IsZero() {
		from = time.Unix(0, 0)
	}
	if to.IsZero() {
		to = time.Now()
	}
	// range stop is exclusive
	stop := to.Add(time.Millisecond)
	flux := fmt.Sprintf(`
		from(bucket: %s)
		  |> range(start: %s, stop: %s)
		  |> filter(fn: (r) => r._measurement == %s)
		  |> filter(fn: (r) => r.ship_id == %s and r.tank_id == %s)
		  |> pivot(rowKey: ["_time", "sensor_id"], columnKey: ["_field"], valueColumn: "_value")
		  |> group()
		  |> sort(columns: ["_time"], desc: false)
	`, fluxString(s.bucket), from.UTC().Format(time.RFC3339Nano), stop.UTC().Format(time.RFC3339Nano),
		fluxString(s.measurement), fluxString(shipID), fluxString(tankID))

	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer result.Close()
	out := make([]model.ArchiveEntry, 0)
	for result.Next() {
		rec := result.Record()
		sensorID, _ := rec.ValueByKey("sensor_id").(string)
		out = append(out, model.ArchiveEntry{
			ShipID:    shipID,
			TankID:    tankID,
			SensorID:  sensorID,
			Timestamp: rec.Time().UTC(),
			Values: model.GasValues{
				O2:  fieldValue(rec.ValueByKey("O2")),
				CO:  fieldValue(rec.ValueByKey("CO")),
				LEL: fieldValue(rec.ValueByKey("LEL")),
				H2S: fieldValue(rec.ValueByKey("H2S")),
			},
		})
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("influx results: %w", result.Err())
	}
	return out, nil
}

func (s *Influx) Close() error {
	s.client.Close()
	return nil
}

func addField(fields map[string]interface{}, name string, v *float64) {
	if v != nil {
		fields[name] = *v
	}
}

func fieldValue(v interface{}) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

func fluxString(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "${", `\${`)
	return `"` + r.Replace(v) + `"`
}
