package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tankwatch/internal/config"
	"tankwatch/internal/model"
)

const influxCSV = "#datatype,string,long,dateTime:RFC3339,dateTime:RFC3339,dateTime:RFC3339,string,string,string,string,double,double\r\n" +
	"#group,false,false,true,true,false,true,true,true,true,false,false\r\n" +
	"#default,_result,,,,,,,,,,\r\n" +
	",result,table,_start,_stop,_time,_measurement,ship_id,tank_id,sensor_id,CO,O2\r\n" +
	",,0,2025-03-01T00:00:00Z,2025-03-02T00:00:00Z,2025-03-01T12:00:00Z,gas_readings,SHIP,1,S1,5,20.9\r\n" +
	",,0,2025-03-01T00:00:00Z,2025-03-02T00:00:00Z,2025-03-01T12:01:00Z,gas_readings,SHIP,1,S2,110,20.5\r\n" +
	"\r\n"

type influxStub struct {
	mu     sync.Mutex
	writes []string
	query  string
}

func (s *influxStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/write", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.writes = append(s.writes, string(body))
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/v2/query", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.query = string(body)
		s.mu.Unlock()
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		_, _ = io.WriteString(w, influxCSV)
	})
	return mux
}

func newInfluxStub(t *testing.T) (*influxStub, *Influx) {
	t.Helper()
	stub := &influxStub{}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	arc := NewInflux(config.InfluxConfig{URL: srv.URL, Token: "token", Org: "fleet", Bucket: "gas"})
	t.Cleanup(func() { _ = arc.Close() })
	return stub, arc
}

func TestInfluxAppendReadingWritesPoint(t *testing.T) {
	stub, arc := newInfluxStub(t)
	err := arc.AppendReading(context.Background(), model.ArchiveEntry{
		ShipID: "SHIP", TankID: "1", SensorID: "S1",
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Values:    model.GasValues{O2: model.Float(20.9), CO: model.Float(5)},
	})
	require.NoError(t, err)
	require.Len(t, stub.writes, 1)
	line := stub.writes[0]
	assert.True(t, strings.HasPrefix(line, "gas_readings,"))
	assert.Contains(t, line, "ship_id=SHIP")
	assert.Contains(t, line, "sensor_id=S1")
	assert.Contains(t, line, "O2=20.9")
	assert.NotContains(t, line, "LEL=")
}

func TestInfluxSkipsEmptyReadings(t *testing.T) {
	stub, arc := newInfluxStub(t)
	require.NoError(t, arc.AppendReading(context.Background(), model.ArchiveEntry{ShipID: "SHIP", TankID: "1", SensorID: "S1", Timestamp: time.Now()}))
	assert.Empty(t, stub.writes)
}

func TestInfluxQueryReadings(t *testing.T) {
	stub, arc := newInfluxStub(t)
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := arc.QueryReadings(context.Background(), "SHIP", "1", from, from.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "S1", got[0].SensorID)
	assert.Equal(t, 20.9, *got[0].Values.O2)
	assert.Nil(t, got[0].Values.LEL)
	assert.Equal(t, 110.0, *got[1].Values.CO)
	assert.Contains(t, stub.query, `r.ship_id == \"SHIP\"`)
}

func TestFluxStringEscapes(t *testing.T) {
	assert.Equal(t, `"a\"b\\c"`, fluxString(`a"b\c`))
}

func TestOpenWithInfluxArchive(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Archive.Driver = "influx"
	cfg.Archive.Influx = config.InfluxConfig{URL: "http://127.0.0.1:1", Org: "fleet", Bucket: "gas"}
	st, err := Open(cfg)
	require.NoError(t, err)
	defer st.Close()
	_, ok := st.(*archivedStore)
	assert.True(t, ok)

	cfg.Storage.Driver = "oracle"
	_, err = Open(cfg)
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}
