package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Message(ResultApplied)
	m.Message(ResultApplied)
	m.Message(ResultMalformed)
	if got := testutil.ToFloat64(m.messages.WithLabelValues(ResultApplied)); got != 2 {
		t.Fatalf("expected 2 applied messages, got %f", got)
	}

	m.Readings(3, 1)
	if got := testutil.ToFloat64(m.readingsOK); got != 3 {
		t.Fatalf("expected 3 accepted readings, got %f", got)
	}
	if got := testutil.ToFloat64(m.readingsDropped); got != 1 {
		t.Fatalf("expected 1 filtered reading, got %f", got)
	}

	m.AlarmEvent("Danger")
	m.SinkFailure("archive")
	m.QueueDrop("mqtt")
	m.QueueDepth(7)
	if got := testutil.ToFloat64(m.queueDepth); got != 7 {
		t.Fatalf("expected queue depth 7, got %f", got)
	}

	m.ObserveProcessing(3 * time.Millisecond)
	if samples := testutil.CollectAndCount(m.latency); samples != 1 {
		t.Fatalf("expected latency histogram to record 1 sample, got %d", samples)
	}
	if n, err := testutil.GatherAndCount(reg, "tankwatch_alarm_events_total"); err != nil || n != 1 {
		t.Fatalf("expected one alarm event series, got %d (%v)", n, err)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Message(ResultApplied)
	m.Readings(1, 1)
	m.AlarmEvent("Clear")
	m.SinkFailure("events")
	m.QueueDrop("kafka")
	m.QueueDepth(1)
	m.ObserveProcessing(time.Second)
}
