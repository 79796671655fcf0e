// Package metrics exposes engine counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "tankwatch_"

const (
	ResultApplied   = "applied"
	ResultMalformed = "malformed"
	ResultUnknown   = "unknown"
	ResultFiltered  = "filtered"
	ResultError     = "error"
)

type Metrics struct {
	messages        *prometheus.CounterVec
	readingsOK      prometheus.Counter
	readingsDropped prometheus.Counter
	alarmEvents     *prometheus.CounterVec
	sinkFailures    *prometheus.CounterVec
	queueDrops      *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	latency         prometheus.Histogram
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "messages_total",
			Help: "Inbound sensor messages by processing result.",
		}, []string{"result"}),
		readingsOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "readings_accepted_total",
			Help: "Per-sensor readings applied to the live cache.",
		}),
		readingsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "readings_filtered_total",
			Help: "Readings dropped because the sensor is not assigned to the tank.",
		}),
		alarmEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "alarm_events_total",
			Help: "Alarm and audit events emitted by kind.",
		}, []string{"kind"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "sink_failures_total",
			Help: "Failed archive, event log and state writes by sink.",
		}, []string{"sink"}),
		queueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "queue_dropped_total",
			Help: "Messages lost to queue backpressure by source.",
		}, []string{"source"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "queue_length",
			Help: "Messages buffered in the ingest queue.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "processing_latency_seconds",
			Help:    "Time from dequeue to applied alarm state.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
	reg.MustRegister(m.messages, m.readingsOK, m.readingsDropped, m.alarmEvents,
		m.sinkFailures, m.queueDrops, m.queueDepth, m.latency)
	return m
}

func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

func (m *Metrics) Readings(accepted, filtered int) {
	if m == nil {
		return
	}
	m.readingsOK.Add(float64(accepted))
	m.readingsDropped.Add(float64(filtered))
}

func (m *Metrics) AlarmEvent(kind string) {
	if m == nil {
		return
	}
	m.alarmEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) SinkFailure(sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) QueueDrop(source string) {
	if m == nil {
		return
	}
	m.queueDrops.WithLabelValues(source).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) ObserveProcessing(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}
