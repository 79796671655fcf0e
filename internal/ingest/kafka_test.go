package ingest

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaEnvelopeShipFromKey(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	env, ok := kafkaEnvelope(kafka.Message{Key: []byte(" SHIP "), Value: []byte(`{}`), Time: ts})
	require.True(t, ok)
	assert.Equal(t, "SHIP", env.ShipID)
	assert.Equal(t, "kafka", env.Source)
	assert.True(t, env.ReceivedAt.Equal(ts))
}

func TestKafkaEnvelopeShipFromHeader(t *testing.T) {
	env, ok := kafkaEnvelope(kafka.Message{
		Headers: []kafka.Header{{Key: "trace", Value: []byte("x")}, {Key: "ship_id", Value: []byte("OTHER")}},
		Value:   []byte(`{}`),
	})
	require.True(t, ok)
	assert.Equal(t, "OTHER", env.ShipID)
	assert.False(t, env.ReceivedAt.IsZero())

	_, ok = kafkaEnvelope(kafka.Message{Value: []byte(`{}`)})
	assert.False(t, ok)
}
