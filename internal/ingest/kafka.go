package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"tankwatch/internal/config"
	"tankwatch/internal/model"
	"tankwatch/internal/normalize"
)

const shipHeader = "ship_id"

// StartKafka consumes sensor batches from the configured topic. The ship id
// travels in the message key or the ship_id header.
func StartKafka(ctx context.Context, cfg config.KafkaConfig, q *Queue, logger *slog.Logger) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			env, ok := kafkaEnvelope(m)
			if !ok {
				if logger != nil {
					logger.Warn("kafka message without ship id", "partition", m.Partition, "offset", m.Offset)
				}
				continue
			}
			q.Send(ctx, env)
		}
	}()
}

func kafkaEnvelope(m kafka.Message) (model.Envelope, bool) {
	ship := normalize.ShipID(string(m.Key))
	if ship == "" {
		for _, h := range m.Headers {
			if h.Key == shipHeader {
				ship = normalize.ShipID(string(h.Value))
				break
			}
		}
	}
	if ship == "" {
		return model.Envelope{}, false
	}
	received := m.Time
	if received.IsZero() {
		received = time.Now()
	}
	return model.Envelope{
		ShipID:     ship,
		Source:     "kafka",
		Payload:    m.Value,
		ReceivedAt: received.UTC(),
	}, true
}
