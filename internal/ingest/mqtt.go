package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"tankwatch/internal/config"
	"tankwatch/internal/model"
	"tankwatch/internal/normalize"
)

// StartMQTT subscribes to the sensor topic. The ship id is the topic segment
// matched by the single '+' wildcard. The client reconnects on its own until
// ctx is done.
func StartMQTT(ctx context.Context, cfg config.MQTTConfig, q *Queue, logger *slog.Logger) (mqtt.Client, error) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("mqtt ingest disabled")
		}
		return nil, nil
	}
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		ship, ok := ShipFromTopic(cfg.Topic, msg.Topic())
		if !ok {
			if logger != nil {
				logger.Debug("mqtt topic does not match pattern", "topic", msg.Topic())
			}
			return
		}
		q.Send(ctx, model.Envelope{
			ShipID:     ship,
			Source:     "mqtt",
			Payload:    append([]byte(nil), msg.Payload()...),
			ReceivedAt: time.Now().UTC(),
		})
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(cfg.Topic, cfg.QoS, handler)
		token.Wait()
		if err := token.Error(); err != nil {
			if logger != nil {
				logger.Error("mqtt subscribe failed", "topic", cfg.Topic, "err", err)
			}
			return
		}
		if logger != nil {
			logger.Info("mqtt subscribed", "broker", cfg.Broker, "topic", cfg.Topic, "qos", cfg.QoS)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if logger != nil {
			logger.Warn("mqtt connection lost", "err", err)
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	go func() {
		<-ctx.Done()
		client.Disconnect(250)
	}()
	return client, nil
}

// ShipFromTopic extracts the segment matched by '+' in pattern.
func ShipFromTopic(pattern, topic string) (string, bool) {
	want := strings.Split(pattern, "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return "", false
	}
	ship := ""
	for i, seg := range want {
		if seg == "+" {
			ship = normalize.ShipID(got[i])
			continue
		}
		if seg != got[i] {
			return "", false
		}
	}
	return ship, ship != ""
}
