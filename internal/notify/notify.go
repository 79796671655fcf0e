// Package notify pushes alarm transitions to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tankwatch/internal/config"
	"tankwatch/internal/model"
)

// Channel delivers one alarm event.
type Channel interface {
	Send(ctx context.Context, ev model.AlarmEvent) error
}

type webhookPayload struct {
	Text  string           `json:"text"`
	Event model.AlarmEvent `json:"event"`
}

type WebhookChannel struct {
	url    string
	client *http.Client
}

type WebhookOption func(*WebhookChannel)

func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	ch := &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch, nil
}

func (w *WebhookChannel) Send(ctx context.Context, ev model.AlarmEvent) error {
	body, err := json.Marshal(webhookPayload{Text: Render(ev), Event: ev})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: non-2xx response %d", resp.StatusCode)
	}
	return nil
}

// Render formats an event as a one-line operator message.
func Render(ev model.AlarmEvent) string {
	ship := ev.ShipID
	if ev.TankID != "" {
		ship += "/" + ev.TankID
	}
	return fmt.Sprintf("[%s] %s %s: %s", ev.Timestamp.UTC().Format(time.RFC3339), ev.Kind, ship, ev.Detail)
}

// Notifier delivers events asynchronously through a bounded buffer with a
// per (ship, kind) cooldown. Failed deliveries are logged and not retried.
type Notifier struct {
	channel  Channel
	events   chan model.AlarmEvent
	cooldown *Cooldown
	window   time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New returns nil when no webhook is configured; a nil Notifier drops
// everything.
func New(cfg config.NotifyConfig, logger *slog.Logger) (*Notifier, error) {
	if cfg.WebhookURL == "" {
		return nil, nil
	}
	ch, err := NewWebhookChannel(cfg.WebhookURL, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	if err != nil {
		return nil, err
	}
	return NewNotifier(ch, cfg, logger), nil
}

func NewNotifier(ch Channel, cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	size := cfg.Buffer
	if size <= 0 {
		size = 256
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		channel:  ch,
		events:   make(chan model.AlarmEvent, size),
		cooldown: NewCooldown(),
		window:   cfg.Cooldown,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Notify queues ev for delivery. It never blocks and reports whether the
// event was queued.
func (n *Notifier) Notify(ev model.AlarmEvent) bool {
	if n == nil {
		return false
	}
	if !n.cooldown.Allow(ev.ShipID+"|"+ev.Kind, n.window, n.now()) {
		return false
	}
	select {
	case n.events <- ev:
		return true
	default:
		if n.logger != nil {
			n.logger.Warn("notification buffer full, dropping event", "ship_id", ev.ShipID, "event", ev.Kind)
		}
		return false
	}
}

// Run delivers queued events until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	if n == nil {
		return
	}
	for {
		select {
		case ev := <-n.events:
			n.deliver(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, ev model.AlarmEvent) {
	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.channel.Send(sendCtx, ev); err != nil {
		if n.logger != nil {
			n.logger.Error("notification delivery failed", "ship_id", ev.ShipID, "event", ev.Kind, "err", err)
		}
		return
	}
	if n.logger != nil {
		n.logger.Debug("notification delivered", "ship_id", ev.ShipID, "event", ev.Kind)
	}
}
