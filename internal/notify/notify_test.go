package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tankwatch/internal/config"
	"tankwatch/internal/model"
)

type recordingChannel struct {
	mu     sync.Mutex
	events []model.AlarmEvent
	done   chan struct{}
}

func (r *recordingChannel) Send(_ context.Context, ev model.AlarmEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.done != nil {
		r.done <- struct{}{}
	}
	return nil
}

func TestWebhookChannelPostsEvent(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch, err := NewWebhookChannel(srv.URL)
	require.NoError(t, err)
	ev := model.AlarmEvent{ID: "e1", Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), Kind: model.EventDanger, ShipID: "SHIP", TankID: "1", Detail: "CO=110.0ppm >= 100.0"}
	require.NoError(t, ch.Send(context.Background(), ev))
	assert.Equal(t, "e1", got.Event.ID)
	assert.Equal(t, "[2025-03-01T12:00:00Z] Danger SHIP/1: CO=110.0ppm >= 100.0", got.Text)
}

func TestWebhookChannelNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	ch, _ := NewWebhookChannel(srv.URL)
	assert.Error(t, ch.Send(context.Background(), model.AlarmEvent{}))

	_, err := NewWebhookChannel("")
	assert.Error(t, err)
}

func TestNotifierCooldownPerShipAndKind(t *testing.T) {
	ch := &recordingChannel{}
	n := NewNotifier(ch, config.NotifyConfig{Cooldown: time.Minute, Buffer: 8}, nil)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	assert.True(t, n.Notify(model.AlarmEvent{ShipID: "SHIP", Kind: model.EventDanger}))
	assert.False(t, n.Notify(model.AlarmEvent{ShipID: "SHIP", Kind: model.EventDanger}))
	assert.True(t, n.Notify(model.AlarmEvent{ShipID: "SHIP", Kind: model.EventClear}))
	assert.True(t, n.Notify(model.AlarmEvent{ShipID: "OTHER", Kind: model.EventDanger}))

	now = now.Add(2 * time.Minute)
	assert.True(t, n.Notify(model.AlarmEvent{ShipID: "SHIP", Kind: model.EventDanger}))
}

func TestNotifierRunDelivers(t *testing.T) {
	ch := &recordingChannel{done: make(chan struct{}, 1)}
	n := NewNotifier(ch, config.NotifyConfig{Buffer: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	require.True(t, n.Notify(model.AlarmEvent{ID: "e1", ShipID: "SHIP", Kind: model.EventWarning}))
	select {
	case <-ch.done:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.events, 1)
	assert.Equal(t, "e1", ch.events[0].ID)
}

func TestNilNotifier(t *testing.T) {
	n, err := New(config.NotifyConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, n)
	assert.False(t, n.Notify(model.AlarmEvent{}))
	n.Run(context.Background())
}

func TestCooldownZeroWindow(t *testing.T) {
	c := NewCooldown()
	now := time.Now()
	assert.True(t, c.Allow("k", 0, now))
	assert.True(t, c.Allow("k", 0, now))
}
