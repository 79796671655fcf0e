package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tankwatch/internal/alarm"
	"tankwatch/internal/config"
	"tankwatch/internal/livecache"
	"tankwatch/internal/metrics"
	"tankwatch/internal/model"
	"tankwatch/internal/normalize"
	"tankwatch/internal/notify"
	"tankwatch/internal/registry"
	"tankwatch/internal/storage"
	"tankwatch/internal/thresholds"
)

var ErrInvalidEvent = errors.New("event kind and details are required")

const (
	sinkArchive = "archive"
	sinkEvents  = "events"
	sinkState   = "state"
)

type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Store    storage.Store
	Notifier *notify.Notifier
	Now      func() time.Time
}

// Engine applies inbound sensor batches to the live cache and the alarm
// state machine and forwards results to the sinks.
type Engine struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	store    storage.Store
	notifier *notify.Notifier
	now      func() time.Time

	cfg      atomic.Pointer[config.Config]
	registry *registry.Registry
	cache    *livecache.Cache
	resolver *thresholds.Resolver
	alarms   *alarm.Machine
	started  time.Time
}

// Outcome summarizes one applied batch.
type Outcome struct {
	ShipID     string
	TankID     string
	Accepted   int
	Filtered   int
	Bucket     model.LiveBucket
	Transition alarm.Transition
}

func New(cfg *config.Config, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var overrides thresholds.Store
	if opts.Store != nil {
		overrides = opts.Store
	}
	e := &Engine{
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		store:    opts.Store,
		notifier: opts.Notifier,
		now:      now,
		registry: registry.New(cfg.Fleet),
		cache:    livecache.New(),
		resolver: thresholds.NewResolver(cfg.Thresholds, overrides),
		alarms:   alarm.NewMachine(alarm.WithClearOnce(cfg.Alarms.ClearOnce)),
		started:  now().UTC(),
	}
	e.cfg.Store(cfg)
	e.seedShips()
	return e
}

func (e *Engine) config() *config.Config {
	if c := e.cfg.Load(); c != nil {
		return c
	}
	return config.DefaultConfig()
}

func (e *Engine) seedShips() {
	at := e.now()
	for _, ship := range e.registry.Ships() {
		e.alarms.Seed(ship.ID, ship.Status, at)
	}
}

// Restore loads persisted ship states and threshold overrides.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	states, err := e.store.LoadShipStates(ctx)
	if err != nil {
		return fmt.Errorf("load ship states: %w", err)
	}
	e.alarms.Restore(states)
	n, err := e.resolver.Load(ctx)
	if err != nil {
		return fmt.Errorf("load threshold overrides: %w", err)
	}
	if e.logger != nil {
		e.logger.Info("engine state restored", "ship_states", len(states), "threshold_overrides", n)
	}
	return nil
}

// UpdateConfig applies a reloaded configuration. Live buckets and latched
// alarms survive; new ships are seeded.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.registry.Update(cfg.Fleet)
	e.resolver.UpdateConfig(cfg.Thresholds)
	e.alarms.SetClearOnce(cfg.Alarms.ClearOnce)
	e.seedShips()
}

// Run starts one worker per shard and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context, shards []<-chan model.Envelope) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range shards {
		g.Go(func() error {
			for {
				select {
				case env := <-ch:
					_, _ = e.Process(ctx, env)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// Process applies one envelope. Dropped messages return an error wrapping
// normalize.ErrMalformed, normalize.ErrMissingTank, ErrUnknownShip,
// ErrUnknownTank or ErrNoAssignedReadings; none of them touch live state.
func (e *Engine) Process(ctx context.Context, env model.Envelope) (Outcome, error) {
	start := e.now()
	batch, err := normalize.DecodeBatch(env.Payload)
	if err != nil {
		e.metrics.Message(metrics.ResultMalformed)
		if e.logger != nil {
			e.logger.Warn("dropping malformed message", "ship_id", env.ShipID, "source", env.Source, "err", err)
		}
		return Outcome{ShipID: env.ShipID}, err
	}

	routed, err := Route(e.registry, env.ShipID, batch)
	if err != nil {
		result := metrics.ResultUnknown
		if errors.Is(err, ErrNoAssignedReadings) {
			result = metrics.ResultFiltered
		}
		e.metrics.Message(result)
		e.metrics.Readings(0, routed.Filtered)
		if e.logger != nil {
			e.logger.Debug("dropping message", "ship_id", env.ShipID, "tank_id", batch.TankID, "reason", err)
		}
		return Outcome{ShipID: env.ShipID, TankID: batch.TankID, Filtered: routed.Filtered}, err
	}

	at := e.now().UTC()
	bucket := e.cache.Upsert(routed.ShipID, routed.TankID, routed.Readings, at)
	e.archive(ctx, routed, at)

	th := e.resolver.Resolve(routed.ShipID, routed.TankID)
	tr := e.alarms.Evaluate(alarm.Input{
		ShipID:     routed.ShipID,
		TankID:     routed.TankID,
		Worst:      bucket.Aggregates.Worst,
		Thresholds: th,
		ShipSafe:   e.shipSafe(routed.ShipID, routed.TankID),
	}, at)
	e.apply(ctx, tr)

	e.metrics.Message(metrics.ResultApplied)
	e.metrics.Readings(len(routed.Readings), routed.Filtered)
	e.metrics.ObserveProcessing(e.now().Sub(start))
	return Outcome{
		ShipID:     routed.ShipID,
		TankID:     routed.TankID,
		Accepted:   len(routed.Readings),
		Filtered:   routed.Filtered,
		Bucket:     bucket,
		Transition: tr,
	}, nil
}

// shipSafe reports whether Clear may be emitted for tankID. Unless
// alarms.clear_requires_ship_safe is set, only the evaluated tank counts.
func (e *Engine) shipSafe(shipID, tankID string) bool {
	if !e.config().Alarms.ClearRequiresShipSafe {
		return true
	}
	for _, b := range e.cache.ShipBuckets(shipID) {
		if b.TankID == tankID {
			continue
		}
		if alarm.Classify(b.Aggregates.Worst, e.resolver.Resolve(shipID, b.TankID)) != alarm.LevelOK {
			return false
		}
	}
	return true
}

func (e *Engine) sinkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.config().Storage.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *Engine) archive(ctx context.Context, routed Routed, at time.Time) {
	if e.store == nil {
		return
	}
	for _, r := range routed.Readings {
		sctx, cancel := e.sinkContext(ctx)
		err := e.store.AppendReading(sctx, model.ArchiveEntry{
			ShipID:    routed.ShipID,
			TankID:    routed.TankID,
			SensorID:  r.SensorID,
			Timestamp: at,
			Values:    r.Values,
		})
		cancel()
		if err != nil {
			e.sinkFailed(sinkArchive, routed.ShipID, err)
		}
	}
}

// apply forwards a transition to the event log, state store and notifier.
// Sink failures never roll back the in-memory transition.
func (e *Engine) apply(ctx context.Context, tr alarm.Transition) {
	if tr.Event != nil {
		ev := *tr.Event
		e.metrics.AlarmEvent(ev.Kind)
		if e.logger != nil {
			e.logger.Warn("alarm event",
				"ship_id", ev.ShipID,
				"tank_id", ev.TankID,
				"event", ev.Kind,
				"status", tr.After.Status,
				"details", ev.Detail,
			)
		}
		e.appendEvent(ctx, ev)
		e.notifier.Notify(ev)
	}
	if tr.Changed() && e.store != nil {
		sctx, cancel := e.sinkContext(ctx)
		defer cancel()
		if err := e.store.SaveShipState(sctx, tr.After); err != nil {
			e.sinkFailed(sinkState, tr.After.ShipID, err)
		}
	}
}

func (e *Engine) appendEvent(ctx context.Context, ev model.AlarmEvent) {
	if e.store == nil {
		return
	}
	sctx, cancel := e.sinkContext(ctx)
	defer cancel()
	if err := e.store.AppendEvent(sctx, ev); err != nil {
		e.sinkFailed(sinkEvents, ev.ShipID, err)
	}
}

func (e *Engine) sinkFailed(sink, shipID string, err error) {
	e.metrics.SinkFailure(sink)
	if e.logger != nil {
		e.logger.Error("sink write failed", "sink", sink, "ship_id", shipID, "err", err)
	}
}

// Acknowledge restores the ship's pre-alarm status.
func (e *Engine) Acknowledge(ctx context.Context, shipID, actor string) (model.ShipState, error) {
	if !e.registry.HasShip(shipID) {
		return model.ShipState{}, ErrUnknownShip
	}
	tr := e.alarms.Acknowledge(shipID, actor, e.now())
	e.apply(ctx, tr)
	return tr.After, nil
}

// SetOperational switches a ship between Idle and WIP.
func (e *Engine) SetOperational(ctx context.Context, shipID string, status model.Status) (model.ShipState, error) {
	if !e.registry.HasShip(shipID) {
		return model.ShipState{}, ErrUnknownShip
	}
	tr, err := e.alarms.SetOperational(shipID, status, e.now())
	if err != nil {
		return tr.After, err
	}
	e.apply(ctx, tr)
	return tr.After, nil
}

func (e *Engine) checkTank(shipID, tankID string) error {
	if !e.registry.HasShip(shipID) {
		return ErrUnknownShip
	}
	if _, ok := e.registry.AssignedSensors(shipID, tankID); !ok {
		return ErrUnknownTank
	}
	return nil
}

// Live returns the tank's bucket, empty when nothing has been received.
func (e *Engine) Live(shipID, tankID string) (model.LiveBucket, error) {
	if err := e.checkTank(shipID, tankID); err != nil {
		return model.LiveBucket{}, err
	}
	return e.cache.Get(shipID, tankID), nil
}

type TankSummary struct {
	registry.Tank
	Level      string             `json:"level"`
	Live       model.LiveBucket   `json:"live"`
	Thresholds model.ThresholdSet `json:"thresholds"`
}

type ShipSummary struct {
	ID             string        `json:"id"`
	Name           string        `json:"name,omitempty"`
	Status         model.Status  `json:"status"`
	PreviousStatus model.Status  `json:"previous_status,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Tanks          []TankSummary `json:"tanks,omitempty"`
}

func (e *Engine) summary(ship registry.Ship, withTanks bool) ShipSummary {
	st, _ := e.alarms.State(ship.ID)
	out := ShipSummary{
		ID:             ship.ID,
		Name:           ship.Name,
		Status:         st.Status,
		PreviousStatus: st.PreviousStatus,
		UpdatedAt:      st.UpdatedAt,
	}
	if out.Status == "" {
		out.Status = ship.Status
	}
	if !withTanks {
		return out
	}
	for _, tank := range ship.Tanks {
		live := e.cache.Get(ship.ID, tank.ID)
		th := e.resolver.Resolve(ship.ID, tank.ID)
		out.Tanks = append(out.Tanks, TankSummary{
			Tank:       tank,
			Level:      alarm.Classify(live.Aggregates.Worst, th).String(),
			Live:       live,
			Thresholds: th,
		})
	}
	return out
}

// Ships lists every ship with its alarm status.
func (e *Engine) Ships() []ShipSummary {
	ships := e.registry.Ships()
	out := make([]ShipSummary, 0, len(ships))
	for _, ship := range ships {
		out = append(out, e.summary(ship, false))
	}
	return out
}

// ShipSummary returns a ship with per-tank live data and thresholds.
func (e *Engine) ShipSummary(shipID string) (ShipSummary, error) {
	ship, ok := e.registry.Ship(shipID)
	if !ok {
		return ShipSummary{}, ErrUnknownShip
	}
	return e.summary(ship, true), nil
}

// Thresholds returns the resolved set and the raw override record.
func (e *Engine) Thresholds(shipID, tankID string) (model.ThresholdSet, model.ThresholdOverride, error) {
	if err := e.checkTank(shipID, tankID); err != nil {
		return model.ThresholdSet{}, model.ThresholdOverride{}, err
	}
	ov, _ := e.resolver.Override(shipID, tankID)
	return e.resolver.Resolve(shipID, tankID), ov, nil
}

func (e *Engine) SetThresholds(ctx context.Context, shipID, tankID string, ov model.ThresholdOverride) (model.ThresholdSet, error) {
	if err := e.checkTank(shipID, tankID); err != nil {
		return model.ThresholdSet{}, err
	}
	th, err := e.resolver.SetOverride(ctx, shipID, tankID, ov)
	if err != nil {
		return model.ThresholdSet{}, err
	}
	if e.logger != nil {
		e.logger.Info("threshold override updated", "ship_id", shipID, "tank_id", tankID)
	}
	return th, nil
}

// Events queries the event log, newest first.
func (e *Engine) Events(ctx context.Context, filter model.EventFilter) ([]model.AlarmEvent, error) {
	if e.store == nil {
		return []model.AlarmEvent{}, nil
	}
	if filter.Limit <= 0 || filter.Limit > e.config().Storage.EventLimit {
		filter.Limit = e.config().Storage.EventLimit
	}
	return e.store.QueryEvents(ctx, filter)
}

// Readings queries the archive, oldest first.
func (e *Engine) Readings(ctx context.Context, shipID, tankID string, from, to time.Time) ([]model.ArchiveEntry, error) {
	if err := e.checkTank(shipID, tankID); err != nil {
		return nil, err
	}
	if e.store == nil {
		return []model.ArchiveEntry{}, nil
	}
	return e.store.QueryReadings(ctx, shipID, tankID, from, to)
}

// RecordAudit appends an operator-supplied record to the event log.
func (e *Engine) RecordAudit(ctx context.Context, ev model.AlarmEvent) (model.AlarmEvent, error) {
	ev.Kind = strings.TrimSpace(ev.Kind)
	ev.Detail = strings.TrimSpace(ev.Detail)
	if ev.Kind == "" || ev.Detail == "" {
		return model.AlarmEvent{}, ErrInvalidEvent
	}
	if ev.ShipID != "" && !e.registry.HasShip(ev.ShipID) {
		return model.AlarmEvent{}, ErrUnknownShip
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.Severity == "" {
		ev.Severity = model.SeverityForKind(ev.Kind)
	}
	if e.store != nil {
		sctx, cancel := e.sinkContext(ctx)
		defer cancel()
		if err := e.store.AppendEvent(sctx, ev); err != nil {
			e.sinkFailed(sinkEvents, ev.ShipID, err)
			return model.AlarmEvent{}, err
		}
	}
	e.metrics.AlarmEvent(ev.Kind)
	return ev, nil
}

type Status struct {
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
	Ships     int       `json:"ships"`
	Buckets   int       `json:"buckets"`
	Latched   []string  `json:"latched"`
}

func (e *Engine) Status() Status {
	latched := make([]string, 0)
	for _, st := range e.alarms.States() {
		if st.Status.Latched() {
			latched = append(latched, st.ShipID)
		}
	}
	return Status{
		StartedAt: e.started,
		Uptime:    e.now().Sub(e.started).Round(time.Second).String(),
		Ships:     len(e.registry.Ships()),
		Buckets:   e.cache.Len(),
		Latched:   latched,
	}
}

// Reset clears live buckets and alarm states and re-seeds ships from the
// fleet directory. A memory store also drops its buffered history.
func (e *Engine) Reset() {
	e.cache.Clear()
	e.alarms.Reset()
	e.seedShips()
	if c, ok := e.store.(interface{ Clear() }); ok {
		c.Clear()
	}
}
