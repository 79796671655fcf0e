package thresholds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tankwatch/internal/config"
	"tankwatch/internal/model"
)

var ErrThresholdOrder = errors.New("threshold ordering violated")

// Store persists per-tank overrides.
type Store interface {
	SaveOverride(ctx context.Context, ov model.TankOverride) error
	LoadOverrides(ctx context.Context) ([]model.TankOverride, error)
}

type key struct {
	ship string
	tank string
}

type Resolver struct {
	mu        sync.RWMutex
	defaults  model.ThresholdSet
	enforce   bool
	overrides map[key]model.ThresholdOverride
	store     Store
}

func NewResolver(cfg config.ThresholdsConfig, store Store) *Resolver {
	return &Resolver{
		defaults:  cfg.Defaults,
		enforce:   cfg.EnforceOrdering,
		overrides: make(map[key]model.ThresholdOverride),
		store:     store,
	}
}

// UpdateConfig replaces the process-wide defaults and ordering policy.
func (r *Resolver) UpdateConfig(cfg config.ThresholdsConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = cfg.Defaults
	r.enforce = cfg.EnforceOrdering
}

// Load restores persisted overrides.
func (r *Resolver) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	list, err := r.store.LoadOverrides(ctx)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ov := range list {
		r.overrides[key{ov.ShipID, ov.TankID}] = ov.Override
	}
	return len(list), nil
}

func (r *Resolver) Defaults() model.ThresholdSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Resolve returns the tank's thresholds with every unset override field
// taken from the defaults.
func (r *Resolver) Resolve(shipID, tankID string) model.ThresholdSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Merge(r.defaults, r.overrides[key{shipID, tankID}])
}

func (r *Resolver) Override(shipID, tankID string) (model.ThresholdOverride, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ov, ok := r.overrides[key{shipID, tankID}]
	return ov, ok
}

// SetOverride replaces the tank's override record and returns the resolved
// set. The record is persisted before it takes effect.
func (r *Resolver) SetOverride(ctx context.Context, shipID, tankID string, ov model.ThresholdOverride) (model.ThresholdSet, error) {
	r.mu.RLock()
	resolved := Merge(r.defaults, ov)
	enforce := r.enforce
	r.mu.RUnlock()
	if enforce {
		if err := config.CheckOrdering(resolved); err != nil {
			return model.ThresholdSet{}, fmt.Errorf("%w: %v", ErrThresholdOrder, err)
		}
	}
	if r.store != nil {
		rec := model.TankOverride{ShipID: shipID, TankID: tankID, Override: ov, UpdatedAt: time.Now().UTC()}
		if err := r.store.SaveOverride(ctx, rec); err != nil {
			return model.ThresholdSet{}, fmt.Errorf("save threshold override: %w", err)
		}
	}
	r.mu.Lock()
	r.overrides[key{shipID, tankID}] = ov
	resolved = Merge(r.defaults, ov)
	r.mu.Unlock()
	return resolved, nil
}

func Merge(defaults model.ThresholdSet, ov model.ThresholdOverride) model.ThresholdSet {
	return model.ThresholdSet{
		WarnO2Low:     pick(ov.WarnO2Low, defaults.WarnO2Low),
		DangerO2Low:   pick(ov.DangerO2Low, defaults.DangerO2Low),
		WarnCOHigh:    pick(ov.WarnCOHigh, defaults.WarnCOHigh),
		DangerCOHigh:  pick(ov.DangerCOHigh, defaults.DangerCOHigh),
		WarnLELHigh:   pick(ov.WarnLELHigh, defaults.WarnLELHigh),
		DangerLELHigh: pick(ov.DangerLELHigh, defaults.DangerLELHigh),
		WarnH2SHigh:   pick(ov.WarnH2SHigh, defaults.WarnH2SHigh),
		DangerH2SHigh: pick(ov.DangerH2SHigh, defaults.DangerH2SHigh),
	}
}

func pick(v *float64, fallback float64) float64 {
	if v != nil {
		return *v
	}
	return fallback
}
