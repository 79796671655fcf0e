package thresholds

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tankwatch/internal/config"
	"tankwatch/internal/model"
)

type memStore struct {
	saved   []model.TankOverride
	loaded  []model.TankOverride
	saveErr error
}

func (m *memStore) SaveOverride(_ context.Context, ov model.TankOverride) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, ov)
	return nil
}

func (m *memStore) LoadOverrides(context.Context) ([]model.TankOverride, error) {
	return m.loaded, nil
}

func defaultsConfig() config.ThresholdsConfig {
	return config.ThresholdsConfig{Defaults: config.DefaultThresholds(), EnforceOrdering: true}
}

func TestResolveWithoutOverride(t *testing.T) {
	r := NewResolver(defaultsConfig(), nil)
	assert.Equal(t, config.DefaultThresholds(), r.Resolve("SHIP", "1"))
}

func TestSingleFieldOverride(t *testing.T) {
	store := &memStore{}
	r := NewResolver(defaultsConfig(), store)
	got, err := r.SetOverride(context.Background(), "SHIP", "1", model.ThresholdOverride{DangerCOHigh: model.Float(50)})
	require.NoError(t, err)

	want := config.DefaultThresholds()
	want.DangerCOHigh = 50
	assert.Equal(t, want, got)
	assert.Equal(t, want, r.Resolve("SHIP", "1"))
	assert.Equal(t, config.DefaultThresholds(), r.Resolve("SHIP", "2"), "other tanks keep defaults")
	require.Len(t, store.saved, 1)
	assert.Equal(t, "1", store.saved[0].TankID)
}

func TestOrderingEnforced(t *testing.T) {
	r := NewResolver(defaultsConfig(), nil)
	_, err := r.SetOverride(context.Background(), "SHIP", "1", model.ThresholdOverride{DangerCOHigh: model.Float(20)})
	require.ErrorIs(t, err, ErrThresholdOrder)
	assert.Equal(t, config.DefaultThresholds(), r.Resolve("SHIP", "1"))

	_, err = r.SetOverride(context.Background(), "SHIP", "1", model.ThresholdOverride{WarnO2Low: model.Float(17)})
	require.ErrorIs(t, err, ErrThresholdOrder)
}

func TestPermissiveOrdering(t *testing.T) {
	r := NewResolver(config.ThresholdsConfig{Defaults: config.DefaultThresholds()}, nil)
	got, err := r.SetOverride(context.Background(), "SHIP", "1", model.ThresholdOverride{DangerCOHigh: model.Float(20)})
	require.NoError(t, err)
	assert.Equal(t, 20.0, got.DangerCOHigh)
}

func TestStoreFailureLeavesOverrideUnchanged(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	r := NewResolver(defaultsConfig(), store)
	_, err := r.SetOverride(context.Background(), "SHIP", "1", model.ThresholdOverride{DangerCOHigh: model.Float(50)})
	require.Error(t, err)
	_, ok := r.Override("SHIP", "1")
	assert.False(t, ok)
}

func TestLoadAndDefaultsReload(t *testing.T) {
	store := &memStore{loaded: []model.TankOverride{{ShipID: "SHIP", TankID: "1", Override: model.ThresholdOverride{WarnH2SHigh: model.Float(8)}}}}
	r := NewResolver(defaultsConfig(), store)
	n, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 8.0, r.Resolve("SHIP", "1").WarnH2SHigh)

	cfg := defaultsConfig()
	cfg.Defaults.DangerH2SHigh = 20
	r.UpdateConfig(cfg)
	got := r.Resolve("SHIP", "1")
	assert.Equal(t, 8.0, got.WarnH2SHigh)
	assert.Equal(t, 20.0, got.DangerH2SHigh)
}
