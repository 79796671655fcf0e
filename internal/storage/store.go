package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tankwatch/internal/config"
	"tankwatch/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// ReadingArchive keeps every accepted per-sensor reading.
type ReadingArchive interface {
	AppendReading(ctx context.Context, entry model.ArchiveEntry) error
	// QueryReadings returns a tank's readings in [from, to], oldest first.
	QueryReadings(ctx context.Context, shipID, tankID string, from, to time.Time) ([]model.ArchiveEntry, error)
}

// EventLog keeps alarm transitions and audit records.
type EventLog interface {
	AppendEvent(ctx context.Context, ev model.AlarmEvent) error
	// QueryEvents returns matching events newest first.
	QueryEvents(ctx context.Context, filter model.EventFilter) ([]model.AlarmEvent, error)
}

type OverrideStore interface {
	SaveOverride(ctx context.Context, ov model.TankOverride) error
	LoadOverrides(ctx context.Context) ([]model.TankOverride, error)
}

type StatusStore interface {
	SaveShipState(ctx context.Context, st model.ShipState) error
	LoadShipStates(ctx context.Context) ([]model.ShipState, error)
}

type Store interface {
	Init(ctx context.Context) error
	Close() error
	ReadingArchive
	EventLog
	OverrideStore
	StatusStore
}

// Open builds the configured store. An influx archive replaces the reading
// archive of the SQL or memory store.
func Open(cfg *config.Config) (Store, error) {
	var (
		st  Store
		err error
	)
	switch strings.ToLower(cfg.Storage.Driver) {
	case "", "memory":
		st = NewMemory(cfg.Storage.EventLimit, cfg.Storage.ReadingLimit)
	case "sqlite":
		st, err = NewSQLite(cfg.Storage.DSN)
	case "postgres", "postgresql":
		st, err = NewPostgres(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Storage.Driver)
	}
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Archive.Driver) {
	case "influx", "influxdb":
		return WithArchive(st, NewInflux(cfg.Archive.Influx)), nil
	}
	return st, nil
}

// ArchiveBackend is a reading archive with its own lifecycle.
type ArchiveBackend interface {
	ReadingArchive
	Close() error
}

type archivedStore struct {
	Store
	archive ArchiveBackend
}

// WithArchive routes reading archive calls to archive and everything else to st.
func WithArchive(st Store, archive ArchiveBackend) Store {
	return &archivedStore{Store: st, archive: archive}
}

func (s *archivedStore) AppendReading(ctx context.Context, entry model.ArchiveEntry) error {
	return s.archive.AppendReading(ctx, entry)
}

func (s *archivedStore) QueryReadings(ctx context.Context, shipID, tankID string, from, to time.Time) ([]model.ArchiveEntry, error) {
	return s.archive.QueryReadings(ctx, shipID, tankID, from, to)
}

func (s *archivedStore) Close() error {
	return errors.Join(s.archive.Close(), s.Store.Close())
}
