// Package livecache keeps the latest reading of every known sensor per
// (ship, tank) bucket and derives the display and worst-case aggregates.
package livecache

import (
	"sort"
	"sync"
	"time"

	"tankwatch/internal/model"
)

type Key struct {
	ShipID string
	TankID string
}

type entry struct {
	mu        sync.Mutex
	sensors   map[string]model.GasValues
	agg       model.Aggregates
	updatedAt time.Time
}

// Cache is safe for concurrent use. Updates to one bucket are serialized;
// different buckets update in parallel.
type Cache struct {
	mu      sync.RWMutex
	buckets map[Key]*entry
}

func New() *Cache {
	return &Cache{buckets: make(map[Key]*entry)}
}

func (c *Cache) entry(key Key) *entry {
	c.mu.RLock()
	e, ok := c.buckets[key]
	c.mu.RUnlock()
	if ok {
		return e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.buckets[key]; ok {
		return e
	}
	e = &entry{sensors: make(map[string]model.GasValues)}
	c.buckets[key] = e
	return e
}

// Upsert overwrites each reading's sensor slot, recomputes both aggregates
// over every sensor in the bucket and returns a copy of the result.
func (c *Cache) Upsert(shipID, tankID string, readings []model.SensorReading, at time.Time) model.LiveBucket {
	e := c.entry(Key{ShipID: shipID, TankID: tankID})
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range readings {
		e.sensors[r.SensorID] = r.Values.Clone()
	}
	display, worst := Aggregate(e.sensors)
	e.agg = model.Aggregates{Display: display, Worst: worst}
	e.updatedAt = at.UTC()
	return e.snapshot(shipID, tankID)
}

// Get returns the bucket, or an empty bucket with nil aggregates when no
// reading has been seen for the key.
func (c *Cache) Get(shipID, tankID string) model.LiveBucket {
	c.mu.RLock()
	e, ok := c.buckets[Key{ShipID: shipID, TankID: tankID}]
	c.mu.RUnlock()
	if !ok {
		return Empty(shipID, tankID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(shipID, tankID)
}

// ShipBuckets returns every bucket of a ship ordered by tank id.
func (c *Cache) ShipBuckets(shipID string) []model.LiveBucket {
	c.mu.RLock()
	keys := make([]Key, 0)
	entries := make(map[Key]*entry)
	for k, e := range c.buckets {
		if k.ShipID == shipID {
			keys = append(keys, k)
			entries[k] = e
		}
	}
	c.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].TankID < keys[j].TankID })
	out := make([]model.LiveBucket, 0, len(keys))
	for _, k := range keys {
		e := entries[k]
		e.mu.Lock()
		out = append(out, e.snapshot(k.ShipID, k.TankID))
		e.mu.Unlock()
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buckets)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets = make(map[Key]*entry)
}

func (e *entry) snapshot(shipID, tankID string) model.LiveBucket {
	sensors := make(map[string]model.GasValues, len(e.sensors))
	for id, v := range e.sensors {
		sensors[id] = v.Clone()
	}
	out := model.LiveBucket{
		ShipID:  shipID,
		TankID:  tankID,
		Sensors: sensors,
		Aggregates: model.Aggregates{
			Display: e.agg.Display.Clone(),
			Worst:   e.agg.Worst.Clone(),
		},
	}
	if !e.updatedAt.IsZero() {
		ts := e.updatedAt
		out.UpdatedAt = &ts
	}
	return out
}

func Empty(shipID, tankID string) model.LiveBucket {
	return model.LiveBucket{ShipID: shipID, TankID: tankID, Sensors: map[string]model.GasValues{}}
}

// Aggregate computes the per-gas display (max) and worst (min O2, max
// otherwise) values. Sensors that do not report a gas do not participate.
func Aggregate(sensors map[string]model.GasValues) (display, worst model.GasValues) {
	var o2, co, lel, h2s extremes
	for _, v := range sensors {
		o2.add(v.O2)
		co.add(v.CO)
		lel.add(v.LEL)
		h2s.add(v.H2S)
	}
	display = model.GasValues{O2: o2.maxPtr(), CO: co.maxPtr(), LEL: lel.maxPtr(), H2S: h2s.maxPtr()}
	worst = model.GasValues{O2: o2.minPtr(), CO: co.maxPtr(), LEL: lel.maxPtr(), H2S: h2s.maxPtr()}
	return display, worst
}

type extremes struct {
	seen     bool
	min, max float64
}

func (x *extremes) add(v *float64) {
	if v == nil {
		return
	}
	if !x.seen {
		x.seen = true
		x.min, x.max = *v, *v
		return
	}
	if *v < x.min {
		x.min = *v
	}
	if *v > x.max {
		x.max = *v
	}
}

func (x extremes) minPtr() *float64 {
	if !x.seen {
		return nil
	}
	v := x.min
	return &v
}

func (x extremes) maxPtr() *float64 {
	if !x.seen {
		return nil
	}
	v := x.max
	return &v
}
