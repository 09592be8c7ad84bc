package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/campus-ride-matching/internal/geo"
	"github.com/example/campus-ride-matching/internal/models"
)

// Client estimates how long a driver needs to reach a pickup point.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// Straight converts great-circle distance to time at a fixed speed.
type Straight struct {
	SpeedMps float64
}

func (s Straight) EstimateSeconds(from, to models.Coord) (float64, error) {
	return EstimateSeconds(from, to, s.SpeedMps), nil
}

// EstimateSeconds is distance / speed, defaulting to campus shuttle speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 6.0
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// Cache is a small in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// Coordinates are rounded to ~10m so a driver creeping forward still hits.
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Estimator answers from the cache, then the routing client, then the
// straight-line fallback.
type Estimator struct {
	Routing  Client
	Fallback Client
	Cache    *Cache
}

func NewEstimator(routing Client, speedMps float64, ttl time.Duration) *Estimator {
	return &Estimator{Routing: routing, Fallback: Straight{SpeedMps: speedMps}, Cache: NewCache(ttl)}
}

func (e *Estimator) EstimateSeconds(from, to models.Coord) (float64, error) {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	var (
		v   float64
		err error
	)
	if e.Routing != nil {
		v, err = e.Routing.EstimateSeconds(from, to)
	}
	if e.Routing == nil || err != nil {
		if e.Fallback == nil {
			return 0, err
		}
		if v, err = e.Fallback.EstimateSeconds(from, to); err != nil {
			return 0, err
		}
	}
	if e.Cache != nil {
		e.Cache.Set(from, to, v)
	}
	return v, nil
}
