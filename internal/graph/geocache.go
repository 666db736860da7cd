package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// GeoCache holds the identifiers of existing geographic nodes keyed by
// normalized name. It cuts the per-record propose cost for loaders that emit
// many facts against the same small set of cities and states. Correctness is
// unchanged on a miss; the propose call creates the node and the cache is
// refreshed for that single key afterwards.
type GeoCache struct {
	mu       sync.RWMutex
	cities   map[string]string
	states   map[string]string
	counties map[string]string
	zipcodes map[string]string
	loaded   bool
}

// NewGeoCache returns an empty cache.
func NewGeoCache() *GeoCache {
	return &GeoCache{
		cities:   map[string]string{},
		states:   map[string]string{},
		counties: map[string]string{},
		zipcodes: map[string]string{},
	}
}

// NormalizeName lowercases and trims a name the same way the store's
// normalized_name column does.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

const geoNodesSQL = `SELECT node_id, node_type, normalized_name, primary_name
FROM nodes
WHERE node_type IN ('City', 'State', 'County', 'ZipCode')`

// Load preloads all geographic nodes. A failure leaves the cache empty,
// which only costs extra propose round trips.
func (g *GeoCache) Load(ctx context.Context, q Querier, log *slog.Logger) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loaded {
		return nil
	}

	rows, err := q.Query(ctx, geoNodesSQL)
	if err != nil {
		return fmt.Errorf("op=graph.geocache.load: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var nodeID, nodeType, normalized, primary string
		if err := rows.Scan(&nodeID, &nodeType, &normalized, &primary); err != nil {
			return fmt.Errorf("op=graph.geocache.load: %w", err)
		}
		switch NodeType(nodeType) {
		case NodeCity:
			g.cities[normalized] = nodeID
		case NodeState:
			g.states[normalized] = nodeID
		case NodeCounty:
			g.counties[normalized] = nodeID
		case NodeZipCode:
			// Zip codes key on the literal code, not a normalized form.
			g.zipcodes[primary] = nodeID
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("op=graph.geocache.load: %w", err)
	}
	g.loaded = true
	if log != nil {
		log.Info("loaded geographic cache",
			slog.Int("cities", len(g.cities)),
			slog.Int("states", len(g.states)),
			slog.Int("counties", len(g.counties)),
			slog.Int("zipcodes", len(g.zipcodes)))
	}
	return nil
}

// Loaded reports whether the preload has run.
func (g *GeoCache) Loaded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.loaded
}

// City returns the cached node id for a city name.
func (g *GeoCache) City(name string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.cities[NormalizeName(name)]
	return id, ok
}

// State returns the cached node id for a state name.
func (g *GeoCache) State(name string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.states[NormalizeName(name)]
	return id, ok
}

// County returns the cached node id for a county name.
func (g *GeoCache) County(name string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.counties[NormalizeName(name)]
	return id, ok
}

// ZipCode returns the cached node id for a zip code.
func (g *GeoCache) ZipCode(code string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.zipcodes[code]
	return id, ok
}

const refreshCitySQL = `SELECT node_id FROM nodes
WHERE node_type = 'City' AND normalized_name = $1
LIMIT 1`

// RefreshCity re-reads one city key after a propose that may have created it.
func (g *GeoCache) RefreshCity(ctx context.Context, q Querier, name string) error {
	normalized := NormalizeName(name)
	var nodeID string
	if err := q.QueryRow(ctx, refreshCitySQL, normalized).Scan(&nodeID); err != nil {
		return fmt.Errorf("op=graph.geocache.refresh_city: %w", err)
	}
	g.mu.Lock()
	g.cities[normalized] = nodeID
	g.mu.Unlock()
	return nil
}

// BoundGeoCache pairs a cache with the querier it refreshes from, so
// consumers can refresh keys without holding a connection themselves.
type BoundGeoCache struct {
	Cache *GeoCache
	Q     Querier
}

func (b BoundGeoCache) City(name string) (string, bool)    { return b.Cache.City(name) }
func (b BoundGeoCache) State(name string) (string, bool)   { return b.Cache.State(name) }
func (b BoundGeoCache) County(name string) (string, bool)  { return b.Cache.County(name) }
func (b BoundGeoCache) ZipCode(code string) (string, bool) { return b.Cache.ZipCode(code) }

func (b BoundGeoCache) RefreshCity(ctx context.Context, name string) error {
	return b.Cache.RefreshCity(ctx, b.Q, name)
}

// Sizes returns the entry counts per index, for progress logs.
func (g *GeoCache) Sizes() (cities, states, counties, zipcodes int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cities), len(g.states), len(g.counties), len(g.zipcodes)
}
