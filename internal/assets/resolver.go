package assets

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/opspilot/backend/internal/circuitbreaker"
	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/lru"
	"github.com/opspilot/backend/internal/metrics"
)

const cacheName = "assets"

// Options tunes the resolver; zero values fall back to production defaults
// (cache 128 entries, TTL 120s, breaker trips after 3 failures and half
// opens after 30s).
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Resolver is the read path for asset context. Results are cached per
// (tenant, query, projection); inventory outages trip a circuit breaker
// that returns typed CIRCUIT_OPEN instead of stacking timeouts.
type Resolver struct {
	client   InventoryClient
	cache    *lru.Cache[[]Record]
	profiles *lru.Cache[*ConnectionProfile]
	breaker  *circuitbreaker.Breaker
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// NewResolver wires the resolver around an inventory client.
func NewResolver(client InventoryClient, m *metrics.Metrics, opts Options) *Resolver {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 120 * time.Second
	}
	return &Resolver{
		client:   client,
		cache:    lru.New[[]Record](opts.CacheSize, opts.CacheTTL),
		profiles: lru.New[*ConnectionProfile](opts.CacheSize, opts.CacheTTL),
		breaker:  circuitbreaker.New(circuitbreaker.Config{Name: "inventory"}),
		metrics:  m,
		logger:   log.New(log.Writer(), "[ASSETS] ", log.LstdFlags),
	}
}

// Search returns matching records, from cache when fresh.
func (r *Resolver) Search(ctx context.Context, tenantID string, q Query, projection []string) ([]Record, error) {
	key := cacheKey(tenantID, q, projection)
	if records, ok := r.cache.Get(key); ok {
		r.metrics.RecordCacheHit(cacheName)
		return records, nil
	}
	r.metrics.RecordCacheMiss(cacheName)

	var records []Record
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		records, err = r.client.Search(ctx, tenantID, q)
		return err
	})
	if err != nil {
		if faults.IsKind(err, faults.KindInternal) {
			// Schema drift, not transport trouble.
			r.metrics.RecordError("asset_search", "schema")
		}
		return nil, err
	}

	r.cache.Put(key, records)
	r.metrics.SetCacheEntries(cacheName, r.cache.Len())
	return records, nil
}

// Lookup resolves exactly one asset by id or search term. Zero or many
// matches return the disambiguation payload inside a VALIDATION error so
// the caller can render it.
func (r *Resolver) Lookup(ctx context.Context, tenantID string, q Query, projection []string) (*Record, error) {
	records, err := r.Search(ctx, tenantID, q, projection)
	if err != nil {
		return nil, err
	}
	if len(records) == 1 {
		rec := records[0]
		return &rec, nil
	}
	d := Disambiguate(records)
	return nil, faults.Newf(faults.KindValidation, "query matched %d assets", len(records)).
		WithDetail("disambiguation", d)
}

// Count proxies the inventory count endpoint through the breaker; counts
// are not cached since they feed one-off queries.
func (r *Resolver) Count(ctx context.Context, tenantID string, q Query) (int, error) {
	var n int
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.client.Count(ctx, tenantID, q)
		return err
	})
	return n, err
}

// ConnectionProfile returns how to reach host, from cache when fresh.
func (r *Resolver) ConnectionProfile(ctx context.Context, tenantID, host string) (*ConnectionProfile, error) {
	key := tenantID + "|profile|" + host
	if p, ok := r.profiles.Get(key); ok {
		r.metrics.RecordCacheHit(cacheName)
		return p, nil
	}
	r.metrics.RecordCacheMiss(cacheName)

	var profile *ConnectionProfile
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		profile, err = r.client.ConnectionProfile(ctx, tenantID, host)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.profiles.Put(key, profile)
	return profile, nil
}

// BreakerState exposes the breaker for health reporting.
func (r *Resolver) BreakerState() string {
	return r.breaker.State().String()
}

// Invalidate drops all cached entries.
func (r *Resolver) Invalidate() {
	r.cache.Purge()
	r.profiles.Purge()
	r.metrics.SetCacheEntries(cacheName, 0)
}

func cacheKey(tenantID string, q Query, projection []string) string {
	qj, _ := json.Marshal(q)
	return tenantID + "|" + string(qj) + "|" + strings.Join(projection, ",")
}
