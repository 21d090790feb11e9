package catalog

import (
	"context"
	"log"
	"time"

	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/lru"
	"github.com/opspilot/backend/internal/metrics"
)

const cacheName = "catalog"

// Service is the versioned registry of tools and their governance policies.
// Organizations register tools via API (or tools.d seed files) instead of
// hardcoding them; reads go through a bounded LRU so the selector's hot path
// rarely touches the database.
type Service struct {
	store   *Store
	names   *lru.Cache[*ToolSpec]
	lists   *lru.Cache[[]*ToolSpec]
	logger  *log.Logger
	metrics *metrics.Metrics
	seedDir string
}

// Options tunes the service; zero values fall back to the defaults used in
// production (cache size 1000, TTL 300s).
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	SeedDir   string
}

// NewService creates a catalog backed by store.
func NewService(store *Store, m *metrics.Metrics, opts Options) *Service {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 300 * time.Second
	}
	return &Service{
		store:   store,
		names:   lru.New[*ToolSpec](opts.CacheSize, opts.CacheTTL),
		lists:   lru.New[[]*ToolSpec](opts.CacheSize/8+1, opts.CacheTTL),
		logger:  log.New(log.Writer(), "[CATALOG] ", log.LstdFlags),
		metrics: m,
		seedDir: opts.SeedDir,
	}
}

// GetToolByName returns the latest version of the named tool.
func (s *Service) GetToolByName(ctx context.Context, name string) (*ToolSpec, error) {
	if spec, ok := s.names.Get(name); ok {
		s.metrics.RecordCacheHit(cacheName)
		return spec, nil
	}
	s.metrics.RecordCacheMiss(cacheName)

	spec, err := s.store.GetLatest(ctx, name)
	if err != nil {
		return nil, err
	}
	s.names.Put(name, spec)
	s.updateGauge()
	return spec, nil
}

// RequiresApproval reports whether the named tool's policy opens a human
// gate. Tools the catalog does not know answer false; the engine's own
// registry rejects them separately.
func (s *Service) RequiresApproval(ctx context.Context, name string) bool {
	spec, err := s.GetToolByName(ctx, name)
	if err != nil {
		return false
	}
	return spec.Policy.RequiresApproval
}

// GetToolVersion returns one historical version. History reads bypass the
// cache.
func (s *Service) GetToolVersion(ctx context.Context, name string, version int) (*ToolSpec, error) {
	return s.store.GetVersion(ctx, name, version)
}

// GetToolsByCapability returns enabled latest versions that can serve the
// platform and optional category. Disabled tools are invisible here.
func (s *Service) GetToolsByCapability(ctx context.Context, platform Platform, category string) ([]*ToolSpec, error) {
	key := "cap:" + string(platform) + ":" + category
	if specs, ok := s.lists.Get(key); ok {
		s.metrics.RecordCacheHit(cacheName)
		return specs, nil
	}
	s.metrics.RecordCacheMiss(cacheName)

	specs, err := s.store.ListByCapability(ctx, platform, category)
	if err != nil {
		return nil, err
	}
	s.lists.Put(key, specs)
	s.updateGauge()
	return specs, nil
}

// ListTools returns the latest version of every registered tool, including
// disabled ones.
func (s *Service) ListTools(ctx context.Context) ([]*ToolSpec, error) {
	if specs, ok := s.lists.Get("all"); ok {
		s.metrics.RecordCacheHit(cacheName)
		return specs, nil
	}
	s.metrics.RecordCacheMiss(cacheName)

	specs, err := s.store.ListLatest(ctx)
	if err != nil {
		return nil, err
	}
	s.lists.Put("all", specs)
	s.updateGauge()
	return specs, nil
}

// Upsert validates spec and stores it as a new version. When the latest
// stored version already carries the same definition, no version is minted
// and the stored spec is returned unchanged.
func (s *Service) Upsert(ctx context.Context, spec *ToolSpec) (*ToolSpec, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	current, err := s.store.GetLatest(ctx, spec.ToolName)
	if err != nil && !faults.IsKind(err, faults.KindNotFound) {
		return nil, err
	}
	if current != nil && current.SameDefinition(spec) {
		return current, nil
	}

	stored, err := s.store.CreateVersion(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.invalidate()
	s.logger.Printf("📦 Registered tool: %s v%d (%s, %s, approval=%t)",
		stored.ToolName, stored.Version, stored.Platform, stored.ActionClass,
		stored.Policy.RequiresApproval)
	return stored, nil
}

// GetToolHistory returns every version of the named tool, newest first, so
// operators can audit policy changes before a rollback.
func (s *Service) GetToolHistory(ctx context.Context, name string) ([]*ToolSpec, error) {
	return s.store.ListVersions(ctx, name)
}

// Rollback re-activates a prior version as a new latest version.
func (s *Service) Rollback(ctx context.Context, name string, toVersion int) (*ToolSpec, error) {
	stored, err := s.store.Rollback(ctx, name, toVersion)
	if err != nil {
		return nil, err
	}
	s.invalidate()
	s.logger.Printf("⏪ Rolled back tool: %s to v%d (now v%d)", name, toVersion, stored.Version)
	return stored, nil
}

// Reload drops every cached read and, when a seed directory is configured,
// re-applies the seed files. Returns the number of specs written.
func (s *Service) Reload(ctx context.Context) (int, error) {
	s.invalidate()
	if s.seedDir == "" {
		return 0, nil
	}
	return s.Seed(ctx)
}

// Seed upserts every spec found in the configured tools.d directory.
// Unchanged definitions are skipped so repeated boots stay at the same
// version numbers.
func (s *Service) Seed(ctx context.Context) (int, error) {
	specs, err := LoadSeedDir(s.seedDir)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, spec := range specs {
		current, err := s.store.GetLatest(ctx, spec.ToolName)
		if err != nil && !faults.IsKind(err, faults.KindNotFound) {
			return written, err
		}
		if current != nil && current.SameDefinition(spec) {
			continue
		}
		if _, err := s.store.CreateVersion(ctx, spec); err != nil {
			return written, err
		}
		written++
	}
	if written > 0 {
		s.invalidate()
	}
	s.logger.Printf("🌱 Seeded %d tool spec(s) from %s", written, s.seedDir)
	return written, nil
}

// Count returns the number of distinct registered tools.
func (s *Service) Count(ctx context.Context) (int, error) {
	specs, err := s.ListTools(ctx)
	if err != nil {
		return 0, err
	}
	return len(specs), nil
}

// Stats reports cache occupancy for diagnostics endpoints.
func (s *Service) Stats() map[string]interface{} {
	return map[string]interface{}{
		"cached_names": s.names.Len(),
		"cached_lists": s.lists.Len(),
		"seed_dir":     s.seedDir,
	}
}

func (s *Service) invalidate() {
	s.names.Purge()
	s.lists.Purge()
	s.updateGauge()
}

func (s *Service) updateGauge() {
	s.metrics.SetCacheEntries(cacheName, s.names.Len()+s.lists.Len())
}
