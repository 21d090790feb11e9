package assets

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/metrics"
)

// ============================================================================
// FAKE INVENTORY
// ============================================================================

type fakeInventory struct {
	records  []Record
	profile  *ConnectionProfile
	err      error
	searches int
}

func (f *fakeInventory) Search(_ context.Context, _ string, _ Query) ([]Record, error) {
	f.searches++
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func (f *fakeInventory) Count(_ context.Context, _ string, _ Query) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return len(f.records), nil
}

func (f *fakeInventory) ConnectionProfile(_ context.Context, _, _ string) (*ConnectionProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.profile, nil
}

func asset(host, env string, updated time.Time) Record {
	return Record{
		AssetID:     "a-" + host,
		Hostname:    host,
		Environment: env,
		IsActive:    true,
		UpdatedAt:   updated,
	}
}

func newTestResolver(inv InventoryClient) *Resolver {
	return NewResolver(inv, metrics.NewWith(prometheus.NewRegistry()), Options{})
}

// ============================================================================
// RESOLVER
// ============================================================================

func TestSearchCachesResults(t *testing.T) {
	inv := &fakeInventory{records: []Record{asset("web-prod-01", "production", time.Now())}}
	r := newTestResolver(inv)
	ctx := context.Background()

	q := Query{Search: "web-prod-01"}
	first, err := r.Search(ctx, "t1", q, nil)
	require.NoError(t, err)
	second, err := r.Search(ctx, "t1", q, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inv.searches, "second read must come from cache")
}

func TestSearchCacheKeyIsTenantScoped(t *testing.T) {
	inv := &fakeInventory{records: []Record{asset("db-01", "staging", time.Now())}}
	r := newTestResolver(inv)
	ctx := context.Background()

	q := Query{Search: "db-01"}
	_, err := r.Search(ctx, "tenant-a", q, nil)
	require.NoError(t, err)
	_, err = r.Search(ctx, "tenant-b", q, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, inv.searches, "different tenants must not share cache entries")
}

func TestLookupSingleMatch(t *testing.T) {
	inv := &fakeInventory{records: []Record{asset("web-prod-01", "production", time.Now())}}
	r := newTestResolver(inv)

	rec, err := r.Lookup(context.Background(), "t1", Query{Search: "web-prod-01"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "web-prod-01", rec.Hostname)
}

func TestLookupMultiMatchReturnsDisambiguation(t *testing.T) {
	now := time.Now()
	inv := &fakeInventory{records: []Record{
		asset("web-prod-01", "production", now.Add(-time.Hour)),
		asset("web-prod-02", "production", now),
		asset("web-prod-03", "staging", now.Add(-2*time.Hour)),
	}}
	r := newTestResolver(inv)

	_, err := r.Lookup(context.Background(), "t1", Query{Search: "web-prod"}, nil)
	require.Error(t, err)
	require.Equal(t, faults.KindValidation, faults.KindOf(err))

	var fe *faults.Error
	require.ErrorAs(t, err, &fe)
	d, ok := fe.Details["disambiguation"].(*Disambiguation)
	require.True(t, ok)
	require.Len(t, d.Ranked, 3)
	// Most recently updated first.
	assert.Equal(t, "web-prod-02", d.Ranked[0].Hostname)
	assert.Equal(t, "web-prod-01", d.Ranked[1].Hostname)
	assert.Equal(t, "web-prod-03", d.Ranked[2].Hostname)
}

func TestCircuitOpensAfterThreeFailures(t *testing.T) {
	inv := &fakeInventory{err: faults.New(faults.KindTransient, "inventory down")}
	r := newTestResolver(inv)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Search(ctx, "t1", Query{Search: "x", Limit: i + 1}, nil)
		require.Error(t, err)
	}

	before := inv.searches
	_, err := r.Search(ctx, "t1", Query{Search: "y"}, nil)
	require.Error(t, err)
	assert.Equal(t, faults.KindCircuitOpen, faults.KindOf(err))
	assert.Equal(t, before, inv.searches, "open breaker must not touch the transport")
	assert.Equal(t, "OPEN", r.BreakerState())
}

// ============================================================================
// DISAMBIGUATION CONTRACT
// ============================================================================

func TestDisambiguateShapes(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		records []Record
		check   func(t *testing.T, d *Disambiguation)
	}{
		{
			name:    "zero matches gives guidance",
			records: nil,
			check: func(t *testing.T, d *Disambiguation) {
				assert.NotEmpty(t, d.Guidance)
				assert.NotEmpty(t, d.Hints)
				assert.Nil(t, d.Single)
			},
		},
		{
			name:    "single match gives structured payload",
			records: []Record{asset("web-01", "production", now)},
			check: func(t *testing.T, d *Disambiguation) {
				require.NotNil(t, d.Single)
				assert.Equal(t, "web-01", d.Single.Hostname)
			},
		},
		{
			name: "ties rank by environment then hostname",
			records: []Record{
				asset("zeta", "staging", now),
				asset("alpha", "production", now),
				asset("beta", "production", now),
			},
			check: func(t *testing.T, d *Disambiguation) {
				require.Len(t, d.Ranked, 3)
				assert.Equal(t, "alpha", d.Ranked[0].Hostname)
				assert.Equal(t, "beta", d.Ranked[1].Hostname)
				assert.Equal(t, "zeta", d.Ranked[2].Hostname)
			},
		},
		{
			name: "more than five aggregates by environment",
			records: []Record{
				asset("a", "production", now), asset("b", "production", now),
				asset("c", "staging", now), asset("d", "staging", now),
				asset("e", "staging", now), asset("f", "development", now),
			},
			check: func(t *testing.T, d *Disambiguation) {
				assert.Nil(t, d.Ranked)
				assert.Equal(t, map[string]int{"production": 2, "staging": 3, "development": 1}, d.Aggregate)
				assert.NotEmpty(t, d.Hints)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Disambiguate(tt.records))
		})
	}
}

func TestProjectDefaultsAndAlwaysCarriesUpdatedAt(t *testing.T) {
	rec := asset("web-01", "production", time.Now())
	rec.OSType = "linux"

	got := Project(rec, nil)
	assert.Equal(t, "web-01", got["hostname"])
	assert.Contains(t, got, "updated_at")
	assert.NotContains(t, got, "os_type")

	narrow := Project(rec, []string{"os_type"})
	assert.Equal(t, "linux", narrow["os_type"])
	assert.Contains(t, narrow, "updated_at")
	assert.NotContains(t, narrow, "hostname")
}
