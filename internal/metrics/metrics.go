package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the service exports. One
// instance per process; tests build isolated instances with NewWith.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec

	// Selector metrics
	SelectorRequests *prometheus.CounterVec
	SelectorDuration prometheus.Histogram

	// Storage and cache metrics
	DBErrors     prometheus.Counter
	CacheHits    *prometheus.CounterVec
	CacheMisses  *prometheus.CounterVec
	CacheEntries *prometheus.GaugeVec

	// Queue metrics
	DLQItems     prometheus.Counter
	QueueDepth   *prometheus.GaugeVec
	LeaseHolders prometheus.Gauge

	// Governance metrics
	ApprovalsTotal *prometheus.CounterVec
	SecretsLookups *prometheus.CounterVec

	BuildInfo *prometheus.GaugeVec
}

// New registers all instruments on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers all instruments on reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_total",
				Help: "Total execution and API requests by final status",
			},
			[]string{"status", "tool"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "request_duration_seconds",
				Help:    "End-to-end execution duration",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total errors by classified reason",
			},
			[]string{"reason", "tool"},
		),

		SelectorRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selector_requests_total",
				Help: "Tool selection requests by outcome",
			},
			[]string{"status", "source"}, // source: deterministic, llm_tiebreak, fallback
		),

		SelectorDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "selector_request_duration_seconds",
				Help:    "Tool selection latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),

		DBErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "db_errors_total",
				Help: "Total database errors",
			},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Cache hits by cache name",
			},
			[]string{"cache"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Cache misses by cache name",
			},
			[]string{"cache"},
		),

		CacheEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cache_entries",
				Help: "Current number of entries per cache",
			},
			[]string{"cache"},
		),

		DLQItems: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dlq_items_total",
				Help: "Total items moved to the dead letter queue",
			},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Queued executions awaiting a worker",
			},
			[]string{"sla"},
		),

		LeaseHolders: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lease_holders",
				Help: "Queue items currently leased by a worker",
			},
		),

		ApprovalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approvals_total",
				Help: "Approval decisions by outcome",
			},
			[]string{"decision"}, // decision: approved, rejected, expired
		),

		SecretsLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secrets_lookups_total",
				Help: "Credential lookups by outcome",
			},
			[]string{"outcome"}, // outcome: hit, miss, denied
		),

		BuildInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "build_info",
				Help: "Build metadata, value is always 1",
			},
			[]string{"version", "revision"},
		),
	}
}

// RecordRequest records a finished execution request.
func (m *Metrics) RecordRequest(tool, status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(status, tool).Inc()
	m.RequestDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordError records a classified failure.
func (m *Metrics) RecordError(tool, reason string) {
	m.ErrorsTotal.WithLabelValues(reason, tool).Inc()
}

// RecordSelection records a tool selection round.
func (m *Metrics) RecordSelection(status, source string, seconds float64) {
	m.SelectorRequests.WithLabelValues(status, source).Inc()
	m.SelectorDuration.Observe(seconds)
}

// RecordDBError increments the database error counter.
func (m *Metrics) RecordDBError() {
	m.DBErrors.Inc()
}

// RecordCacheHit records a hit for the named cache.
func (m *Metrics) RecordCacheHit(cache string) {
	m.CacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a miss for the named cache.
func (m *Metrics) RecordCacheMiss(cache string) {
	m.CacheMisses.WithLabelValues(cache).Inc()
}

// SetCacheEntries updates the entry gauge for the named cache.
func (m *Metrics) SetCacheEntries(cache string, n int) {
	m.CacheEntries.WithLabelValues(cache).Set(float64(n))
}

// RecordDeadLetter increments the DLQ counter.
func (m *Metrics) RecordDeadLetter() {
	m.DLQItems.Inc()
}

// SetQueueDepth updates the queue depth gauge for an SLA class.
func (m *Metrics) SetQueueDepth(sla string, n int) {
	m.QueueDepth.WithLabelValues(sla).Set(float64(n))
}

// SetLeaseHolders updates the leased item gauge.
func (m *Metrics) SetLeaseHolders(n int) {
	m.LeaseHolders.Set(float64(n))
}

// RecordApproval records an approval decision.
func (m *Metrics) RecordApproval(decision string) {
	m.ApprovalsTotal.WithLabelValues(decision).Inc()
}

// RecordSecretsLookup records a credential lookup outcome.
func (m *Metrics) RecordSecretsLookup(outcome string) {
	m.SecretsLookups.WithLabelValues(outcome).Inc()
}

// SetBuildInfo publishes build metadata.
func (m *Metrics) SetBuildInfo(version, revision string) {
	m.BuildInfo.WithLabelValues(version, revision).Set(1)
}
