// Package metrics exposes a Prometheus registry covering the decision
// path, the cache, and the HTTP surface, with its own /metrics handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector wraps the engine's Prometheus metric vectors behind its own
// registry, so it can be scraped independently of any global default
// registry.
type Collector struct {
	registry *prometheus.Registry

	DecisionsTotal      *prometheus.CounterVec
	DecisionDuration    *prometheus.HistogramVec
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	IdPSyncTotal        *prometheus.CounterVec
	IdPSyncDuration     *prometheus.HistogramVec
}

// New builds a Collector with a fresh registry and all metric vectors
// registered.
func New() *Collector {
	reg := prometheus.NewRegistry()

	decisionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "policyengine_decisions_total",
		Help: "Total number of access decisions returned, by realm/action/outcome",
	}, []string{"realm", "action", "decision"})

	decisionDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "policyengine_decision_duration_seconds",
		Help:    "Duration of a check-access/get-permitted-actions call",
		Buckets: prometheus.DefBuckets,
	}, []string{"realm", "endpoint"})

	cacheHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "policyengine_cache_hits_total",
		Help: "Total cache hits by cache key category",
	}, []string{"category"})

	cacheMisses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "policyengine_cache_misses_total",
		Help: "Total cache misses by cache key category",
	}, []string{"category"})

	httpRequestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "policyengine_http_requests_total",
		Help: "Total HTTP requests by method/route/status",
	}, []string{"method", "route", "status_code"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "policyengine_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	idpSyncTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "policyengine_idpsync_runs_total",
		Help: "Total identity provider sync passes by realm/outcome",
	}, []string{"realm", "status"})

	idpSyncDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "policyengine_idpsync_duration_seconds",
		Help:    "Duration of an identity provider sync pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"realm"})

	reg.MustRegister(
		decisionsTotal, decisionDuration,
		cacheHits, cacheMisses,
		httpRequestsTotal, httpRequestDuration,
		idpSyncTotal, idpSyncDuration,
	)

	return &Collector{
		registry:            reg,
		DecisionsTotal:      decisionsTotal,
		DecisionDuration:    decisionDuration,
		CacheHitsTotal:      cacheHits,
		CacheMissesTotal:    cacheMisses,
		HTTPRequestsTotal:   httpRequestsTotal,
		HTTPRequestDuration: httpRequestDuration,
		IdPSyncTotal:        idpSyncTotal,
		IdPSyncDuration:     idpSyncDuration,
	}
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordDecision records one check-access/get-permitted-actions outcome.
func (c *Collector) RecordDecision(realm, action string, granted bool, d time.Duration) {
	outcome := "denied"
	if granted {
		outcome = "granted"
	}
	c.DecisionsTotal.WithLabelValues(realm, action, outcome).Inc()
	c.DecisionDuration.WithLabelValues(realm, "check-access").Observe(d.Seconds())
}

// RecordCacheLookup records a cache hit or miss for the given key category
// (e.g. "realm_map", "principal", "type_decision").
func (c *Collector) RecordCacheLookup(category string, hit bool) {
	if hit {
		c.CacheHitsTotal.WithLabelValues(category).Inc()
		return
	}
	c.CacheMissesTotal.WithLabelValues(category).Inc()
}

// RecordHTTPRequest records one completed HTTP request.
func (c *Collector) RecordHTTPRequest(method, route, statusCode string, d time.Duration) {
	c.HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordIdPSync records one completed identity provider sync pass.
func (c *Collector) RecordIdPSync(realm string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.IdPSyncTotal.WithLabelValues(realm, status).Inc()
	c.IdPSyncDuration.WithLabelValues(realm).Observe(d.Seconds())
}
