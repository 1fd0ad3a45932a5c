// Package metrics registers the gateway's Prometheus instrumentation on
// a private registry (never the global default, so tests and multiple
// Collector instances never collide).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the gateway's core runtime
// exposes, labeled by backend name (primary, replica-N) rather than
// tenant, since the gateway fronts a single MySQL logical cluster.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsInUse   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	breakerState       *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
	acquireDuration    *prometheus.HistogramVec
	leaksTotal         *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	queryDuration   *prometheus.HistogramVec
	queryErrors     *prometheus.CounterVec
	slowQueries     *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	rateLimitDenied *prometheus.CounterVec
	rbacDenied      *prometheus.CounterVec
	retryAttempts   *prometheus.CounterVec
	memoryPressure  prometheus.Gauge
}

// New creates and registers every metric on a fresh, independent
// registry, so building a second Collector (e.g. in a test) never
// panics on a duplicate-registration error.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gateway_pool_cap", Help: "Current connection cap per backend"},
			[]string{"backend"},
		),
		connectionsInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gateway_pool_in_use", Help: "In-use connections per backend"},
			[]string{"backend"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gateway_pool_waiting", Help: "Goroutines waiting for a connection per backend"},
			[]string{"backend"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gateway_breaker_state", Help: "Circuit breaker state (0=closed,1=half-open,2=open)"},
			[]string{"backend"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_pool_exhausted_total", Help: "Times a backend's pool was exhausted"},
			[]string{"backend"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_acquire_duration_seconds",
				Help:    "Time spent waiting for a pool connection",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
			[]string{"backend"},
		),
		leaksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_pool_leaks_total", Help: "Connections force-released by the leak detector"},
			[]string{"backend"},
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_health_check_duration_seconds",
				Help:    "Duration of backend health probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"backend", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_health_check_errors_total", Help: "Health check errors by backend"},
			[]string{"backend"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_query_duration_seconds",
				Help:    "Duration of executed queries",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 18),
			},
			[]string{"operation"},
		),
		queryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_query_errors_total", Help: "Query errors by category"},
			[]string{"category"},
		),
		slowQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_slow_queries_total", Help: "Queries exceeding the slow-query threshold"},
			[]string{"operation"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_cache_hits_total", Help: "Cache hits by region"},
			[]string{"region"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_cache_misses_total", Help: "Cache misses by region"},
			[]string{"region"},
		),
		rateLimitDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_rate_limit_denied_total", Help: "Requests denied by the rate limiter"},
			[]string{"identifier"},
		),
		rbacDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_rbac_denied_total", Help: "Requests denied by RBAC"},
			[]string{"permission"},
		),
		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_retry_attempts_total", Help: "Retry attempts by outcome"},
			[]string{"outcome"},
		),
		memoryPressure: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gateway_memory_pressure", Help: "Current memory pressure in [0,1]"},
		),
	}

	reg.MustRegister(
		c.connectionsActive, c.connectionsInUse, c.connectionsWaiting, c.breakerState,
		c.poolExhausted, c.acquireDuration, c.leaksTotal,
		c.healthCheckDuration, c.healthCheckErrors,
		c.queryDuration, c.queryErrors, c.slowQueries,
		c.cacheHits, c.cacheMisses, c.rateLimitDenied, c.rbacDenied, c.retryAttempts,
		c.memoryPressure,
	)
	return c
}

// UpdatePoolStats records a point-in-time snapshot for one backend.
func (c *Collector) UpdatePoolStats(backend string, cap, inUse, waiting int) {
	c.connectionsActive.WithLabelValues(backend).Set(float64(cap))
	c.connectionsInUse.WithLabelValues(backend).Set(float64(inUse))
	c.connectionsWaiting.WithLabelValues(backend).Set(float64(waiting))
}

// SetBreakerState records a breaker's current state as 0/1/2.
func (c *Collector) SetBreakerState(backend string, state int) {
	c.breakerState.WithLabelValues(backend).Set(float64(state))
}

// PoolExhausted increments the exhaustion counter for backend.
func (c *Collector) PoolExhausted(backend string) {
	c.poolExhausted.WithLabelValues(backend).Inc()
}

// AcquireDuration observes a connection-acquire wait.
func (c *Collector) AcquireDuration(backend string, d time.Duration) {
	c.acquireDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// LeakForced increments the leak-detector forced-release counter.
func (c *Collector) LeakForced(backend string) {
	c.leaksTotal.WithLabelValues(backend).Inc()
}

// HealthCheckCompleted records a probe's duration and outcome.
func (c *Collector) HealthCheckCompleted(backend string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(backend, status).Observe(d.Seconds())
}

// HealthCheckError increments the health-check error counter for backend.
func (c *Collector) HealthCheckError(backend string) {
	c.healthCheckErrors.WithLabelValues(backend).Inc()
}

// QueryCompleted records a query's duration against an operation label
// (exec, batch_exec, batch_insert), and flags it slow if over threshold.
func (c *Collector) QueryCompleted(operation string, d time.Duration, slowThreshold time.Duration) {
	c.queryDuration.WithLabelValues(operation).Observe(d.Seconds())
	if slowThreshold > 0 && d > slowThreshold {
		c.slowQueries.WithLabelValues(operation).Inc()
	}
}

// QueryError increments the query-error counter for an error category.
func (c *Collector) QueryError(category string) {
	c.queryErrors.WithLabelValues(category).Inc()
}

// CacheHit/CacheMiss record a cache lookup outcome for a named region.
func (c *Collector) CacheHit(region string)  { c.cacheHits.WithLabelValues(region).Inc() }
func (c *Collector) CacheMiss(region string) { c.cacheMisses.WithLabelValues(region).Inc() }

// RateLimitDenied increments the denial counter for identifier.
func (c *Collector) RateLimitDenied(identifier string) {
	c.rateLimitDenied.WithLabelValues(identifier).Inc()
}

// RBACDenied increments the denial counter for a permission string.
func (c *Collector) RBACDenied(permission string) {
	c.rbacDenied.WithLabelValues(permission).Inc()
}

// RetryAttempted increments the retry-attempt counter for an outcome
// ("retried", "succeeded", "exhausted").
func (c *Collector) RetryAttempted(outcome string) {
	c.retryAttempts.WithLabelValues(outcome).Inc()
}

// SetMemoryPressure records the current pressure reading in [0,1].
func (c *Collector) SetMemoryPressure(p float64) {
	c.memoryPressure.Set(p)
}
