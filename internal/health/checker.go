// Package health runs the gateway's background backend prober: one
// ping per configured interval per backend, feeding circuit breakers,
// driving dynamic resize on sustained failure, and exposing a status
// snapshot for the admin API.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liyq0307/mysql-mcp-gateway/internal/config"
	"github.com/liyq0307/mysql-mcp-gateway/internal/eventlog"
	"github.com/liyq0307/mysql-mcp-gateway/internal/metrics"
	"github.com/liyq0307/mysql-mcp-gateway/internal/pool"
)

// Status is a backend's current health classification.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// BackendHealth holds the health state the checker tracks per backend.
type BackendHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic ping probes against every backend in a
// pool.Manager, feeding outcomes into each backend's circuit breaker
// and, on sustained failure, into a staged recovery sequence that
// shrinks and rebuilds the backend's pool.
type Checker struct {
	mu       sync.RWMutex
	backends map[string]*BackendHealth

	mgr     *pool.Manager
	resizer *pool.Resizer
	metrics *metrics.Collector
	events  *eventlog.Logger
	log     *slog.Logger

	interval          time.Duration
	failureThreshold  int
	recoveryThreshold int
	probeTimeout      time.Duration

	inProgress atomic.Bool
	paused     atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker builds a checker over mgr using hcCfg's interval and
// thresholds. resizer is used only for the staged-recovery shrink/rebuild
// steps; it may be nil, in which case recovery rebuilds nothing and only
// re-pings the existing backend before giving up. events records staged-recovery
// transitions to the recovery/alert log; it may be nil.
func NewChecker(mgr *pool.Manager, resizer *pool.Resizer, m *metrics.Collector, events *eventlog.Logger, hcCfg config.Health, connectTimeout time.Duration, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	probeTimeout := connectTimeout / 2
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &Checker{
		backends:          make(map[string]*BackendHealth),
		mgr:               mgr,
		resizer:           resizer,
		metrics:           m,
		events:            events,
		log:               log,
		interval:          hcCfg.Interval,
		failureThreshold:  hcCfg.FailureThreshold,
		recoveryThreshold: hcCfg.RecoveryThreshold,
		probeTimeout:      probeTimeout,
		stopCh:            make(chan struct{}),
	}
}

func (c *Checker) recordEvent(severity eventlog.Severity, eventType, backend string, extra map[string]any) {
	if c.events == nil {
		return
	}
	details := map[string]any{"backend": backend}
	for k, v := range extra {
		details[k] = v
	}
	if err := c.events.Record(severity, eventType, details); err != nil {
		c.log.Warn("writing recovery event log failed", "err", err)
	}
}

// Start begins the periodic probe loop, running one pass immediately.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	c.log.Info("health checker started", "interval", c.interval, "failure_threshold", c.failureThreshold)
}

// Stop halts the probe loop. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.log.Info("health checker stopped")
}

// Pause suspends probing. The resizer calls this with true immediately
// before a double-buffered swap and false once it completes, so a probe
// never races a backend replacement.
func (c *Checker) Pause(paused bool) { c.paused.Store(paused) }

func (c *Checker) run() {
	c.checkAll()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	if c.paused.Load() {
		return
	}
	if !c.inProgress.CompareAndSwap(false, true) {
		return // previous pass still running; skip this tick
	}
	defer c.inProgress.Store(false)

	backends := c.mgr.AllBackends()
	var wg sync.WaitGroup
	for i, b := range backends {
		b := b
		replicaIndex := i - 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.probeOne(replicaIndex, b)
		}()
	}
	wg.Wait()
}

func (c *Checker) probeOne(replicaIndex int, b *pool.Backend) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.probeTimeout)
	defer cancel()

	err := b.DB().PingContext(ctx)
	elapsed := time.Since(start)
	healthy := err == nil

	if c.metrics != nil {
		c.metrics.HealthCheckCompleted(b.Name(), elapsed, healthy)
		if !healthy {
			c.metrics.HealthCheckError(b.Name())
		}
	}

	b.ReportOutcome(err)
	b.RecordHealthCheck(!healthy)

	th := c.updateStatus(b.Name(), err)
	if !healthy && th.ConsecutiveFailures == c.failureThreshold {
		go c.recover(replicaIndex, b)
	}
}

func (c *Checker) updateStatus(name string, probeErr error) BackendHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	th := c.getOrCreate(name)
	th.LastCheck = time.Now()

	if probeErr == nil {
		if th.ConsecutiveFailures > 0 {
			c.log.Info("backend recovered", "backend", name, "failures", th.ConsecutiveFailures)
		}
		th.Status = StatusHealthy
		th.ConsecutiveFailures = 0
		th.LastError = ""
		return *th
	}

	th.ConsecutiveFailures++
	th.LastError = probeErr.Error()
	if th.ConsecutiveFailures >= c.failureThreshold {
		if th.Status != StatusUnhealthy {
			c.log.Warn("backend marked unhealthy", "backend", name, "failures", th.ConsecutiveFailures, "err", probeErr)
		}
		th.Status = StatusUnhealthy
	}
	return *th
}

func (c *Checker) getOrCreate(name string) *BackendHealth {
	th, ok := c.backends[name]
	if !ok {
		th = &BackendHealth{Status: StatusUnknown}
		c.backends[name] = th
	}
	return th
}

// recover runs the staged recovery sequence spec.md §4.I describes for
// a backend that just crossed the failure threshold: shrink-and-rebuild,
// re-validate, and if still failing, rebuild at the floor before one
// final validation pass.
func (c *Checker) recover(replicaIndex int, b *pool.Backend) {
	name := b.Name()
	c.log.Warn("entering staged recovery", "backend", name)
	c.recordEvent(eventlog.SeverityWarning, "health.recovery_started", name, nil)

	stats := b.Stats()
	shrunk := stats.Cap - 2
	if shrunk < stats.MinConns {
		shrunk = stats.MinConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.probeTimeout*4)
	defer cancel()

	if c.resizer != nil {
		c.resizer.ForceRebuild(ctx, replicaIndex, b, shrunk)
		b = c.currentBackend(replicaIndex)
	}

	if b.DB().PingContext(ctx) == nil {
		c.closeBreakerAndReset(name, b)
		return
	}

	c.log.Warn("recovery: shrink-and-rebuild still unhealthy, rebuilding at floor", "backend", name)
	if c.resizer != nil {
		c.resizer.ForceRebuild(ctx, replicaIndex, b, stats.MinConns)
		b = c.currentBackend(replicaIndex)
	}

	time.Sleep(c.probeTimeout)
	if b.DB().PingContext(ctx) == nil {
		c.closeBreakerAndReset(name, b)
		return
	}

	c.log.Error("recovery exhausted, backend remains unhealthy", "backend", name)
	c.recordEvent(eventlog.SeverityCritical, "health.recovery_failed", name, nil)
	if c.metrics != nil {
		c.metrics.HealthCheckError(name)
	}
}

func (c *Checker) currentBackend(replicaIndex int) *pool.Backend {
	if replicaIndex < 0 {
		return c.mgr.Primary()
	}
	replicas := c.mgr.Replicas()
	if replicaIndex < len(replicas) {
		return replicas[replicaIndex]
	}
	return c.mgr.Primary()
}

func (c *Checker) closeBreakerAndReset(name string, b *pool.Backend) {
	b.ForceCloseBreaker()
	b.RecordHealthCheck(false)
	c.mu.Lock()
	th := c.getOrCreate(name)
	th.Status = StatusHealthy
	th.ConsecutiveFailures = 0
	th.LastError = ""
	c.mu.Unlock()
	c.log.Info("recovery succeeded", "backend", name)
	c.recordEvent(eventlog.SeverityInfo, "health.recovery_succeeded", name, nil)
}

// IsHealthy reports whether name is currently considered healthy; an
// unknown backend is treated as healthy (allow through until proven
// otherwise).
func (c *Checker) IsHealthy(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	th, ok := c.backends[name]
	if !ok {
		return true
	}
	return th.Status != StatusUnhealthy
}

// Status returns the current health snapshot for name.
func (c *Checker) Status(name string) BackendHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	th, ok := c.backends[name]
	if !ok {
		return BackendHealth{Status: StatusUnknown}
	}
	return *th
}

// AllStatuses returns the health snapshot for every known backend.
func (c *Checker) AllStatuses() map[string]BackendHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]BackendHealth, len(c.backends))
	for name, th := range c.backends {
		out[name] = *th
	}
	return out
}

// OverallHealthy reports whether every known backend is healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, th := range c.backends {
		if th.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}
