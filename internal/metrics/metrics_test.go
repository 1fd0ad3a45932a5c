package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func findHistogramSampleCount(reg *prometheus.Registry, name string) (uint64, bool) {
	families, err := reg.Gather()
	if err != nil {
		return 0, false
	}
	for _, f := range families {
		if f.GetName() == name {
			m := f.GetMetric()
			if len(m) == 0 {
				return 0, false
			}
			return m[0].GetHistogram().GetSampleCount(), true
		}
	}
	return 0, false
}

func TestUpdatePoolStatsReplacesNotIncrements(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("primary", 10, 3, 1)
	if v := getGaugeValue(c.connectionsInUse.WithLabelValues("primary")); v != 3 {
		t.Errorf("expected in_use=3, got %v", v)
	}

	c.UpdatePoolStats("primary", 10, 7, 0)
	if v := getGaugeValue(c.connectionsInUse.WithLabelValues("primary")); v != 7 {
		t.Errorf("expected in_use=7 after update, got %v", v)
	}
}

func TestQueryCompletedObservesDurationAndSlowCounter(t *testing.T) {
	c, reg := newTestCollector(t)

	c.QueryCompleted("exec", 100*time.Millisecond, 500*time.Millisecond)
	c.QueryCompleted("exec", 900*time.Millisecond, 500*time.Millisecond)

	count, found := findHistogramSampleCount(reg, "gateway_query_duration_seconds")
	if !found {
		t.Fatal("query duration metric not found")
	}
	if count != 2 {
		t.Errorf("expected 2 samples, got %d", count)
	}
	if v := getCounterValue(c.slowQueries.WithLabelValues("exec")); v != 1 {
		t.Errorf("expected 1 slow query recorded, got %v", v)
	}
}

func TestSetBreakerState(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetBreakerState("replica-0", 2)
	if v := getGaugeValue(c.breakerState.WithLabelValues("replica-0")); v != 2 {
		t.Errorf("expected breaker state=2, got %v", v)
	}

	c.SetBreakerState("replica-0", 0)
	if v := getGaugeValue(c.breakerState.WithLabelValues("replica-0")); v != 0 {
		t.Errorf("expected breaker state=0 after close, got %v", v)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("primary")
	c.PoolExhausted("primary")
	c.PoolExhausted("primary")

	if v := getCounterValue(c.poolExhausted.WithLabelValues("primary")); v != 3 {
		t.Errorf("expected exhausted=3, got %v", v)
	}
}

func TestLeakForced(t *testing.T) {
	c, _ := newTestCollector(t)

	c.LeakForced("primary")
	c.LeakForced("primary")

	if v := getCounterValue(c.leaksTotal.WithLabelValues("primary")); v != 2 {
		t.Errorf("expected leaksTotal=2, got %v", v)
	}
}

func TestHealthCheckCompletedRecordsStatusLabel(t *testing.T) {
	c, _ := newTestCollector(t)

	c.HealthCheckCompleted("primary", 5*time.Millisecond, true)
	c.HealthCheckCompleted("primary", 5*time.Millisecond, false)
	c.HealthCheckError("primary")

	healthy, err := c.healthCheckDuration.GetMetricWithLabelValues("primary", "healthy")
	if err != nil || healthy == nil {
		t.Fatal("expected a healthy-status histogram entry to exist")
	}
	unhealthy, err := c.healthCheckDuration.GetMetricWithLabelValues("primary", "unhealthy")
	if err != nil || unhealthy == nil {
		t.Fatal("expected an unhealthy-status histogram entry to exist")
	}
	if v := getCounterValue(c.healthCheckErrors.WithLabelValues("primary")); v != 1 {
		t.Errorf("expected 1 health check error, got %v", v)
	}
}

func TestCacheHitAndMiss(t *testing.T) {
	c, _ := newTestCollector(t)

	c.CacheHit("schema")
	c.CacheHit("schema")
	c.CacheMiss("schema")

	if v := getCounterValue(c.cacheHits.WithLabelValues("schema")); v != 2 {
		t.Errorf("expected 2 hits, got %v", v)
	}
	if v := getCounterValue(c.cacheMisses.WithLabelValues("schema")); v != 1 {
		t.Errorf("expected 1 miss, got %v", v)
	}
}

func TestRateLimitAndRBACDenied(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RateLimitDenied("user:42")
	c.RBACDenied("query:write")
	c.RBACDenied("query:write")

	if v := getCounterValue(c.rateLimitDenied.WithLabelValues("user:42")); v != 1 {
		t.Errorf("expected 1 rate-limit denial, got %v", v)
	}
	if v := getCounterValue(c.rbacDenied.WithLabelValues("query:write")); v != 2 {
		t.Errorf("expected 2 RBAC denials, got %v", v)
	}
}

func TestRetryAttempted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RetryAttempted("retried")
	c.RetryAttempted("succeeded")

	if v := getCounterValue(c.retryAttempts.WithLabelValues("retried")); v != 1 {
		t.Errorf("expected 1 retried, got %v", v)
	}
	if v := getCounterValue(c.retryAttempts.WithLabelValues("succeeded")); v != 1 {
		t.Errorf("expected 1 succeeded, got %v", v)
	}
}

func TestSetMemoryPressure(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetMemoryPressure(0.72)
	if v := getGaugeValue(c.memoryPressure); v != 0.72 {
		t.Errorf("expected pressure=0.72, got %v", v)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	// Calling New() multiple times should not panic: each builds its own
	// registry instead of registering on the process-wide default one.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("primary", 5, 1, 0)
	c2.UpdatePoolStats("primary", 5, 2, 0)

	if v := getGaugeValue(c1.connectionsInUse.WithLabelValues("primary")); v != 1 {
		t.Errorf("c1 expected in_use=1, got %v", v)
	}
	if v := getGaugeValue(c2.connectionsInUse.WithLabelValues("primary")); v != 2 {
		t.Errorf("c2 expected in_use=2, got %v", v)
	}
}
