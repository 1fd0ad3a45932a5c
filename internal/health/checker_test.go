package health

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liyq0307/mysql-mcp-gateway/internal/config"
	"github.com/liyq0307/mysql-mcp-gateway/internal/pool"
)

// fakeDriver mirrors the fake driver in internal/pool's own tests, so
// the checker can be exercised without a live MySQL server.
type fakeDriver struct {
	mu      sync.Mutex
	failing bool
}

func (d *fakeDriver) Open(name string) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failing {
		return nil, fmt.Errorf("fake dial failure")
	}
	return &fakeConn{driver: d}, nil
}

func (d *fakeDriver) setFailing(failing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = failing
}

type fakeConn struct{ driver *fakeDriver }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) { return nil, driver.ErrSkip }
func (c *fakeConn) Close() error                              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)                 { return nil, driver.ErrSkip }

func (c *fakeConn) Ping(ctx context.Context) error {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	if c.driver.failing {
		return fmt.Errorf("fake ping failure")
	}
	return nil
}

var fakeDriverCounter atomic.Int64

func registerFakeBackend(t *testing.T, name string) (*pool.Backend, *fakeDriver) {
	t.Helper()
	driverName := fmt.Sprintf("fakemysql-health-%d", fakeDriverCounter.Add(1))
	fd := &fakeDriver{}
	sql.Register(driverName, fd)

	b, err := pool.NewBackendWithDriver(pool.BackendOptions{
		Name:           name,
		MinConns:       1,
		MaxConns:       2,
		AcquireTimeout: time.Second,
		ConnectTimeout: time.Second,
	}, driverName)
	if err != nil {
		t.Fatalf("building backend: %v", err)
	}
	return b, fd
}

func newManagerWithFakes(t *testing.T) (*pool.Manager, *fakeDriver) {
	t.Helper()
	primary, fd := registerFakeBackend(t, "primary")
	mgr, err := pool.NewManagerFromBackends(primary, nil)
	if err != nil {
		t.Fatalf("building manager: %v", err)
	}
	return mgr, fd
}

func TestCheckerMarksBackendHealthyOnSuccessfulPing(t *testing.T) {
	mgr, _ := newManagerWithFakes(t)
	defer mgr.Close()

	c := NewChecker(mgr, nil, nil, nil, config.Health{Interval: time.Hour, FailureThreshold: 3}, 2*time.Second, nil)
	c.checkAll()

	if !c.IsHealthy("primary") {
		t.Fatalf("expected primary to be healthy after a successful ping")
	}
	st := c.Status("primary")
	if st.Status != StatusHealthy {
		t.Fatalf("expected StatusHealthy, got %v", st.Status)
	}
}

func TestCheckerMarksBackendUnhealthyAfterThreshold(t *testing.T) {
	mgr, fd := newManagerWithFakes(t)
	defer mgr.Close()
	fd.setFailing(true)

	c := NewChecker(mgr, nil, nil, nil, config.Health{Interval: time.Hour, FailureThreshold: 2}, 2*time.Second, nil)
	c.checkAll()
	c.checkAll()

	if c.IsHealthy("primary") {
		t.Fatalf("expected primary to be unhealthy after 2 consecutive failures")
	}
	if mgr.Primary().BreakerState() == pool.BreakerClosed {
		t.Fatalf("expected breaker to have recorded failures")
	}
}

func TestCheckerRecoversAfterPingSucceedsAgain(t *testing.T) {
	mgr, fd := newManagerWithFakes(t)
	defer mgr.Close()
	fd.setFailing(true)

	c := NewChecker(mgr, nil, nil, nil, config.Health{Interval: time.Hour, FailureThreshold: 2}, 2*time.Second, nil)
	c.checkAll()
	c.checkAll()
	if c.IsHealthy("primary") {
		t.Fatalf("expected unhealthy before recovery")
	}

	fd.setFailing(false)
	c.checkAll()
	if !c.IsHealthy("primary") {
		t.Fatalf("expected healthy again once the probe starts succeeding")
	}
}

func TestCheckerSkipsOverlappingPassWhileInProgress(t *testing.T) {
	mgr, _ := newManagerWithFakes(t)
	defer mgr.Close()

	c := NewChecker(mgr, nil, nil, nil, config.Health{Interval: time.Hour, FailureThreshold: 3}, 2*time.Second, nil)
	c.inProgress.Store(true)
	c.checkAll() // should be a no-op: inProgress already true

	if _, ok := c.AllStatuses()["primary"]; ok {
		t.Fatalf("expected no probe to have run while inProgress was held")
	}
}
