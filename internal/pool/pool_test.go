package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeDriver is a minimal database/sql/driver.Driver for exercising
// Backend's admission control without a live MySQL server, following
// the teacher's own preference for in-process fakes over live-network
// tests (its checker_test.go fakes the TCP boundary the same way).
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

type fakeConn struct {
	driver *fakeDriver
}

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

// registerFakeBackend builds a Backend wrapping a fresh fake driver
// registered under a unique name (sql.Register panics on duplicate
// names, so each test gets its own).
func registerFakeBackend(t *testing.T, minConns, maxConns int) (*Backend, *fakeDriver) {
	t.Helper()
	name := fmt.Sprintf("fakemysql-%d", fakeDriverCounter.Add(1))
	fd := &fakeDriver{}
	sql.Register(name, fd)

	db, err := sql.Open(name, "fake-dsn")
	if err != nil {
		t.Fatalf("opening fake db: %v", err)
	}
	b, err := newBackendFromDB(BackendOptions{
		Name:           "primary",
		MinConns:       minConns,
		MaxConns:       maxConns,
		AcquireTimeout: time.Second,
		ConnectTimeout: time.Second,
	}, db)
	if err != nil {
		t.Fatalf("building backend: %v", err)
	}
	return b, fd
}

func TestAcquireAndReleaseRoundTrip(t *testing.T) {
	b, _ := registerFakeBackend(t, 1, 2)
	defer b.Close()

	c, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if b.Stats().InUse != 1 {
		t.Fatalf("expected 1 in-use connection, got %d", b.Stats().InUse)
	}
	c.Release()
	if b.Stats().InUse != 0 {
		t.Fatalf("expected 0 in-use connections after release, got %d", b.Stats().InUse)
	}
}

func TestAcquireBlocksAtCapAndUnblocksOnRelease(t *testing.T) {
	b, _ := registerFakeBackend(t, 1, 1)
	defer b.Close()

	first, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c, err := b.Acquire(ctx)
		if err == nil {
			c.Release()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	first.Release()

	if err := <-done; err != nil {
		t.Fatalf("expected second acquire to succeed after release, got %v", err)
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	b, _ := registerFakeBackend(t, 1, 1)
	defer b.Close()
	b.acquireTimeout = 30 * time.Millisecond

	c, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer c.Release()

	_, err = b.Acquire(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error when pool is exhausted")
	}
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	b, _ := registerFakeBackend(t, 1, 2)
	defer b.Close()

	c, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c.Release()
	c.Release() // must not panic or double-decrement
	if b.Stats().InUse != 0 {
		t.Fatalf("expected 0 in-use after double release, got %d", b.Stats().InUse)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := registerFakeBackend(t, 1, 2)
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.ReportOutcome(fmt.Errorf("boom"))
	}
	if b.BreakerState() != BreakerOpen {
		t.Fatalf("expected breaker to open after 5 consecutive failures, got %v", b.BreakerState())
	}

	_, err := b.Acquire(context.Background())
	if err == nil {
		t.Fatalf("expected circuit-open error while breaker is open")
	}
}

func TestBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	br := newBreaker(2, 2, 10*time.Millisecond)
	br.recordFailure()
	br.recordFailure()
	if br.currentState() != BreakerOpen {
		t.Fatalf("expected breaker open after threshold failures")
	}

	time.Sleep(20 * time.Millisecond)
	allowed, isProbe := br.allow()
	if !allowed || !isProbe {
		t.Fatalf("expected half-open probe to be allowed after window elapses")
	}

	br.recordSuccess()
	br.recordSuccess()
	if br.currentState() != BreakerClosed {
		t.Fatalf("expected breaker to close after successThreshold consecutive successes")
	}
}

func TestManagerReadWriteSplit(t *testing.T) {
	primary, _ := registerFakeBackend(t, 1, 2)
	defer primary.Close()
	replica, _ := registerFakeBackend(t, 1, 2)
	defer replica.Close()

	m := &Manager{
		primary:   newSlot(primary),
		replicas:  []*slot{newSlot(replica)},
		isHealthy: func(b *Backend) bool { return b.BreakerState() != BreakerOpen },
	}

	if m.GetWrite() != primary {
		t.Fatalf("expected GetWrite to return primary")
	}
	if m.GetRead() != replica {
		t.Fatalf("expected GetRead to return the healthy replica")
	}

	for i := 0; i < 5; i++ {
		replica.ReportOutcome(fmt.Errorf("boom"))
	}
	if m.GetRead() != primary {
		t.Fatalf("expected GetRead to fall back to primary once the replica's breaker opens")
	}
}

func TestLeakDetectorForcesReleaseOfAgedConnection(t *testing.T) {
	b, _ := registerFakeBackend(t, 1, 2)
	defer b.Close()

	c, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c.AcquiredAt = time.Now().Add(-2 * leakAgeThreshold)

	mgr := &Manager{primary: newSlot(b)}
	det := NewLeakDetector(mgr, nil, nil)
	det.scanOnce()

	if b.Stats().InUse != 0 {
		t.Fatalf("expected leaked connection to be force-released, got in-use=%d", b.Stats().InUse)
	}
	if b.Stats().LeaksTotal != 1 {
		t.Fatalf("expected leaksTotal incremented once, got %d", b.Stats().LeaksTotal)
	}
}
