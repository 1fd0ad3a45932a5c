// Package pool implements the gateway's MySQL session manager: a primary
// (read/write) backend plus zero or more read-only replica backends,
// each with its own admission control, circuit breaker, leak detector,
// and dynamic resizing, fronting a go-sql-driver/mysql *sql.DB.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/liyq0307/mysql-mcp-gateway/internal/config"
	"github.com/liyq0307/mysql-mcp-gateway/internal/errs"
)

const waitRingSize = 64

// Stats is the point-in-time snapshot of a backend's pool state, mirroring
// the teacher's Stats shape but for a single logical MySQL backend rather
// than a per-tenant pool.
type Stats struct {
	Name            string        `json:"name"`
	Cap             int           `json:"cap"`
	MinConns        int           `json:"min_connections"`
	MaxConns        int           `json:"max_connections"`
	InUse           int           `json:"in_use"`
	Waiting         int           `json:"waiting"`
	ExhaustedTotal  int64         `json:"pool_exhausted_total"`
	LeaksTotal      int64         `json:"leaks_total"`
	HealthFailures  int           `json:"health_failures"`
	BreakerState    string        `json:"breaker_state"`
	AvgWait         time.Duration `json:"avg_wait_ns"`
	LastHealthCheck time.Time     `json:"last_health_check"`
}

// OnExhausted is invoked every time a caller must wait for a slot.
type OnExhausted func(backend string)

// Backend fronts one logical MySQL endpoint (the primary or a single
// replica) with the gateway's own semaphore-backed admission control
// layered over a *sql.DB, whose own idle-connection management is left
// to the driver.
type Backend struct {
	name     string
	readOnly bool
	dsn      string
	db       *sql.DB
	log      *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	cap     int
	minConn int
	maxConn int
	inUse   map[string]*Conn
	waiting int

	waitRing      []time.Duration
	waitRingHead  int
	waitRingCount int

	breaker            *breaker
	healthFailures      int
	consecutiveResizes int
	lastHealthCheck    time.Time
	exhaustedTotal     int64
	leaksTotal         int64

	acquireTimeout time.Duration
	connectTimeout time.Duration

	closed      bool
	stopCh      chan struct{}
	onExhausted OnExhausted
}

// BackendOptions configures a new Backend.
type BackendOptions struct {
	Name           string
	ReadOnly       bool
	DSN            string
	MinConns       int
	MaxConns       int
	AcquireTimeout time.Duration
	ConnectTimeout time.Duration
	Log            *slog.Logger
}

// NewBackend opens (lazily — the driver dials on first use) a *sql.DB for
// dsn and wraps it with the gateway's own admission control.
func NewBackend(opts BackendOptions) (*Backend, error) {
	return NewBackendWithDriver(opts, "mysql")
}

// NewBackendWithDriver is NewBackend with the database/sql driver name
// parameterized, so callers outside this package (notably the health
// checker's tests) can point a Backend at a fake driver.Driver
// registered under sql.Register instead of dialing real MySQL.
func NewBackendWithDriver(opts BackendOptions, driverName string) (*Backend, error) {
	db, err := sql.Open(driverName, opts.DSN)
	if err != nil {
		return nil, errs.New(errs.CategoryConnectionError, "opening backend DSN", err)
	}
	return newBackendFromDB(opts, db)
}

// newBackendFromDB wraps an already-open *sql.DB. Exists separately from
// NewBackend so tests can substitute a fake database/sql/driver.Driver
// registered under a different name instead of dialing real MySQL.
func newBackendFromDB(opts BackendOptions, db *sql.DB) (*Backend, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	minConns := opts.MinConns
	if minConns <= 0 {
		minConns = 1
	}
	maxConns := opts.MaxConns
	if maxConns < minConns {
		maxConns = minConns
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	b := &Backend{
		name:           opts.Name,
		readOnly:       opts.ReadOnly,
		dsn:            opts.DSN,
		db:             db,
		log:            log,
		cap:            maxConns,
		minConn:        minConns,
		maxConn:        maxConns,
		inUse:          make(map[string]*Conn),
		waitRing:       make([]time.Duration, waitRingSize),
		breaker:        newBreaker(5, 3, 30*time.Second),
		acquireTimeout: opts.AcquireTimeout,
		connectTimeout: opts.ConnectTimeout,
		stopCh:         make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// DB exposes the underlying *sql.DB, e.g. for direct PingContext calls
// from the health checker.
func (b *Backend) DB() *sql.DB { return b.db }

// Name returns the backend's logical name ("primary", "replica-0", ...).
func (b *Backend) Name() string { return b.name }

// ReadOnly reports whether this backend should only serve read queries.
func (b *Backend) ReadOnly() bool { return b.readOnly }

// BreakerState reports the current circuit breaker state.
func (b *Backend) BreakerState() BreakerState { return b.breaker.currentState() }

// Acquire borrows a connection, blocking (subject to ctx and the
// configured acquire timeout) until the breaker allows it and a slot
// under the current cap is free.
func (b *Backend) Acquire(ctx context.Context) (*Conn, error) {
	allowed, _ := b.breaker.allow()
	if !allowed {
		return nil, errs.New(errs.CategoryCircuitOpen, fmt.Sprintf("backend %q circuit breaker is open", b.name), nil)
	}

	deadline := time.Now().Add(b.acquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	waited := false

	b.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			b.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if b.closed {
			b.mu.Unlock()
			return nil, errs.New(errs.CategoryConnectionError, fmt.Sprintf("backend %q is closed", b.name), nil)
		}

		if len(b.inUse) < b.cap {
			break
		}

		if !waited {
			waited = true
			b.exhaustedTotal++
		}
		b.waiting++
		cb := b.onExhausted
		b.mu.Unlock()
		if cb != nil {
			cb(b.name)
		}

		b.mu.Lock()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			b.waiting--
			b.mu.Unlock()
			return nil, errs.New(errs.CategoryTimeout, fmt.Sprintf("acquire timeout waiting for backend %q", b.name), nil)
		}
		timer := time.AfterFunc(remaining, func() { b.cond.Broadcast() })
		b.cond.Wait()
		timer.Stop()
		b.waiting--

		if b.closed {
			b.mu.Unlock()
			return nil, errs.New(errs.CategoryConnectionError, fmt.Sprintf("backend %q is closed", b.name), nil)
		}
	}
	b.mu.Unlock()

	b.recordWait(time.Since(start))

	handle, err := b.db.Conn(ctx)
	if err != nil {
		b.breaker.recordFailure()
		return nil, errs.New(errs.Classify(err), "acquiring backend connection", err)
	}

	c := newConn(handle, b, b.readOnly)
	b.mu.Lock()
	b.inUse[c.ID.String()] = c
	b.mu.Unlock()
	return c, nil
}

// release returns a connection: removes it from the in-use map, closes
// the underlying *sql.Conn (which returns it to the driver's own idle
// pool rather than tearing down the socket), and wakes one waiter.
func (b *Backend) release(c *Conn) {
	b.mu.Lock()
	delete(b.inUse, c.ID.String())
	b.cond.Signal()
	b.mu.Unlock()

	if err := c.Handle.Close(); err != nil {
		b.log.Warn("closing borrowed connection", "backend", b.name, "conn_id", c.ID, "err", err)
	}
}

// ReportOutcome feeds a query's success/failure back into the circuit
// breaker. Callers (the executor, the health checker) call this once per
// logical operation against a connection borrowed from this backend.
func (b *Backend) ReportOutcome(err error) {
	if err == nil {
		b.breaker.recordSuccess()
		return
	}
	b.breaker.recordFailure()
}

// ForceCloseBreaker resets the circuit breaker straight to closed. Unlike
// ReportOutcome(nil), this works from Open, not just HalfOpen: recovery
// callers that have independently verified a backend is reachable (e.g. a
// rebuilt connection pool that just passed a probe) use this rather than
// recordSuccess, which is a no-op against an Open breaker.
func (b *Backend) ForceCloseBreaker() {
	b.breaker.forceClose()
}

// RecordHealthCheck updates the backend's last-probe timestamp and, on
// failure, its consecutive-failure counter; a success resets the
// counter to zero.
func (b *Backend) RecordHealthCheck(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastHealthCheck = time.Now()
	if failed {
		b.healthFailures++
	} else {
		b.healthFailures = 0
	}
}

// HealthFailures returns the current consecutive health-check failure
// count.
func (b *Backend) HealthFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthFailures
}

func (b *Backend) recordWait(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waitRing[b.waitRingHead] = d
	b.waitRingHead = (b.waitRingHead + 1) % waitRingSize
	if b.waitRingCount < waitRingSize {
		b.waitRingCount++
	}
}

// averageWait returns the mean of the recorded recent acquire waits.
func (b *Backend) averageWait() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waitRingCount == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < b.waitRingCount; i++ {
		total += b.waitRing[i]
	}
	return total / time.Duration(b.waitRingCount)
}

// Stats returns a point-in-time snapshot of this backend's pool state.
func (b *Backend) Stats() Stats {
	avgWait := b.averageWait()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:            b.name,
		Cap:             b.cap,
		MinConns:        b.minConn,
		MaxConns:        b.maxConn,
		InUse:           len(b.inUse),
		Waiting:         b.waiting,
		ExhaustedTotal:  b.exhaustedTotal,
		LeaksTotal:      b.leaksTotal,
		HealthFailures:  b.healthFailures,
		BreakerState:    b.breaker.currentState().String(),
		AvgWait:         avgWait,
		LastHealthCheck: b.lastHealthCheck,
	}
}

// Close shuts down the backend's underlying *sql.DB and wakes any
// waiters with an error.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopCh)
	b.cond.Broadcast()
	b.mu.Unlock()
	return b.db.Close()
}

// SetOnExhausted wires a callback invoked whenever a caller must wait.
func (b *Backend) SetOnExhausted(cb OnExhausted) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onExhausted = cb
}

// slot holds an atomically-swappable backend pointer, so dynamic
// resize can build a whole new *Backend and publish it without any
// caller ever observing a torn read.
type slot struct {
	ptr atomic.Pointer[Backend]
}

func newSlot(b *Backend) *slot {
	s := &slot{}
	s.ptr.Store(b)
	return s
}

func (s *slot) get() *Backend      { return s.ptr.Load() }
func (s *slot) swap(b *Backend) *Backend {
	old := s.ptr.Swap(b)
	return old
}

// Manager owns the primary backend and a round-robin set of read
// replicas, implementing spec.md §4.I's read/write split: getWrite
// always returns the primary; getRead round-robins healthy replicas and
// falls back to the primary if none are healthy. Each backend lives
// behind a slot so dynamic resize can swap it for a freshly-sized
// replacement without callers holding a stale pointer.
type Manager struct {
	mu        sync.Mutex
	cfg       *config.Config
	primary   *slot
	replicas  []*slot
	rrIndex   int
	isHealthy func(*Backend) bool
	log       *slog.Logger
}

// NewManager builds the session manager's primary backend and one
// backend per configured replica host.
func NewManager(cfg *config.Config, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	primary, err := newPrimaryBackend(cfg, log)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		primary:   newSlot(primary),
		isHealthy: func(b *Backend) bool { return b.BreakerState() != BreakerOpen },
		log:       log,
	}

	for i, hostPort := range cfg.Database.ReplicaHosts {
		replica, err := newReplicaBackend(cfg, log, i, hostPort)
		if err != nil {
			return nil, err
		}
		m.replicas = append(m.replicas, newSlot(replica))
	}
	return m, nil
}

// NewManagerFromBackends builds a Manager directly from already-constructed
// backends, bypassing config-driven DSN assembly. Exists for tests in
// other packages (the health checker's) that need a Manager wired to
// fake-driver backends.
func NewManagerFromBackends(primary *Backend, replicas []*Backend) (*Manager, error) {
	m := &Manager{
		primary:   newSlot(primary),
		isHealthy: func(b *Backend) bool { return b.BreakerState() != BreakerOpen },
		log:       slog.Default(),
	}
	for _, r := range replicas {
		m.replicas = append(m.replicas, newSlot(r))
	}
	return m, nil
}

func newPrimaryBackend(cfg *config.Config, log *slog.Logger) (*Backend, error) {
	return NewBackend(BackendOptions{
		Name:           "primary",
		ReadOnly:       false,
		DSN:            dsnFor(cfg, cfg.Database.Host, cfg.Database.Port),
		MinConns:       cfg.Database.ConnectionLimit / 4,
		MaxConns:       cfg.Database.ConnectionLimit,
		AcquireTimeout: cfg.Database.ConnectTimeout,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		Log:            log,
	})
}

func newReplicaBackend(cfg *config.Config, log *slog.Logger, index int, hostPort string) (*Backend, error) {
	host, port := splitHostPort(hostPort, cfg.Database.Port)
	return NewBackend(BackendOptions{
		Name:           fmt.Sprintf("replica-%d", index),
		ReadOnly:       true,
		DSN:            dsnFor(cfg, host, port),
		MinConns:       cfg.Database.ConnectionLimit / 4,
		MaxConns:       cfg.Database.ConnectionLimit,
		AcquireTimeout: cfg.Database.ConnectTimeout,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		Log:            log,
	})
}

// Primary returns the write backend.
func (m *Manager) Primary() *Backend { return m.primary.get() }

// Replicas returns every configured replica backend.
func (m *Manager) Replicas() []*Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Backend, len(m.replicas))
	for i, s := range m.replicas {
		out[i] = s.get()
	}
	return out
}

// GetWrite returns the primary backend for any mutating operation.
func (m *Manager) GetWrite() *Backend { return m.primary.get() }

// GetRead round-robins across healthy replicas, falling back to the
// primary when none are healthy (or none are configured).
func (m *Manager) GetRead() *Backend {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.replicas) == 0 {
		return m.primary.get()
	}
	for i := 0; i < len(m.replicas); i++ {
		idx := (m.rrIndex + i) % len(m.replicas)
		r := m.replicas[idx].get()
		if m.isHealthy(r) {
			m.rrIndex = (idx + 1) % len(m.replicas)
			return r
		}
	}
	return m.primary.get()
}

// AllBackends returns primary plus replicas, for health checking and
// stats reporting.
func (m *Manager) AllBackends() []*Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Backend, 0, len(m.replicas)+1)
	out = append(out, m.primary.get())
	for _, s := range m.replicas {
		out = append(out, s.get())
	}
	return out
}

// swapPrimary replaces the primary backend's slot contents, returning
// the backend that was replaced so the caller can drain it.
func (m *Manager) swapPrimary(next *Backend) *Backend {
	return m.primary.swap(next)
}

// swapReplica replaces replica i's slot contents, returning the backend
// that was replaced so the caller can drain it. Returns nil if i is out
// of range.
func (m *Manager) swapReplica(i int, next *Backend) *Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.replicas) {
		return nil
	}
	return m.replicas[i].swap(next)
}

// ReplicaIndex returns the index of the replica named name, or -1 if
// name is the primary or unknown. Used by recovery logic that needs to
// call back into swapReplica/swapPrimary by name rather than position.
func (m *Manager) ReplicaIndex(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.primary.get().Name() == name {
		return -1
	}
	for i, s := range m.replicas {
		if s.get().Name() == name {
			return i
		}
	}
	return -1
}

// AllStats returns a Stats snapshot per backend.
func (m *Manager) AllStats() []Stats {
	backends := m.AllBackends()
	out := make([]Stats, len(backends))
	for i, b := range backends {
		out[i] = b.Stats()
	}
	return out
}

// Close shuts down every backend.
func (m *Manager) Close() error {
	var firstErr error
	for _, b := range m.AllBackends() {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func dsnFor(cfg *config.Config, host string, port int) string {
	tls := "false"
	if cfg.Database.SSL {
		tls = "true"
	}
	// max_execution_time is an unrecognized go-sql-driver/mysql DSN param,
	// so the driver forwards it to the server as a session variable (in
	// milliseconds) — the belt to context.WithTimeout's braces: the server
	// itself kills a runaway statement even if a client-side cancel is lost.
	maxExecMillis := cfg.Security.QueryTimeout.Milliseconds()
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=%s&tls=%s&multiStatements=false&interpolateParams=false&timeout=%s&max_execution_time=%d",
		cfg.Database.User, cfg.Database.Password.Expose(), host, port, cfg.Database.Database,
		cfg.Database.Charset, cfg.Database.Timezone, tls, cfg.Database.ConnectTimeout, maxExecMillis,
	)
}

func splitHostPort(hostPort string, defaultPort int) (string, int) {
	host := hostPort
	port := defaultPort
	for i := len(hostPort) - 1; i >= 0; i-- {
		if hostPort[i] == ':' {
			host = hostPort[:i]
			if p, err := parsePort(hostPort[i+1:]); err == nil {
				port = p
			}
			break
		}
	}
	return host, port
}

func parsePort(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid port %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}
