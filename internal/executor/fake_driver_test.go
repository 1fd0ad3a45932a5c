package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liyq0307/mysql-mcp-gateway/internal/pool"
)

// scriptedResponse is what one call to the handler returns: either a row
// set, an exec result, or an error.
type scriptedResponse struct {
	columns []string
	rows    [][]driver.Value
	lastID  int64
	affected int64
	err     error
}

// handlerFunc scripts the fake driver's behavior for one statement. It
// receives the call count so tests can script "fail N times then
// succeed" sequences (the deadlock-then-success retry scenario).
type handlerFunc func(call int, query string, args []driver.NamedValue) scriptedResponse

type scriptedDriver struct {
	calls   atomic.Int64
	handler handlerFunc
}

func (d *scriptedDriver) Open(name string) (driver.Conn, error) {
	return &scriptedConn{driver: d}, nil
}

// next reports the overall call sequence number across every statement
// this driver has served, not per-statement, so a test can script "the
// Nth thing this connection does fails" regardless of which query that
// turns out to be (e.g. the second statement of a batch).
func (d *scriptedDriver) next(query string, args []driver.NamedValue) scriptedResponse {
	call := int(d.calls.Add(1))
	return d.handler(call, query, args)
}

type scriptedConn struct {
	driver *scriptedDriver
}

func (c *scriptedConn) Prepare(query string) (driver.Stmt, error) { return nil, driver.ErrSkip }
func (c *scriptedConn) Close() error                              { return nil }
func (c *scriptedConn) Begin() (driver.Tx, error)                 { return &scriptedTx{}, nil }

func (c *scriptedConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	return &scriptedTx{}, nil
}

func (c *scriptedConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	resp := c.driver.next(query, args)
	if resp.err != nil {
		return nil, resp.err
	}
	return &scriptedRows{columns: resp.columns, rows: resp.rows}, nil
}

func (c *scriptedConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	resp := c.driver.next(query, args)
	if resp.err != nil {
		return nil, resp.err
	}
	return scriptedResult{lastID: resp.lastID, affected: resp.affected}, nil
}

func (c *scriptedConn) Ping(ctx context.Context) error { return nil }

type scriptedTx struct{}

func (scriptedTx) Commit() error   { return nil }
func (scriptedTx) Rollback() error { return nil }

type scriptedResult struct {
	lastID   int64
	affected int64
}

func (r scriptedResult) LastInsertId() (int64, error) { return r.lastID, nil }
func (r scriptedResult) RowsAffected() (int64, error) { return r.affected, nil }

type scriptedRows struct {
	columns []string
	rows    [][]driver.Value
	idx     int
}

func (r *scriptedRows) Columns() []string { return r.columns }
func (r *scriptedRows) Close() error      { return nil }

func (r *scriptedRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

var scriptedDriverCounter atomic.Int64

// newScriptedBackend registers a fresh scripted driver under a unique
// name and wraps it in a pool.Backend, the same registration dance
// internal/pool and internal/health's own tests use to avoid dialing a
// live MySQL server.
func newScriptedBackend(t *testing.T, name string, handler handlerFunc) *pool.Backend {
	t.Helper()
	driverName := fmt.Sprintf("fakemysql-executor-%d", scriptedDriverCounter.Add(1))
	sql.Register(driverName, &scriptedDriver{handler: handler})

	b, err := pool.NewBackendWithDriver(pool.BackendOptions{
		Name:           name,
		MinConns:       1,
		MaxConns:       4,
		AcquireTimeout: 2 * time.Second,
		ConnectTimeout: 2 * time.Second,
	}, driverName)
	if err != nil {
		t.Fatalf("building scripted backend: %v", err)
	}
	return b
}

// singleBackendProvider implements ConnectionProvider with one backend
// serving both read and write traffic, for tests that don't care about
// primary/replica routing.
type singleBackendProvider struct{ b *pool.Backend }

func (p singleBackendProvider) GetWrite() *pool.Backend { return p.b }
func (p singleBackendProvider) GetRead() *pool.Backend  { return p.b }

// splitBackendProvider routes writes to primary and reads to replica, for
// the read/write-split scenario.
type splitBackendProvider struct{ primary, replica *pool.Backend }

func (p splitBackendProvider) GetWrite() *pool.Backend { return p.primary }
func (p splitBackendProvider) GetRead() *pool.Backend  { return p.replica }
