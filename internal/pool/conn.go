package pool

import (
	"database/sql"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Conn is a borrowed handle to a backend connection: the pool owns the
// underlying *sql.Conn, the caller borrows it for a scoped session and
// must call Release exactly once.
type Conn struct {
	ID         uuid.UUID
	Handle     *sql.Conn
	AcquiredAt time.Time
	Stack      string
	ReadOnly   bool

	backend  *Backend
	released atomic.Bool
}

func newConn(handle *sql.Conn, backend *Backend, readOnly bool) *Conn {
	return &Conn{
		ID:         uuid.New(),
		Handle:     handle,
		AcquiredAt: time.Now(),
		Stack:      captureStack(),
		ReadOnly:   readOnly,
		backend:    backend,
	}
}

// Age reports how long this connection has been borrowed.
func (c *Conn) Age() time.Duration { return time.Since(c.AcquiredAt) }

// Release returns the connection to its owning backend. A second call is
// a no-op logged as a warning rather than a panic, since the caller side
// of a double-release is usually a defer-plus-explicit-release bug, not
// a fatal condition.
func (c *Conn) Release() {
	if !c.released.CompareAndSwap(false, true) {
		c.backend.log.Warn("double release of pool connection", "conn_id", c.ID, "backend", c.backend.name)
		return
	}
	c.backend.release(c)
}

// captureStack grabs a truncated stack snapshot at acquire time so a
// leaked connection can be attributed to its caller.
func captureStack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
