package pool

import (
	"context"
	"log/slog"
	"time"
)

const (
	resizeWaitHighWatermark = 200 * time.Millisecond
	resizeWaitLowWatermark  = 50 * time.Millisecond
	resizeGrowStep          = 3
	resizeShrinkStep        = 2
	drainTimeout            = 10 * time.Second
)

// LoadFunc reports system load in [0,1], wired to memory.Controller's
// pressure feed; used to decide whether a backend should shrink even
// when its own wait times look fine.
type LoadFunc func() float64

// Resizer runs the periodic dynamic-resize pass spec.md §4.I describes:
// recent average wait rising past a high watermark grows a backend's
// cap, average wait falling below a low watermark (or system load too
// high) shrinks it, each bounded by (min, max) and implemented as a
// double-buffered backend recreate rather than a live cap mutation, so
// health checks can be paused across the swap cleanly.
type Resizer struct {
	mgr      *Manager
	cfg      resizerConfig
	loadFn   LoadFunc
	log      *slog.Logger
	lastWait map[string]time.Duration
	paused   func(bool)
}

type resizerConfig struct {
	cores float64
}

// NewResizer builds a Resizer over mgr. paused, if non-nil, is called
// with true immediately before a swap begins and false once it
// completes, so a health checker can avoid probing a backend mid-swap.
func NewResizer(mgr *Manager, loadFn LoadFunc, cores int, log *slog.Logger, paused func(bool)) *Resizer {
	if log == nil {
		log = slog.Default()
	}
	if cores <= 0 {
		cores = 1
	}
	return &Resizer{
		mgr:      mgr,
		cfg:      resizerConfig{cores: float64(cores)},
		loadFn:   loadFn,
		log:      log,
		lastWait: make(map[string]time.Duration),
		paused:   paused,
	}
}

// Run evaluates every backend once and resizes any that cross a
// watermark.
func (r *Resizer) Run(ctx context.Context) {
	for i, b := range r.mgr.AllBackends() {
		r.evaluate(ctx, i-1, b) // i-1: index -1 signals "primary" to evaluate
	}
}

func (r *Resizer) evaluate(ctx context.Context, replicaIndex int, b *Backend) {
	avg := b.averageWait()
	prior, seen := r.lastWait[b.name]
	r.lastWait[b.name] = avg

	stats := b.Stats()
	load := 0.0
	if r.loadFn != nil {
		load = r.loadFn()
	}

	newCap := stats.Cap
	switch {
	case avg > resizeWaitHighWatermark && (!seen || avg > prior) && stats.Cap < stats.MaxConns:
		newCap = stats.Cap + resizeGrowStep
	case avg < resizeWaitLowWatermark && seen && avg < prior && stats.Cap > stats.MinConns:
		newCap = stats.Cap - resizeShrinkStep
	case load > 0.8*r.cfg.cores && stats.Cap > stats.MinConns:
		newCap = stats.Cap - resizeShrinkStep
	}
	if newCap == stats.Cap {
		return
	}
	if newCap > stats.MaxConns {
		newCap = stats.MaxConns
	}
	if newCap < stats.MinConns {
		newCap = stats.MinConns
	}

	r.swapWithNewCap(ctx, replicaIndex, b, newCap)
}

// ForceRebuild recreates a backend at newCap immediately, bypassing the
// watermark evaluation. Used by the health checker's staged recovery,
// which needs to shrink (and later restore) a backend's capacity as
// part of recovering from repeated probe failures.
func (r *Resizer) ForceRebuild(ctx context.Context, replicaIndex int, old *Backend, newCap int) {
	r.swapWithNewCap(ctx, replicaIndex, old, newCap)
}

func (r *Resizer) swapWithNewCap(ctx context.Context, replicaIndex int, old *Backend, newCap int) {
	if r.paused != nil {
		r.paused(true)
		defer r.paused(false)
	}

	opts := BackendOptions{
		Name:           old.name,
		ReadOnly:       old.readOnly,
		DSN:            old.dsn,
		MinConns:       old.minConn,
		MaxConns:       newCap,
		AcquireTimeout: old.acquireTimeout,
		ConnectTimeout: old.connectTimeout,
		Log:            r.log,
	}
	next, err := NewBackend(opts)
	if err != nil {
		r.log.Warn("resize: building replacement backend failed", "backend", old.name, "err", err)
		return
	}
	warmBackend(ctx, next)

	var replaced *Backend
	if replicaIndex < 0 {
		replaced = r.mgr.swapPrimary(next)
	} else {
		replaced = r.mgr.swapReplica(replicaIndex, next)
	}
	if replaced == nil {
		replaced = old
	}

	r.log.Info("resized backend", "backend", old.name, "old_cap", old.cap, "new_cap", newCap)
	go drainBackend(replaced, drainTimeout, r.log)
}

// warmBackend pre-creates minConn connections so a freshly-swapped-in
// backend doesn't start cold.
func warmBackend(ctx context.Context, b *Backend) {
	conns := make([]*Conn, 0, b.minConn)
	for i := 0; i < b.minConn; i++ {
		c, err := b.Acquire(ctx)
		if err != nil {
			break
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		c.Release()
	}
}

// drainBackend waits for in-use connections to drain naturally, forcibly
// closing the backend once timeout elapses.
func drainBackend(b *Backend, timeout time.Duration, log *slog.Logger) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if b.Stats().InUse == 0 {
			break
		}
		<-ticker.C
	}
	if err := b.Close(); err != nil {
		log.Warn("draining retired backend", "backend", b.name, "err", err)
	}
}
