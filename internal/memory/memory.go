// Package memory implements the gateway's memory-pressure controller:
// periodic sampling, a bounded ring history, a non-blocking pub-sub
// fan-out of pressure changes, a linear-regression leak heuristic, and a
// weak-reference object registry used for idle-object cleanup.
package memory

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
	"weak"

	"github.com/liyq0307/mysql-mcp-gateway/internal/config"
)

const defaultSystemReferenceBytes = 512 << 20 // 512MiB, used when no soft memory limit is configured

// Sample is one point in the pressure history ring.
type Sample struct {
	Timestamp time.Time
	HeapUsed  uint64
	HeapTotal uint64
	RSS       uint64
	Pressure  float64
}

// AlertFunc receives emergency-pressure notifications; wired to the event
// log by the runtime that constructs the Controller.
type AlertFunc func(severity, message string)

// Controller samples process memory on an interval, derives a pressure
// value in [0,1], and fans changes out to subscribers.
type Controller struct {
	cfg       config.Memory
	log       *slog.Logger
	systemRef uint64
	onAlert   AlertFunc

	mu      sync.Mutex
	history []Sample
	subs    map[int]chan float64
	nextSub int

	registry *ObjectRegistry

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Controller. The system reference used for the rss/ref
// term of the pressure formula is the process's configured soft memory
// limit (via debug.SetMemoryLimit(-1)) when one is set, else a fixed
// 512MiB default — there is no portable way to read total system memory
// without cgo or /proc parsing, so this is the "platform-specific
// reference chosen at startup" fallback.
func New(cfg config.Memory, log *slog.Logger, onAlert AlertFunc) *Controller {
	if log == nil {
		log = slog.Default()
	}
	ref := uint64(defaultSystemReferenceBytes)
	if limit := debug.SetMemoryLimit(-1); limit > 0 {
		ref = uint64(limit)
	}
	return &Controller{
		cfg:       cfg,
		log:       log,
		systemRef: ref,
		onAlert:   onAlert,
		history:   make([]Sample, 0, cfg.HistorySize),
		subs:      make(map[int]chan float64),
		registry:  NewObjectRegistry(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Registry returns the controller's weak-reference object registry.
func (c *Controller) Registry() *ObjectRegistry { return c.registry }

// Start begins the sampling loop; it returns once ctx is canceled or Stop
// is called.
func (c *Controller) Start(ctx context.Context) {
	interval := c.cfg.MonitoringInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(c.doneCh)

	for {
		select {
		case <-ticker.C:
			c.sampleOnce()
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the sampling loop and waits for it to exit.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Controller) sampleOnce() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	heapUsed := m.HeapAlloc
	heapTotal := m.HeapSys
	if heapTotal == 0 {
		heapTotal = 1
	}
	rss := m.Sys

	heapRatio := float64(heapUsed) / float64(heapTotal)
	rssRatio := float64(rss) / float64(c.systemRef)
	pressure := clamp01(max(heapRatio, rssRatio))

	sample := Sample{
		Timestamp: time.Now(),
		HeapUsed:  heapUsed,
		HeapTotal: heapTotal,
		RSS:       rss,
		Pressure:  pressure,
	}

	c.mu.Lock()
	cap := c.cfg.HistorySize
	if cap <= 0 {
		cap = 100
	}
	c.history = append(c.history, sample)
	if len(c.history) > cap {
		c.history = c.history[len(c.history)-cap:]
	}
	subsSnapshot := make([]chan float64, 0, len(c.subs))
	for _, ch := range c.subs {
		subsSnapshot = append(subsSnapshot, ch)
	}
	c.mu.Unlock()

	c.publish(pressure, subsSnapshot)

	if pressure > 0.95 {
		c.emergencyPass(pressure)
	}

	if leaking, slope := c.detectLeak(); leaking {
		c.log.Warn("heap growth rate exceeds leak threshold", "slope_bytes_per_sample", slope)
	}
}

// publish fans pressure out to subscribers in parallel, non-blocking:
// a full subscriber channel is simply skipped rather than stalling the
// sampler, and a panicking subscriber callback (if any were attached via
// Subscribe's caller) never takes down the loop.
func (c *Controller) publish(pressure float64, subs []chan float64) {
	var wg sync.WaitGroup
	for _, ch := range subs {
		wg.Add(1)
		go func(ch chan float64) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("memory pressure subscriber panicked", "panic", r)
				}
			}()
			select {
			case ch <- pressure:
			default:
			}
		}(ch)
	}
	wg.Wait()
}

// Subscribe registers a new pressure-change listener. Callers must drain
// the returned channel promptly; stale updates are dropped, not queued.
func (c *Controller) Subscribe() (id int, ch <-chan float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id = c.nextSub
	c.nextSub++
	out := make(chan float64, 1)
	c.subs[id] = out
	return id, out
}

// Unsubscribe removes a listener registered via Subscribe.
func (c *Controller) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(ch)
	}
}

func (c *Controller) emergencyPass(pressure float64) {
	c.mu.Lock()
	c.history = c.history[:0]
	c.mu.Unlock()

	c.log.Error("memory pressure critical, history cleared", "pressure", pressure)
	if c.onAlert != nil {
		c.onAlert("critical", "memory pressure exceeded 0.95, emergency history clear performed")
	}
}

// detectLeak fits a simple linear regression over heap-used samples and
// flags a leak when the slope exceeds 5% of the baseline (first sample).
func (c *Controller) detectLeak() (bool, float64) {
	c.mu.Lock()
	samples := make([]Sample, len(c.history))
	copy(samples, c.history)
	c.mu.Unlock()

	if len(samples) < 8 {
		return false, 0
	}

	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX float64
	for i, s := range samples {
		x := float64(i)
		y := float64(s.HeapUsed)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return false, 0
	}
	slope := (n*sumXY - sumX*sumY) / denom

	baseline := float64(samples[0].HeapUsed)
	if baseline == 0 {
		return false, slope
	}
	return slope/baseline > 0.05, slope
}

// History returns a copy of the current sample ring, oldest first.
func (c *Controller) History() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sample, len(c.history))
	copy(out, c.history)
	return out
}

// CurrentPressure returns the most recent sample's pressure, or 0 if no
// sample has been taken yet.
func (c *Controller) CurrentPressure() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return 0
	}
	return c.history[len(c.history)-1].Pressure
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// registryEntry is the concrete type object registrations point a weak
// pointer at; it exists so weak.Pointer has something to make a weak
// reference to that the caller's own value doesn't need to support.
type registryEntry struct {
	val any
}

// ObjectRegistry tracks weakly-referenced objects by (id, size,
// last-access); a cleanup pass drops entries whose referent has been
// collected or whose idle time exceeds the cleanup threshold.
type ObjectRegistry struct {
	mu      sync.Mutex
	entries map[string]*trackedObject
}

type trackedObject struct {
	size       int64
	lastAccess time.Time
	weakRef    weak.Pointer[registryEntry]
	anchor     *registryEntry // kept until Touch drops it, which makes the entry eligible for GC
}

// NewObjectRegistry builds an empty registry.
func NewObjectRegistry() *ObjectRegistry {
	return &ObjectRegistry{entries: make(map[string]*trackedObject)}
}

// Track registers val under id, recording its approximate size in bytes.
// The registry holds only a weak reference to val's wrapper; once val is
// no longer reachable elsewhere, Cleanup will evict the entry.
func (r *ObjectRegistry) Track(id string, val any, size int64) {
	entry := &registryEntry{val: val}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &trackedObject{
		size:       size,
		lastAccess: time.Now(),
		weakRef:    weak.Make(entry),
		anchor:     entry,
	}
}

// Touch updates an entry's last-access time and drops its strong anchor,
// making it eligible for collection once the caller's own reference goes
// away.
func (r *ObjectRegistry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.entries[id]; ok {
		t.lastAccess = time.Now()
		t.anchor = nil
	}
}

// Cleanup removes entries whose weak reference is dead or whose idle time
// exceeds idleThreshold. Returns the number of entries removed.
func (r *ObjectRegistry) Cleanup(idleThreshold time.Duration) int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, t := range r.entries {
		if t.weakRef.Value() == nil || now.Sub(t.lastAccess) > idleThreshold {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of currently tracked entries.
func (r *ObjectRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
