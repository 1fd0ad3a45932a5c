// Package ratelimit implements the gateway's adaptive rate limiter: a
// token bucket per identifier (default "global") whose capacity
// contracts under memory pressure to shed load.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdentifier  = "global"
	minCapacityFraction = 0.10
)

// LoadFunc reports the current system load in [0,1]; wired to
// internal/memory's Controller.CurrentPressure in the runtime.
type LoadFunc func() float64

// bucket pairs an x/time/rate.Limiter (which already implements the
// refill-by-elapsed-time/deduct-one-token algorithm) with the bookkeeping
// the adaptive-capacity and idle-cleanup passes need.
type bucket struct {
	limiter      *rate.Limiter
	baseCapacity float64
	lastUsed     time.Time
}

// Limiter is a token-bucket rate limiter keyed by caller-supplied
// identifier, with capacity that scales down under reported system load.
type Limiter struct {
	mu              sync.Mutex
	buckets         map[string]*bucket
	ratePerSecond   float64
	baseCapacity    float64
	cleanupInterval time.Duration
	idleTimeout     time.Duration
	loadFn          LoadFunc
	log             *slog.Logger
	stopCh          chan struct{}
}

// New builds a Limiter admitting max requests per window per identifier,
// scaled down via loadFn's reported system load. loadFn may be nil, in
// which case capacity never contracts.
func New(max int, window time.Duration, loadFn LoadFunc, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	if window <= 0 {
		window = time.Minute
	}
	rl := &Limiter{
		buckets:         make(map[string]*bucket),
		ratePerSecond:   float64(max) / window.Seconds(),
		baseCapacity:    float64(max),
		cleanupInterval: 5 * time.Minute,
		idleTimeout:     10 * time.Minute,
		loadFn:          loadFn,
		log:             log,
		stopCh:          make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// CheckRate reports whether a request for id (default "global" when
// empty) is admitted, consuming one token if so. Rejections are logged
// as security events with the identifier and configured limit.
func (rl *Limiter) CheckRate(id string) bool {
	if id == "" {
		id = defaultIdentifier
	}
	b := rl.bucketFor(id)

	rl.applyLoad(b)

	if b.limiter.Allow() {
		rl.mu.Lock()
		b.lastUsed = time.Now()
		rl.mu.Unlock()
		return true
	}

	rl.log.Warn("rate limit rejected request",
		"identifier", id,
		"limit_per_second", rl.ratePerSecond,
		"capacity", b.limiter.Burst(),
	)
	return false
}

// Refund returns one token to id's bucket, undoing the token CheckRate
// consumed. Callers that admitted a request past the rate check but then
// rejected it before it did any real work (failed validation, failed
// authorization) call this so the attempt doesn't cost the caller's quota.
func (rl *Limiter) Refund(id string) {
	if id == "" {
		id = defaultIdentifier
	}
	b := rl.bucketFor(id)
	// AllowN with a negative n runs the same token-bucket accounting as
	// Allow in reverse: tokens -= n, clamped to the bucket's burst size.
	b.limiter.AllowN(time.Now(), -1)
}

func (rl *Limiter) bucketFor(id string) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[id]
	if !ok {
		b = &bucket{
			limiter:      rate.NewLimiter(rate.Limit(rl.ratePerSecond), int(rl.baseCapacity)),
			baseCapacity: rl.baseCapacity,
			lastUsed:     time.Now(),
		}
		rl.buckets[id] = b
	}
	return b
}

// applyLoad scales b's burst capacity to floor(baseCapacity *
// max(1-load, 0.10)) per the current system load.
func (rl *Limiter) applyLoad(b *bucket) {
	if rl.loadFn == nil {
		return
	}
	load := rl.loadFn()
	factor := 1 - load
	if factor < minCapacityFraction {
		factor = minCapacityFraction
	}
	newBurst := int(b.baseCapacity * factor)
	if newBurst < 1 {
		newBurst = 1
	}
	if b.limiter.Burst() != newBurst {
		b.limiter.SetBurst(newBurst)
	}
}

func (rl *Limiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.performCleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *Limiter) performCleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for id, b := range rl.buckets {
		if id == defaultIdentifier {
			continue
		}
		if now.Sub(b.lastUsed) > rl.idleTimeout {
			delete(rl.buckets, id)
		}
	}
}

// Stop halts the idle-bucket cleanup loop.
func (rl *Limiter) Stop() { close(rl.stopCh) }

// Stats reports the number of identifiers with an active bucket.
func (rl *Limiter) Stats() (activeIdentifiers int, ratePerSecond, capacity float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets), rl.ratePerSecond, rl.baseCapacity
}
