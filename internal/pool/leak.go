package pool

import (
	"log/slog"
	"time"
)

const (
	leakScanInterval  = 30 * time.Second
	leakAgeThreshold  = 60 * time.Second
	leakFixFailureMax = 10
)

// AlertFunc is invoked when the leak detector's forced-release fix rate
// crosses leakFixFailureMax, signalling a critical condition worth
// paging on rather than quietly logging forever.
type AlertFunc func(backend string, leaksTotal int64)

// LeakDetector periodically scans a Manager's backends for connections
// borrowed longer than leakAgeThreshold, logs their acquire-time stack
// snapshot, and forces their release.
type LeakDetector struct {
	mgr    *Manager
	log    *slog.Logger
	onAlert AlertFunc
	stopCh chan struct{}
}

// NewLeakDetector builds a detector over mgr. onAlert may be nil.
func NewLeakDetector(mgr *Manager, log *slog.Logger, onAlert AlertFunc) *LeakDetector {
	if log == nil {
		log = slog.Default()
	}
	return &LeakDetector{mgr: mgr, log: log, onAlert: onAlert, stopCh: make(chan struct{})}
}

// Start runs the periodic scan loop until Stop is called.
func (d *LeakDetector) Start() {
	go func() {
		ticker := time.NewTicker(leakScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.scanOnce()
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop halts the scan loop.
func (d *LeakDetector) Stop() { close(d.stopCh) }

func (d *LeakDetector) scanOnce() {
	for _, b := range d.mgr.AllBackends() {
		d.scanBackend(b)
	}
}

func (d *LeakDetector) scanBackend(b *Backend) {
	b.mu.Lock()
	var leaked []*Conn
	for _, c := range b.inUse {
		if c.Age() > leakAgeThreshold {
			leaked = append(leaked, c)
		}
	}
	b.mu.Unlock()

	for _, c := range leaked {
		d.log.Warn("forcing release of leaked connection",
			"backend", b.name, "conn_id", c.ID, "age", c.Age(), "stack", c.Stack)
		c.Release()

		b.mu.Lock()
		b.leaksTotal++
		total := b.leaksTotal
		b.mu.Unlock()

		if total > 0 && total%leakFixFailureMax == 0 && d.onAlert != nil {
			d.onAlert(b.name, total)
		}
	}
}
