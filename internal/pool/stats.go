package pool

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// persistedStats is the on-disk shape spec.md §6 "Persisted state"
// names for the pool stats file: one JSON object, atomically replaced.
type persistedStats struct {
	Timestamp       time.Time      `json:"ts"`
	Backends        []Stats        `json:"stats"`
	HealthFailures  map[string]int `json:"health_failures"`
	LastHealthCheck time.Time      `json:"last_health_check"`
}

// StatsStore persists Manager stats to a local JSON file every interval.
// Load reads such a file back, but nothing applies the loaded counters to
// a Manager; backends start from zero counters. Writes follow the teacher's
// temp-file-plus-rename atomic-write idiom used for config snapshots.
type StatsStore struct {
	path     string
	mgr      *Manager
	log      *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
}

// NewStatsStore builds a store writing mgr's stats to path every
// interval.
func NewStatsStore(path string, mgr *Manager, interval time.Duration, log *slog.Logger) *StatsStore {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StatsStore{path: path, mgr: mgr, log: log, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the periodic persistence loop.
func (s *StatsStore) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Save(); err != nil {
					s.log.Warn("persisting pool stats failed", "err", err)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the persistence loop.
func (s *StatsStore) Stop() { close(s.stopCh) }

// Save writes the current stats snapshot to disk atomically (write to a
// temp file in the same directory, then rename over the target).
func (s *StatsStore) Save() error {
	backends := s.mgr.AllStats()
	failures := make(map[string]int, len(backends))
	var lastCheck time.Time
	for _, b := range backends {
		failures[b.Name] = b.HealthFailures
		if b.LastHealthCheck.After(lastCheck) {
			lastCheck = b.LastHealthCheck
		}
	}
	snapshot := persistedStats{
		Timestamp:       time.Now(),
		Backends:        backends,
		HealthFailures:  failures,
		LastHealthCheck: lastCheck,
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".pool-stats-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// Load reads a previously persisted stats file, if present and
// parseable. A missing or corrupt file is not an error; the caller
// simply starts from zero counters.
func Load(path string) (*persistedStats, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var snapshot persistedStats
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, false
	}
	return &snapshot, true
}
