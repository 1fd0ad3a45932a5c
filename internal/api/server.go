// Package api exposes the gateway's own operational surface: status,
// health, readiness, Prometheus metrics, and pool/cache occupancy
// snapshots. It carries no query traffic of its own; every route here
// reports on the runtime that internal/tools and internal/executor
// actually drive.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liyq0307/mysql-mcp-gateway/internal/cache"
	"github.com/liyq0307/mysql-mcp-gateway/internal/health"
	"github.com/liyq0307/mysql-mcp-gateway/internal/metrics"
	"github.com/liyq0307/mysql-mcp-gateway/internal/pool"
)

// Server is the gateway's status/health/metrics HTTP server.
type Server struct {
	poolMgr  *pool.Manager
	cacheMgr *cache.Manager
	health   *health.Checker
	metrics  *metrics.Collector
	log      *slog.Logger

	httpServer *http.Server
	startTime  time.Time
	listenAddr string
}

// NewServer builds the admin server over its collaborators. cacheMgr
// and m may be nil: with a nil cacheMgr /cache/stats reports unavailable
// rather than panicking, and with a nil m the /metrics route is not
// registered at all, so it answers 404.
func NewServer(pm *pool.Manager, cacheMgr *cache.Manager, hc *health.Checker, m *metrics.Collector, listenAddr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		poolMgr:    pm,
		cacheMgr:   cacheMgr,
		health:     hc,
		metrics:    m,
		log:        log,
		startTime:  time.Now(),
		listenAddr: listenAddr,
	}
}

// Start registers routes and begins serving in the background.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	r.HandleFunc("/pool/stats", s.poolStatsHandler).Methods("GET")
	r.HandleFunc("/cache/stats", s.cacheStatsHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info("admin server listening", "addr", s.listenAddr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the admin server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	statuses := s.health.AllStatuses()
	allHealthy := s.health.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":   boolToStatus(allHealthy),
		"backends": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil || s.poolMgr == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	for _, b := range s.poolMgr.AllBackends() {
		if s.health.IsHealthy(b.Name()) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"listen_addr":    s.listenAddr,
	})
}

func (s *Server) poolStatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.poolMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "pool manager not available")
		return
	}
	writeJSON(w, http.StatusOK, s.poolMgr.AllStats())
}

func (s *Server) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.cacheMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "cache manager not available")
		return
	}
	writeJSON(w, http.StatusOK, s.cacheMgr.Stats())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
