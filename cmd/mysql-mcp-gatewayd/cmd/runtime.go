package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/liyq0307/mysql-mcp-gateway/internal/api"
	"github.com/liyq0307/mysql-mcp-gateway/internal/cache"
	"github.com/liyq0307/mysql-mcp-gateway/internal/config"
	"github.com/liyq0307/mysql-mcp-gateway/internal/errs"
	"github.com/liyq0307/mysql-mcp-gateway/internal/eventlog"
	"github.com/liyq0307/mysql-mcp-gateway/internal/executor"
	"github.com/liyq0307/mysql-mcp-gateway/internal/health"
	"github.com/liyq0307/mysql-mcp-gateway/internal/memory"
	"github.com/liyq0307/mysql-mcp-gateway/internal/metrics"
	"github.com/liyq0307/mysql-mcp-gateway/internal/pool"
	"github.com/liyq0307/mysql-mcp-gateway/internal/ratelimit"
	"github.com/liyq0307/mysql-mcp-gateway/internal/rbac"
	"github.com/liyq0307/mysql-mcp-gateway/internal/retry"
	"github.com/liyq0307/mysql-mcp-gateway/internal/security"
	"github.com/liyq0307/mysql-mcp-gateway/internal/tools"
)

// Runtime holds every long-lived component the serve command starts and
// stops as a unit. It exists so main's signal-handling loop has exactly
// one thing to tear down, rather than an ad-hoc list of defers.
type Runtime struct {
	log *slog.Logger

	store         *config.Store
	configWatcher *config.Watcher

	poolMgr   *pool.Manager
	memCtrl   *memory.Controller
	cacheMgr  *cache.Manager
	rbacMgr   *rbac.Manager
	limiter   *ratelimit.Limiter
	metricsC  *metrics.Collector
	events    *eventlog.Logger
	health    *health.Checker
	resizer   *pool.Resizer
	leaks     *pool.LeakDetector
	statsFile *pool.StatsStore

	exec     *executor.Executor
	registry *tools.Registry
	admin    *api.Server

	resizeStop chan struct{}
}

// NewRuntime wires every component named in this module's design over a
// loaded Config, returning a Runtime ready for Start.
func NewRuntime(cfg *config.Config, log *slog.Logger) (*Runtime, error) {
	rt := &Runtime{log: log, store: config.NewStore(cfg)}

	rt.metricsC = metrics.New()
	rt.events = eventlog.New(cfg.EventLog)

	rt.memCtrl = memory.New(cfg.Memory, log, func(severity, message string) {
		rt.events.Record(severityFor(severity), "memory_pressure", map[string]any{"message": message})
	})

	var err error
	rt.poolMgr, err = pool.NewManager(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("building pool manager: %w", err)
	}

	rt.cacheMgr, err = cache.NewManager(cfg.Cache, rt.memCtrl, log)
	if err != nil {
		return nil, fmt.Errorf("building cache manager: %w", err)
	}

	rt.rbacMgr = rbac.New()

	rt.limiter = ratelimit.New(cfg.Security.RateLimitMax, cfg.Security.RateLimitWindow, rt.memCtrl.CurrentPressure, log)

	rt.resizer = pool.NewResizer(rt.poolMgr, rt.memCtrl.CurrentPressure, runtime.NumCPU(), log, func(paused bool) {
		if rt.health != nil {
			rt.health.Pause(paused)
		}
	})
	rt.leaks = pool.NewLeakDetector(rt.poolMgr, log, func(backend string, leaksTotal int64) {
		rt.events.Record(eventlog.SeverityCritical, "leak_fix_failure", map[string]any{
			"backend": backend, "leaks_total": leaksTotal,
		})
	})
	rt.statsFile = pool.NewStatsStore(cfg.Health.StatsPath, rt.poolMgr, cfg.Health.StatsPersistInterval, log)
	if _, ok := pool.Load(cfg.Health.StatsPath); ok {
		log.Info("found previous pool stats snapshot; its counters are not applied", "path", cfg.Health.StatsPath)
	}

	rt.health = health.NewChecker(rt.poolMgr, rt.resizer, rt.metricsC, rt.events, cfg.Health, cfg.Database.ConnectTimeout, log)

	level := security.Level(cfg.Security.ValidationLevel)
	sqlValidator := security.NewSQLValidator(security.SQLValidatorConfig{
		MaxQueryLength:    cfg.Security.MaxQueryLength,
		AllowedQueryTypes: cfg.Security.AllowedQueryTypes,
		Level:             level,
	}, log)
	inputValidator := security.NewInputValidator(cfg.Security.MaxInputLength, level)
	validator := executor.NewCombinedValidator(inputValidator, sqlValidator)

	rt.exec = executor.New(validator, rt.rbacMgr, rt.limiter, rt.cacheMgr, rt.poolMgr, rt.metricsC, executor.Config{
		MaxResultRows:      cfg.Security.MaxResultRows,
		QueryTimeout:       cfg.Security.QueryTimeout,
		SlowQueryThreshold: cfg.Security.SlowQueryThreshold,
		RetryPolicy:        retry.DefaultPolicy(),
	}, rt.memCtrl.CurrentPressure, log)

	rt.registry = tools.NewRegistry(rt.exec, rt.poolMgr, rt.cacheMgr)

	rt.admin = api.NewServer(rt.poolMgr, rt.cacheMgr, rt.health, rt.metricsC, cfg.Admin.ListenAddr, log)

	if path := os.Getenv("GATEWAY_CONFIG_FILE"); path != "" {
		watcher, err := config.NewWatcher(path, rt.store, log)
		if err != nil {
			log.Warn("config hot-reload not available", "error", err)
		} else {
			rt.configWatcher = watcher
		}
	}

	return rt, nil
}

func severityFor(severity string) eventlog.Severity {
	switch severity {
	case "critical":
		return eventlog.SeverityCritical
	case "high":
		return eventlog.SeverityHigh
	case "warning":
		return eventlog.SeverityWarning
	default:
		return eventlog.SeverityInfo
	}
}

// Start begins every background loop and the admin HTTP server.
func (rt *Runtime) Start(ctx context.Context) error {
	go rt.memCtrl.Start(ctx)
	go rt.cacheMgr.RunPressureLoop(ctx)
	rt.health.Start()
	rt.leaks.Start()
	rt.statsFile.Start()

	rt.resizeStop = make(chan struct{})
	go rt.resizeLoop()

	if err := rt.admin.Start(); err != nil {
		return errs.New(errs.CategoryConfigurationError, "starting admin server", err)
	}

	rt.log.Info("gateway ready", "admin_addr", rt.store.Load().Admin.ListenAddr, "backends", len(rt.poolMgr.AllBackends()))
	return nil
}

// resizeLoop periodically re-evaluates every backend's cap against recent
// wait times, on the health checker's own probe cadence since both passes
// inspect the same per-backend load signal.
func (rt *Runtime) resizeLoop() {
	interval := rt.store.Load().Health.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rt.resizer.Run(context.Background())
		case <-rt.resizeStop:
			return
		}
	}
}

// Handlers exposes the registered MCP tool adapters for a transport to
// dispatch into.
func (rt *Runtime) Handlers() map[string]tools.Handler {
	return rt.registry.Handlers()
}

// Stop tears down every component Start began, in roughly reverse order.
func (rt *Runtime) Stop() {
	if rt.configWatcher != nil {
		rt.configWatcher.Stop()
	}
	if rt.resizeStop != nil {
		close(rt.resizeStop)
	}
	rt.admin.Stop()
	rt.statsFile.Stop()
	rt.leaks.Stop()
	rt.health.Stop()
	rt.limiter.Stop()
	rt.memCtrl.Stop()
	rt.events.Close()
	rt.poolMgr.Close()
}
