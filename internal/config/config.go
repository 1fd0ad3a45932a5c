// Package config loads the gateway's runtime configuration from
// environment variables (spec's primary source) with an optional YAML
// bootstrap file layered underneath, and exposes it as a versioned,
// atomically-swapped snapshot so the rest of the runtime never blocks on
// a config read.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/liyq0307/mysql-mcp-gateway/internal/errs"
)

// Secret wraps a credential value so it never round-trips through %v,
// %+v, or an encoding/json marshal unredacted.
type Secret string

func (s Secret) String() string   { return "***REDACTED***" }
func (s Secret) GoString() string { return "***REDACTED***" }
func (s Secret) Expose() string   { return string(s) }

func (s Secret) MarshalYAML() (interface{}, error) { return "***REDACTED***", nil }
func (s Secret) MarshalJSON() ([]byte, error)      { return []byte(`"***REDACTED***"`), nil }

// Database holds the southbound MySQL connection parameters.
type Database struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        Secret        `yaml:"password"`
	Database        string        `yaml:"database"`
	ConnectionLimit int           `yaml:"connection_limit"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	SSL             bool          `yaml:"ssl"`
	Charset         string        `yaml:"charset"`
	Timezone        string        `yaml:"timezone"`

	// ReplicaHosts names read-only replicas as "host:port" pairs. Not part
	// of spec.md's base env-key list; added so the read/write split §4.I
	// requires has somewhere to source replica addresses from.
	ReplicaHosts []string `yaml:"replica_hosts"`
}

// Security holds the validation, query-shape and rate-limit settings.
type Security struct {
	MaxQueryLength    int           `yaml:"max_query_length"`
	MaxInputLength    int           `yaml:"max_input_length"`
	AllowedQueryTypes []string      `yaml:"allowed_query_types"`
	MaxResultRows     int           `yaml:"max_result_rows"`
	QueryTimeout      time.Duration `yaml:"query_timeout"`
	RateLimitMax      int           `yaml:"rate_limit_max"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`

	// SlowQueryThreshold flags a completed query as slow for the metrics
	// counter spec.md §4.J step 9 names. Not part of the base env-key
	// list; added the same way health.interval was.
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`

	// ValidationLevel is spec.md §4.E's "level ∈ {strict, moderate,
	// basic}", tuning which pattern sets the security validators run.
	ValidationLevel string `yaml:"validation_level"`
}

// Cache holds the tiered-cache sizing and behavior settings.
type Cache struct {
	SchemaCacheSize      int           `yaml:"schema_cache_size"`
	TableExistsCacheSize int           `yaml:"table_exists_cache_size"`
	IndexCacheSize       int           `yaml:"index_cache_size"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
	EnableQueryCache     bool          `yaml:"enable_query_cache"`
	QueryCacheSize       int           `yaml:"query_cache_size"`
	QueryCacheTTL        time.Duration `yaml:"query_cache_ttl"`
	MaxQueryResultSize   int           `yaml:"max_query_result_size"`
	EnableTieredCache    bool          `yaml:"enable_tiered_cache"`
	EnableTTLAdjustment  bool          `yaml:"enable_ttl_adjustment"`
}

// Memory holds the memory-pressure controller's tuning knobs.
type Memory struct {
	MonitoringInterval    time.Duration `yaml:"monitoring_interval"`
	HistorySize           int           `yaml:"history_size"`
	PressureThreshold     float64       `yaml:"pressure_threshold"`
	CacheClearThreshold   float64       `yaml:"cache_clear_threshold"`
	AutoGC                bool          `yaml:"auto_gc"`
}

// Health holds the background prober's interval and the thresholds that
// drive breaker transitions and the advanced-recovery staged sequence.
// Not part of spec.md's base env-key list (the original spec left these
// as component parameters); added so they're configurable the same way
// every other tunable in this file is.
type Health struct {
	Interval             time.Duration `yaml:"interval"`
	FailureThreshold     int           `yaml:"failure_threshold"`
	RecoveryThreshold    int           `yaml:"recovery_threshold"`
	StatsPath            string        `yaml:"stats_path"`
	StatsPersistInterval time.Duration `yaml:"stats_persist_interval"`
}

// EventLog holds the rotation settings for the append-only recovery/event
// log and the severity-filtered alert log. Not part of spec.md's base
// env-key list (the original spec names the two logs' schema but leaves
// rotation as an implementation detail); added so file growth is bounded
// the same way every other on-disk artifact in this package is.
type EventLog struct {
	Path       string `yaml:"path"`
	AlertPath  string `yaml:"alert_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Admin holds the listen address for the gateway's own status/health/
// metrics HTTP surface. Not part of spec.md's base env-key list (the
// original spec describes the admin routes but not where they bind);
// added the same way Health and EventLog were.
type Admin struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level, immutable-once-loaded configuration snapshot.
type Config struct {
	Database Database `yaml:"database"`
	Security Security `yaml:"security"`
	Cache    Cache    `yaml:"cache"`
	Memory   Memory   `yaml:"memory"`
	Health   Health   `yaml:"health"`
	EventLog EventLog `yaml:"event_log"`
	Admin    Admin    `yaml:"admin"`

	// Version increments on every reload; observers compare it to detect
	// a stale snapshot without taking a lock.
	Version uint64 `yaml:"-"`
}

// Redacted returns a copy safe to log or serialize: the password is masked.
func (c Config) Redacted() Config {
	c.Database.Password = Secret("***REDACTED***")
	return c
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 3306
	}
	if cfg.Database.ConnectionLimit == 0 {
		cfg.Database.ConnectionLimit = 10
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}
	if cfg.Database.IdleTimeout == 0 {
		cfg.Database.IdleTimeout = 5 * time.Minute
	}
	if cfg.Database.Charset == "" {
		cfg.Database.Charset = "utf8mb4"
	}
	if cfg.Database.Timezone == "" {
		cfg.Database.Timezone = "UTC"
	}
	if cfg.Security.MaxQueryLength == 0 {
		cfg.Security.MaxQueryLength = 10000
	}
	if cfg.Security.MaxInputLength == 0 {
		cfg.Security.MaxInputLength = 1000
	}
	if len(cfg.Security.AllowedQueryTypes) == 0 {
		cfg.Security.AllowedQueryTypes = []string{"SELECT", "INSERT", "UPDATE", "DELETE"}
	}
	if cfg.Security.MaxResultRows == 0 {
		cfg.Security.MaxResultRows = 1000
	}
	if cfg.Security.QueryTimeout == 0 {
		cfg.Security.QueryTimeout = 30 * time.Second
	}
	if cfg.Security.RateLimitMax == 0 {
		cfg.Security.RateLimitMax = 100
	}
	if cfg.Security.RateLimitWindow == 0 {
		cfg.Security.RateLimitWindow = time.Minute
	}
	if cfg.Security.SlowQueryThreshold == 0 {
		cfg.Security.SlowQueryThreshold = time.Second
	}
	if cfg.Security.ValidationLevel == "" {
		cfg.Security.ValidationLevel = "strict"
	}
	if cfg.Cache.SchemaCacheSize == 0 {
		cfg.Cache.SchemaCacheSize = 500
	}
	if cfg.Cache.TableExistsCacheSize == 0 {
		cfg.Cache.TableExistsCacheSize = 500
	}
	if cfg.Cache.IndexCacheSize == 0 {
		cfg.Cache.IndexCacheSize = 500
	}
	if cfg.Cache.CacheTTL == 0 {
		cfg.Cache.CacheTTL = 5 * time.Minute
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = 1000
	}
	if cfg.Cache.QueryCacheTTL == 0 {
		cfg.Cache.QueryCacheTTL = 60 * time.Second
	}
	if cfg.Cache.MaxQueryResultSize == 0 {
		cfg.Cache.MaxQueryResultSize = 1 << 20
	}
	if cfg.Memory.MonitoringInterval == 0 {
		cfg.Memory.MonitoringInterval = 15 * time.Second
	}
	if cfg.Memory.HistorySize == 0 {
		cfg.Memory.HistorySize = 60
	}
	if cfg.Memory.PressureThreshold == 0 {
		cfg.Memory.PressureThreshold = 0.80
	}
	if cfg.Memory.CacheClearThreshold == 0 {
		cfg.Memory.CacheClearThreshold = 0.90
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 15 * time.Second
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 5
	}
	if cfg.Health.RecoveryThreshold == 0 {
		cfg.Health.RecoveryThreshold = 3
	}
	if cfg.Health.StatsPersistInterval == 0 {
		cfg.Health.StatsPersistInterval = 5 * time.Minute
	}
	if cfg.Health.StatsPath == "" {
		cfg.Health.StatsPath = "pool-stats.json"
	}
	if cfg.EventLog.Path == "" {
		cfg.EventLog.Path = "gateway-events.log"
	}
	if cfg.EventLog.AlertPath == "" {
		cfg.EventLog.AlertPath = "gateway-alerts.log"
	}
	if cfg.EventLog.MaxSizeMB == 0 {
		cfg.EventLog.MaxSizeMB = 50
	}
	if cfg.EventLog.MaxBackups == 0 {
		cfg.EventLog.MaxBackups = 5
	}
	if cfg.EventLog.MaxAgeDays == 0 {
		cfg.EventLog.MaxAgeDays = 28
	}
	if cfg.Admin.ListenAddr == "" {
		cfg.Admin.ListenAddr = ":8080"
	}
}

func validate(cfg *Config) error {
	if cfg.Database.Host == "" {
		return errs.New(errs.CategoryConfigurationError, "database host is required", nil)
	}
	if cfg.Database.Database == "" {
		return errs.New(errs.CategoryConfigurationError, "database name is required", nil)
	}
	if cfg.Database.User == "" {
		return errs.New(errs.CategoryConfigurationError, "database user is required", nil)
	}
	if cfg.Database.ConnectionLimit <= 0 {
		return errs.New(errs.CategoryConfigurationError, "connection_limit must be positive", nil)
	}
	if cfg.Security.MaxQueryLength <= 0 {
		return errs.New(errs.CategoryConfigurationError, "max_query_length must be positive", nil)
	}
	if cfg.Memory.PressureThreshold <= 0 || cfg.Memory.PressureThreshold > 1 {
		return errs.New(errs.CategoryConfigurationError, "pressure_threshold must be in (0,1]", nil)
	}
	for _, qt := range cfg.Security.AllowedQueryTypes {
		switch strings.ToUpper(qt) {
		case "SELECT", "INSERT", "UPDATE", "DELETE", "REPLACE":
		default:
			return errs.New(errs.CategoryConfigurationError, fmt.Sprintf("unsupported allowed query type %q", qt), nil)
		}
	}
	switch cfg.Security.ValidationLevel {
	case "strict", "moderate", "basic":
	default:
		return errs.New(errs.CategoryConfigurationError, fmt.Sprintf("unsupported validation_level %q", cfg.Security.ValidationLevel), nil)
	}
	return nil
}

// LoadFromFile reads a YAML bootstrap file into Config. Used as the base
// layer before environment variables are applied on top.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.CategoryConfigurationError, "reading config bootstrap file", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.New(errs.CategoryConfigurationError, "parsing config bootstrap file", err)
	}
	return cfg, nil
}

// Load builds a Config from environment variables, optionally seeded from
// a YAML bootstrap file named by GATEWAY_CONFIG_FILE. Environment
// variables always win over the bootstrap file.
func Load() (*Config, error) {
	cfg := &Config{}
	if path := os.Getenv("GATEWAY_CONFIG_FILE"); path != "" {
		base, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = base
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str(&cfg.Database.Host, "HOST")
	intv(&cfg.Database.Port, "PORT")
	str(&cfg.Database.User, "USER")
	secret(&cfg.Database.Password, "PASSWORD")
	str(&cfg.Database.Database, "DATABASE")
	intv(&cfg.Database.ConnectionLimit, "CONNECTION_LIMIT")
	duration(&cfg.Database.ConnectTimeout, "CONNECT_TIMEOUT")
	duration(&cfg.Database.IdleTimeout, "IDLE_TIMEOUT")
	boolv(&cfg.Database.SSL, "SSL")
	str(&cfg.Database.Charset, "CHARSET")
	str(&cfg.Database.Timezone, "TIMEZONE")
	hostList(&cfg.Database.ReplicaHosts, "REPLICA_HOSTS")

	intv(&cfg.Security.MaxQueryLength, "MAX_QUERY_LENGTH")
	intv(&cfg.Security.MaxInputLength, "MAX_INPUT_LENGTH")
	csv(&cfg.Security.AllowedQueryTypes, "ALLOWED_QUERY_TYPES")
	intv(&cfg.Security.MaxResultRows, "MAX_RESULT_ROWS")
	duration(&cfg.Security.QueryTimeout, "QUERY_TIMEOUT")
	intv(&cfg.Security.RateLimitMax, "RATE_LIMIT_MAX")
	duration(&cfg.Security.RateLimitWindow, "RATE_LIMIT_WINDOW")
	duration(&cfg.Security.SlowQueryThreshold, "SLOW_QUERY_THRESHOLD")
	str(&cfg.Security.ValidationLevel, "VALIDATION_LEVEL")

	intv(&cfg.Cache.SchemaCacheSize, "SCHEMA_CACHE_SIZE")
	intv(&cfg.Cache.TableExistsCacheSize, "TABLE_EXISTS_CACHE_SIZE")
	intv(&cfg.Cache.IndexCacheSize, "INDEX_CACHE_SIZE")
	duration(&cfg.Cache.CacheTTL, "CACHE_TTL")
	boolv(&cfg.Cache.EnableQueryCache, "ENABLE_QUERY_CACHE")
	intv(&cfg.Cache.QueryCacheSize, "QUERY_CACHE_SIZE")
	duration(&cfg.Cache.QueryCacheTTL, "QUERY_CACHE_TTL")
	intv(&cfg.Cache.MaxQueryResultSize, "MAX_QUERY_RESULT_SIZE")
	boolv(&cfg.Cache.EnableTieredCache, "ENABLE_TIERED_CACHE")
	boolv(&cfg.Cache.EnableTTLAdjustment, "ENABLE_TTL_ADJUSTMENT")

	duration(&cfg.Memory.MonitoringInterval, "MEMORY_MONITORING_INTERVAL")
	intv(&cfg.Memory.HistorySize, "MEMORY_HISTORY_SIZE")
	floatv(&cfg.Memory.PressureThreshold, "MEMORY_PRESSURE_THRESHOLD")
	floatv(&cfg.Memory.CacheClearThreshold, "MEMORY_CACHE_CLEAR_THRESHOLD")
	boolv(&cfg.Memory.AutoGC, "MEMORY_AUTO_GC")

	duration(&cfg.Health.Interval, "HEALTH_INTERVAL")
	intv(&cfg.Health.FailureThreshold, "HEALTH_FAILURE_THRESHOLD")
	intv(&cfg.Health.RecoveryThreshold, "HEALTH_RECOVERY_THRESHOLD")
	str(&cfg.Health.StatsPath, "POOL_STATS_PATH")
	duration(&cfg.Health.StatsPersistInterval, "POOL_STATS_PERSIST_INTERVAL")

	str(&cfg.EventLog.Path, "EVENT_LOG_PATH")
	str(&cfg.EventLog.AlertPath, "ALERT_LOG_PATH")
	intv(&cfg.EventLog.MaxSizeMB, "EVENT_LOG_MAX_SIZE_MB")
	intv(&cfg.EventLog.MaxBackups, "EVENT_LOG_MAX_BACKUPS")
	intv(&cfg.EventLog.MaxAgeDays, "EVENT_LOG_MAX_AGE_DAYS")
	boolv(&cfg.EventLog.Compress, "EVENT_LOG_COMPRESS")

	str(&cfg.Admin.ListenAddr, "ADMIN_LISTEN_ADDR")
}

func str(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func secret(dst *Secret, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = Secret(v)
	}
}

func intv(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func floatv(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func boolv(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func duration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
			return
		}
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func csv(dst *[]string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, strings.ToUpper(p))
			}
		}
		*dst = out
	}
}

func hostList(dst *[]string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

// Store is a lock-free, versioned snapshot holder: readers call Load and
// never block on a writer. Writers call Swap to publish a new Config with
// Version incremented from the previous snapshot.
type Store struct {
	v atomic.Value // holds *Config
}

// NewStore wraps an initial config as version 1.
func NewStore(cfg *Config) *Store {
	c := *cfg
	c.Version = 1
	s := &Store{}
	s.v.Store(&c)
	return s
}

// Load returns the current snapshot. Safe for concurrent use.
func (s *Store) Load() *Config {
	return s.v.Load().(*Config)
}

// Swap publishes next as the new current snapshot, stamping its Version
// as one past the previous snapshot's.
func (s *Store) Swap(next *Config) *Config {
	prev := s.Load()
	c := *next
	c.Version = prev.Version + 1
	s.v.Store(&c)
	return &c
}
