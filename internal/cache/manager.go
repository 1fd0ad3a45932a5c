package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/liyq0307/mysql-mcp-gateway/internal/config"
	"github.com/liyq0307/mysql-mcp-gateway/internal/memory"
)

const (
	regionSchema      = "schema"
	regionTableExists = "table_exists"
	regionIndex       = "index"
)

// WarmUpFunc fetches the value to seed a region entry for a given table
// during cache warm-up; supplied by the caller (the executor), since only
// it knows how to ask the backend for schema/exists/index data.
type WarmUpFunc func(ctx context.Context, table string) (schema, exists, index any, err error)

// Manager is the gateway's tiered cache: three metadata regions
// (schema, table-existence, index) plus a table-indexed query-result
// cache, all subscribed to a shared memory-pressure feed.
type Manager struct {
	cfg   config.Cache
	log   *slog.Logger
	mem   *memory.Controller
	subID int

	schema      *Region
	tableExists *Region
	index       *Region
	query       *QueryCache

	stopCh chan struct{}
}

// NewManager builds the three metadata regions and the query cache per
// cfg. It keeps mem for RunPressureLoop, which makes the subscription.
func NewManager(cfg config.Cache, mem *memory.Controller, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	schema, err := NewRegion(regionSchema, cfg.SchemaCacheSize, cfg.EnableTieredCache, cfg.CacheTTL, cfg.EnableTTLAdjustment, cfg.CacheTTL*4)
	if err != nil {
		return nil, err
	}
	tableExists, err := NewRegion(regionTableExists, cfg.TableExistsCacheSize, cfg.EnableTieredCache, cfg.CacheTTL, cfg.EnableTTLAdjustment, cfg.CacheTTL*4)
	if err != nil {
		return nil, err
	}
	index, err := NewRegion(regionIndex, cfg.IndexCacheSize, cfg.EnableTieredCache, cfg.CacheTTL, cfg.EnableTTLAdjustment, cfg.CacheTTL*4)
	if err != nil {
		return nil, err
	}
	query, err := NewQueryCache(cfg.QueryCacheSize, cfg.QueryCacheTTL, int64(cfg.MaxQueryResultSize), cfg.EnableQueryCache)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:         cfg,
		log:         log,
		mem:         mem,
		schema:      schema,
		tableExists: tableExists,
		index:       index,
		query:       query,
		stopCh:      make(chan struct{}),
	}

	return m, nil
}

func (m *Manager) region(name string) *Region {
	switch name {
	case regionSchema:
		return m.schema
	case regionTableExists:
		return m.tableExists
	case regionIndex:
		return m.index
	default:
		return nil
	}
}

// Get retrieves a value from region by key.
func (m *Manager) Get(region, key string) (any, bool) {
	r := m.region(region)
	if r == nil {
		return nil, false
	}
	return r.Get(key)
}

// Set stores value under key in region. ttl of zero uses the region's
// configured default.
func (m *Manager) Set(region, key string, value any, ttl time.Duration) {
	if r := m.region(region); r != nil {
		r.Set(key, value, ttl)
	}
}

// Invalidate removes a single key from region.
func (m *Manager) Invalidate(region, key string) {
	if r := m.region(region); r != nil {
		r.Invalidate(key)
	}
}

// InvalidateTable drops every metadata-region entry and query-cache entry
// associated with table. DDL invalidates schema/exists/index plus the
// query cache; DML invalidates only the query cache.
func (m *Manager) InvalidateTable(table string) {
	m.schema.Invalidate(table)
	m.tableExists.Invalidate(table)
	m.index.Invalidate(table)
	m.query.InvalidateTable(table)
}

// InvalidateByOperation routes invalidation for an executed statement: DML
// drops only the query-cache entries referencing table; DDL additionally
// drops the table's schema/exists/index region entries.
func (m *Manager) InvalidateByOperation(op OperationType, table string) {
	if table == "" {
		return
	}
	switch op {
	case OpDDL:
		m.InvalidateTable(table)
	case OpDML:
		m.query.InvalidateTable(table)
	}
}

// ClearAll empties every region and the query cache.
func (m *Manager) ClearAll() {
	m.schema.Clear()
	m.tableExists.Clear()
	m.index.Clear()
	m.query.ClearAll()
}

// Query returns the underlying query-result cache for direct Get/Set by
// the executor, which alone knows statement text and bound parameters.
func (m *Manager) Query() *QueryCache { return m.query }

// GetQuery looks up a cached query result. Thin delegation so the
// executor's Cache interface doesn't need to reach through Query().
func (m *Manager) GetQuery(sql string, params []any) (any, bool) {
	return m.query.Get(sql, params)
}

// SetQuery stores a query result in the query cache.
func (m *Manager) SetQuery(sql string, params []any, value any, size int64) {
	m.query.Set(sql, params, value, size)
}

// ClearQueryCache empties only the query-result cache, leaving the
// schema/table-exists/index metadata regions intact. Used when a
// mutating statement's affected table can't be parsed and the executor
// must invalidate conservatively without nuking metadata it didn't
// touch.
func (m *Manager) ClearQueryCache() { m.query.ClearAll() }

// WarmUp asynchronously seeds schema/exists/index entries for tables.
// Progress is logged; warm-up failures are never fatal to the caller.
func (m *Manager) WarmUp(ctx context.Context, tables []string, fetch WarmUpFunc) {
	go func() {
		for _, t := range tables {
			select {
			case <-ctx.Done():
				return
			default:
			}
			schema, exists, index, err := fetch(ctx, t)
			if err != nil {
				m.log.Warn("cache warm-up failed", "table", t, "error", err)
				continue
			}
			m.schema.Set(t, schema, 0)
			m.tableExists.Set(t, exists, 0)
			m.index.Set(t, index, 0)
			m.log.Debug("cache warm-up seeded table", "table", t)
		}
	}()
}

// regions returns the three metadata regions for pressure purposes; the
// query cache is handled separately.
func (m *Manager) regions() []*Region {
	return []*Region{m.schema, m.tableExists, m.index}
}

// RunPressureLoop subscribes to mem's pressure feed, consumes its updates
// and adjusts region/query-cache capacity per spec: at p>=0.7
// caps shrink to floor(base*(1-p+0.3)); at p>=0.85 an aggressive eviction
// plus an L2 flush is additionally performed.
func (m *Manager) RunPressureLoop(ctx context.Context) {
	if m.mem == nil {
		return
	}
	subID, ch := m.mem.Subscribe()
	m.subID = subID
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return
			}
			m.applyPressure(p)
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) applyPressure(p float64) {
	if p < 0.7 {
		for _, r := range m.regions() {
			r.RestoreCap()
		}
		return
	}

	factor := 1 - p + 0.3
	for _, r := range m.regions() {
		newCap := int(float64(r.baseCap) * factor)
		evicted := r.ApplyCap(newCap)
		if evicted > 0 {
			m.log.Info("cache region shrunk under memory pressure", "region", r.name, "pressure", p, "new_cap", newCap, "evicted", evicted)
		}
	}

	if p >= 0.85 {
		for _, r := range m.regions() {
			r.FlushL2()
		}
		m.log.Warn("cache performing aggressive eviction under high memory pressure", "pressure", p)
	}
}

// Stop halts the pressure-adjustment loop and unsubscribes from the
// memory controller.
func (m *Manager) Stop() {
	close(m.stopCh)
	if m.mem != nil {
		m.mem.Unsubscribe(m.subID)
	}
}

// Stats returns a snapshot of every region's occupancy and the query
// cache's hit/miss counters.
type Stats struct {
	Schema      RegionStats
	TableExists RegionStats
	Index       RegionStats
	QueryHits   uint64
	QueryMisses uint64
	QuerySize   int
}

func (m *Manager) Stats() Stats {
	hits, misses, size := m.query.Stats()
	return Stats{
		Schema:      m.schema.Stats(),
		TableExists: m.tableExists.Stats(),
		Index:       m.index.Stats(),
		QueryHits:   hits,
		QueryMisses: misses,
		QuerySize:   size,
	}
}
