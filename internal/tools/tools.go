// Package tools exposes a handful of thin MCP tool adapters over the
// query executor and its collaborators. Framing and the full tool
// schema registry a real transport would need are out of scope; each
// adapter here only unmarshals its own parameters and calls through to
// internal/executor, internal/pool, or internal/cache.
package tools

import (
	"context"
	"encoding/json"

	"github.com/liyq0307/mysql-mcp-gateway/internal/cache"
	"github.com/liyq0307/mysql-mcp-gateway/internal/errs"
	"github.com/liyq0307/mysql-mcp-gateway/internal/executor"
	"github.com/liyq0307/mysql-mcp-gateway/internal/pool"
)

// Handler is the shape a transport layer would dispatch an inbound MCP
// tool call into: the caller's user id (already authenticated upstream)
// plus raw, tool-specific parameters.
type Handler func(ctx context.Context, userID string, params json.RawMessage) (any, error)

// Registry maps tool name to Handler, built once at startup from a
// fixed executor/pool/cache.
type Registry struct {
	exec  *executor.Executor
	pools *pool.Manager
	cache *cache.Manager
}

// NewRegistry wires the five representative tool adapters over exec,
// pools, and cacheMgr. pools and cacheMgr may be nil if pool_status or
// cache_status won't be exposed.
func NewRegistry(exec *executor.Executor, pools *pool.Manager, cacheMgr *cache.Manager) *Registry {
	return &Registry{exec: exec, pools: pools, cache: cacheMgr}
}

// Handlers returns the tool-name-to-Handler map a transport would
// register against its schema.
func (r *Registry) Handlers() map[string]Handler {
	return map[string]Handler{
		"exec":         r.Exec,
		"batch_exec":   r.BatchExec,
		"batch_insert": r.BatchInsert,
		"pool_status":  r.PoolStatus,
		"cache_status": r.CacheStatus,
	}
}

type execParams struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

// Exec adapts the "exec" tool to executor.Executor.Exec.
func (r *Registry) Exec(ctx context.Context, userID string, params json.RawMessage) (any, error) {
	var p execParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errs.New(errs.CategoryValidationError, "decoding exec params", err)
	}
	return r.exec.Exec(ctx, p.SQL, p.Params, userID)
}

type batchExecParams struct {
	Queries []struct {
		SQL    string `json:"sql"`
		Params []any  `json:"params"`
	} `json:"queries"`
}

// BatchExec adapts the "batch_exec" tool to executor.Executor.BatchExec.
func (r *Registry) BatchExec(ctx context.Context, userID string, params json.RawMessage) (any, error) {
	var p batchExecParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errs.New(errs.CategoryValidationError, "decoding batch_exec params", err)
	}
	queries := make([]executor.Query, len(p.Queries))
	for i, q := range p.Queries {
		queries[i] = executor.Query{SQL: q.SQL, Params: q.Params}
	}
	return r.exec.BatchExec(ctx, queries, userID)
}

type batchInsertParams struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// BatchInsert adapts the "batch_insert" tool to executor.Executor.BatchInsert.
func (r *Registry) BatchInsert(ctx context.Context, userID string, params json.RawMessage) (any, error) {
	var p batchInsertParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errs.New(errs.CategoryValidationError, "decoding batch_insert params", err)
	}
	return r.exec.BatchInsert(ctx, p.Table, p.Columns, p.Rows, userID)
}

// PoolStatus adapts the "pool_status" tool: ignores its params and
// returns every backend's current pool.Stats.
func (r *Registry) PoolStatus(ctx context.Context, userID string, params json.RawMessage) (any, error) {
	if r.pools == nil {
		return nil, errs.New(errs.CategoryConfigurationError, "pool status not available", nil)
	}
	return r.pools.AllStats(), nil
}

// CacheStatus adapts the "cache_status" tool: ignores its params and
// returns the cache manager's region/query-cache occupancy snapshot.
func (r *Registry) CacheStatus(ctx context.Context, userID string, params json.RawMessage) (any, error) {
	if r.cache == nil {
		return nil, errs.New(errs.CategoryConfigurationError, "cache status not available", nil)
	}
	return r.cache.Stats(), nil
}
