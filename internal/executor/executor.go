// Package executor implements the gateway's query-executor facade: the
// single entry point the MCP tool layer calls for exec/batchExec/
// batchInsert, running every request through the same ordered pipeline
// (rate-limit, validate, authorize, cache, acquire+retry+execute,
// post-process, cache store, invalidate, record metrics).
//
// The executor depends only on small interfaces (Validator, Authorizer,
// RateLimiter, Cache, ConnectionProvider, Metrics) plus a Retrier
// function value, all supplied at construction; it holds no package-level
// state of its own.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/liyq0307/mysql-mcp-gateway/internal/cache"
	"github.com/liyq0307/mysql-mcp-gateway/internal/errs"
	"github.com/liyq0307/mysql-mcp-gateway/internal/pool"
	"github.com/liyq0307/mysql-mcp-gateway/internal/retry"
)

// Validator is the combined input/SQL validation surface (§4.E).
type Validator interface {
	ValidateInput(value any) error
	ValidateSQL(query string) error
}

// Authorizer is the RBAC check surface (§4.F).
type Authorizer interface {
	Check(userID, permission string) bool
}

// RateLimiter is the adaptive token-bucket surface (§4.G).
type RateLimiter interface {
	CheckRate(identifier string) bool
	Refund(identifier string)
}

// Cache is the query-result cache surface the executor needs: lookup,
// store, and operation-routed invalidation.
type Cache interface {
	GetQuery(sql string, params []any) (any, bool)
	SetQuery(sql string, params []any, value any, size int64)
	InvalidateByOperation(op cache.OperationType, table string)
	ClearQueryCache()
}

// ConnectionProvider hands out the write (primary) or read (replica,
// round-robin, falling back to primary) backend (§4.I).
type ConnectionProvider interface {
	GetWrite() *pool.Backend
	GetRead() *pool.Backend
}

// Metrics is the subset of *metrics.Collector the executor records to.
type Metrics interface {
	QueryCompleted(operation string, d, slowThreshold time.Duration)
	QueryError(category string)
	CacheHit(region string)
	CacheMiss(region string)
	RateLimitDenied(identifier string)
	RBACDenied(permission string)
	RetryAttempted(outcome string)
}

// Retrier runs op under policy, classifying and retrying only the
// transient categories §4.H names. Defaults to retry.Do; overridable for
// tests that want deterministic timing.
type Retrier func(ctx context.Context, policy retry.Policy, op func() error) retry.Result

// Result is the JSON-serializable shape exec/batchExec/batchInsert
// return to the tool layer.
type Result struct {
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	Affected     int64    `json:"affected,omitempty"`
	LastInsertID int64    `json:"last_insert_id,omitempty"`
	FromCache    bool     `json:"from_cache,omitempty"`
}

// Query pairs a statement with its bound parameters, the unit BatchExec
// operates on.
type Query struct {
	SQL    string
	Params []any
}

// BatchInsertResult reports how a batchInsert call was chunked.
type BatchInsertResult struct {
	Affected int64 `json:"affected"`
	Batches  int   `json:"batches"`
}

// Config tunes the pipeline's resource limits, independent of which
// components are wired in.
type Config struct {
	MaxResultRows      int
	QueryTimeout       time.Duration
	SlowQueryThreshold time.Duration
	RetryPolicy        retry.Policy

	// BaseBatchSize and MaxParallelBatches bound batchInsert chunking;
	// see optimalBatchSize for how pressure scales the former down.
	BaseBatchSize      int
	MaxParallelBatches int
}

// PressureFunc reports current system load in [0,1]; wired to
// *memory.Controller.CurrentPressure in the runtime. May be nil, in
// which case batchInsert always uses BaseBatchSize.
type PressureFunc func() float64

// Executor is the stateless query-executor facade; every field it holds
// is a shared collaborator, not per-request state.
type Executor struct {
	validator   Validator
	authorizer  Authorizer
	limiter     RateLimiter
	cache       Cache
	conns       ConnectionProvider
	metrics     Metrics
	retrier     Retrier
	pressure    PressureFunc
	cfg         Config
	log         *slog.Logger
}

// New builds an Executor from its collaborators and Config. Any of
// validator/authorizer/limiter/cache/metrics/pressure may be nil, in
// which case that pipeline step is skipped (useful for tests exercising
// one concern at a time); conns and cfg.RetryPolicy are required.
func New(validator Validator, authorizer Authorizer, limiter RateLimiter, c Cache, conns ConnectionProvider, m Metrics, cfg Config, pressure PressureFunc, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxResultRows <= 0 {
		cfg.MaxResultRows = 1000
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = time.Second
	}
	if cfg.BaseBatchSize <= 0 {
		cfg.BaseBatchSize = 500
	}
	if cfg.MaxParallelBatches <= 0 {
		cfg.MaxParallelBatches = 4
	}
	return &Executor{
		validator:  validator,
		authorizer: authorizer,
		limiter:    limiter,
		cache:      c,
		conns:      conns,
		metrics:    m,
		retrier:    retry.Do,
		pressure:   pressure,
		cfg:        cfg,
		log:        log,
	}
}

// Exec runs a single statement through the full nine-step pipeline
// spec.md §4.J describes and returns its result.
func (e *Executor) Exec(ctx context.Context, sql string, params []any, userID string) (*Result, error) {
	start := time.Now()
	op := cache.ClassifyOperation(sql)

	if err := e.rateLimit(userID); err != nil {
		return nil, err
	}
	if err := e.validate(sql, params); err != nil {
		e.refund(userID)
		e.noteError(err)
		return nil, err
	}
	table, err := e.authorize(userID, sql, op)
	if err != nil {
		e.refund(userID)
		return nil, err
	}

	if op == cache.OpRead {
		if cached, ok := e.getCached(sql, params); ok {
			e.recordCompletion("read", time.Since(start), nil)
			cached.FromCache = true
			return cached, nil
		}
	}

	result, err := e.acquireAndExecute(ctx, sql, params, op)
	if err != nil {
		e.recordCompletion(operationLabel(op), time.Since(start), err)
		return nil, err
	}

	e.truncate(result)

	if op == cache.OpRead {
		e.storeCached(sql, params, result)
	} else {
		e.invalidate(op, table)
	}

	e.recordCompletion(operationLabel(op), time.Since(start), nil)
	return result, nil
}

// BatchExec runs queries in input order inside a single transaction,
// rolling back and surfacing the first error on any failure. On commit
// it invalidates every mutated table found across the batch (set-union);
// a statement whose table can't be parsed invalidates the whole query
// cache conservatively.
func (e *Executor) BatchExec(ctx context.Context, queries []Query, userID string) ([]*Result, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	start := time.Now()

	if err := e.rateLimit(userID); err != nil {
		return nil, err
	}

	mutatedTables := make(map[string]struct{})
	unparsedMutation := false
	writeVerb := false
	for _, q := range queries {
		if err := e.validate(q.SQL, q.Params); err != nil {
			e.refund(userID)
			e.noteError(err)
			return nil, err
		}
		op := cache.ClassifyOperation(q.SQL)
		if op != cache.OpRead {
			writeVerb = true
			tables := cache.ExtractTables(q.SQL)
			if len(tables) == 0 {
				unparsedMutation = true
			}
			for _, t := range tables {
				mutatedTables[t] = struct{}{}
			}
		}
		if _, err := e.authorize(userID, q.SQL, op); err != nil {
			e.refund(userID)
			return nil, err
		}
	}

	backend := e.conns.GetWrite()
	if !writeVerb {
		backend = e.conns.GetRead()
	}

	results := make([]*Result, 0, len(queries))
	execErr := e.retry(ctx, func() error {
		results = results[:0]
		conn, err := backend.Acquire(ctx)
		if err != nil {
			return err
		}
		defer conn.Release()

		tx, err := conn.Handle.BeginTx(ctx, nil)
		if err != nil {
			backend.ReportOutcome(err)
			return errs.New(errs.Classify(err), "beginning batch transaction", err)
		}

		for _, q := range queries {
			qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
			r, err := execOne(qctx, tx, q.SQL, q.Params)
			cancel()
			if err != nil {
				tx.Rollback()
				backend.ReportOutcome(err)
				return errs.New(errs.Classify(err), "executing batched statement", err)
			}
			e.truncate(r)
			results = append(results, r)
		}

		if err := tx.Commit(); err != nil {
			backend.ReportOutcome(err)
			return errs.New(errs.Classify(err), "committing batch transaction", err)
		}
		backend.ReportOutcome(nil)
		return nil
	})
	if execErr != nil {
		e.recordCompletion("batch_exec", time.Since(start), execErr)
		return nil, execErr
	}

	if e.cache != nil {
		if unparsedMutation {
			e.cache.ClearQueryCache()
		} else {
			for t := range mutatedTables {
				e.cache.InvalidateByOperation(cache.OpDML, t)
			}
		}
	}

	e.recordCompletion("batch_exec", time.Since(start), nil)
	return results, nil
}

// BatchInsert validates the table name, every column name and every cell
// with the configured input validator (at its configured level, not a
// fixed basic level), then chunks rows into batches sized from current
// memory pressure,
// dispatching up to min(4, batches/2) of them concurrently, each inside
// its own transaction.
func (e *Executor) BatchInsert(ctx context.Context, table string, cols []string, rows [][]any, userID string) (*BatchInsertResult, error) {
	start := time.Now()

	if err := e.rateLimit(userID); err != nil {
		return nil, err
	}
	if e.validator != nil {
		names := append([]string{table}, cols...)
		for _, name := range names {
			if err := e.validator.ValidateInput(name); err != nil {
				e.refund(userID)
				return nil, err
			}
		}
		for _, row := range rows {
			for _, cell := range row {
				if err := e.validator.ValidateInput(cell); err != nil {
					e.refund(userID)
					return nil, err
				}
			}
		}
	}
	insertSQL := buildInsertSQL(table, cols)
	if _, err := e.authorize(userID, insertSQL, cache.OpDML); err != nil {
		e.refund(userID)
		return nil, err
	}

	batchSize := e.optimalBatchSize()
	batches := chunkRows(rows, batchSize)
	parallelism := len(batches) / 2
	if parallelism > e.cfg.MaxParallelBatches {
		parallelism = e.cfg.MaxParallelBatches
	}
	if parallelism < 1 {
		parallelism = 1
	}

	backend := e.conns.GetWrite()
	var affected int64
	var firstErr error
	sem := make(chan struct{}, parallelism)
	errCh := make(chan error, len(batches))
	affectedCh := make(chan int64, len(batches))

	for _, batch := range batches {
		batch := batch
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			n, err := e.insertOneBatch(ctx, backend, insertSQL, batch)
			if err != nil {
				errCh <- err
				return
			}
			affectedCh <- n
		}()
	}
	for i := 0; i < len(batches); i++ {
		select {
		case err := <-errCh:
			if firstErr == nil {
				firstErr = err
			}
		case n := <-affectedCh:
			affected += n
		}
	}

	if firstErr != nil {
		e.recordCompletion("batch_insert", time.Since(start), firstErr)
		return nil, firstErr
	}

	if e.cache != nil {
		e.cache.InvalidateByOperation(cache.OpDML, strings.ToLower(table))
	}
	e.recordCompletion("batch_insert", time.Since(start), nil)
	return &BatchInsertResult{Affected: affected, Batches: len(batches)}, nil
}

func (e *Executor) insertOneBatch(ctx context.Context, backend *pool.Backend, insertSQL string, batch [][]any) (int64, error) {
	var affected int64
	err := e.retry(ctx, func() error {
		conn, err := backend.Acquire(ctx)
		if err != nil {
			return err
		}
		defer conn.Release()

		tx, err := conn.Handle.BeginTx(ctx, nil)
		if err != nil {
			backend.ReportOutcome(err)
			return errs.New(errs.Classify(err), "beginning insert-batch transaction", err)
		}

		var batchAffected int64
		for _, row := range batch {
			qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
			res, err := tx.ExecContext(qctx, insertSQL, row...)
			cancel()
			if err != nil {
				tx.Rollback()
				backend.ReportOutcome(err)
				return errs.New(errs.Classify(err), "executing batched insert", err)
			}
			n, _ := res.RowsAffected()
			batchAffected += n
		}

		if err := tx.Commit(); err != nil {
			backend.ReportOutcome(err)
			return errs.New(errs.Classify(err), "committing insert-batch transaction", err)
		}
		backend.ReportOutcome(nil)
		affected = batchAffected
		return nil
	})
	return affected, err
}

func (e *Executor) rateLimit(userID string) error {
	if e.limiter == nil {
		return nil
	}
	id := userID
	if id == "" {
		id = "global"
	}
	if !e.limiter.CheckRate(id) {
		if e.metrics != nil {
			e.metrics.RateLimitDenied(id)
		}
		return errs.New(errs.CategoryRateLimited, fmt.Sprintf("rate limit exceeded for %q", id), nil)
	}
	return nil
}

// refund gives back the token rateLimit consumed for userID, called when a
// request that passed the rate check is rejected before doing any real
// work, so a blocked injection attempt doesn't cost the caller's quota.
func (e *Executor) refund(userID string) {
	if e.limiter == nil {
		return
	}
	id := userID
	if id == "" {
		id = "global"
	}
	e.limiter.Refund(id)
}

func (e *Executor) validate(sql string, params []any) error {
	if e.validator == nil {
		return nil
	}
	if err := e.validator.ValidateSQL(sql); err != nil {
		return err
	}
	for _, p := range params {
		if err := e.validator.ValidateInput(p); err != nil {
			return err
		}
	}
	return nil
}

// authorize derives the operation verb and affected table, then checks
// both the scoped and bare permission forms via the Authorizer (which
// itself already falls back from scoped to bare).
func (e *Executor) authorize(userID, sql string, op cache.OperationType) (table string, err error) {
	tables := cache.ExtractTables(sql)
	if len(tables) > 0 {
		table = tables[0]
	}
	if e.authorizer == nil {
		return table, nil
	}
	verb := operationVerb(sql)
	permission := verb
	if table != "" {
		permission = verb + ":" + table
	}
	if !e.authorizer.Check(userID, permission) {
		if e.metrics != nil {
			e.metrics.RBACDenied(permission)
		}
		return table, errs.New(errs.CategoryAccessDenied, fmt.Sprintf("user %q lacks permission %q", userID, permission), nil)
	}
	return table, nil
}

func (e *Executor) getCached(sql string, params []any) (*Result, bool) {
	if e.cache == nil {
		return nil, false
	}
	v, ok := e.cache.GetQuery(sql, params)
	if !ok {
		if e.metrics != nil {
			e.metrics.CacheMiss("query")
		}
		return nil, false
	}
	if e.metrics != nil {
		e.metrics.CacheHit("query")
	}
	result, ok := v.(*Result)
	if !ok {
		return nil, false
	}
	return result, true
}

func (e *Executor) storeCached(sql string, params []any, result *Result) {
	if e.cache == nil {
		return
	}
	e.cache.SetQuery(sql, params, result, int64(resultSize(result)))
}

func (e *Executor) invalidate(op cache.OperationType, table string) {
	if e.cache == nil || table == "" {
		if e.cache != nil && table == "" {
			e.cache.ClearQueryCache()
		}
		return
	}
	e.cache.InvalidateByOperation(op, table)
}

func (e *Executor) acquireAndExecute(ctx context.Context, sql string, params []any, op cache.OperationType) (*Result, error) {
	var backend *pool.Backend
	if op == cache.OpRead {
		backend = e.conns.GetRead()
	} else {
		backend = e.conns.GetWrite()
	}

	var result *Result
	err := e.retry(ctx, func() error {
		conn, err := backend.Acquire(ctx)
		if err != nil {
			return err
		}
		defer conn.Release()

		qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()

		r, err := execOne(qctx, conn.Handle, sql, params)
		if err != nil {
			backend.ReportOutcome(err)
			return errs.New(errs.Classify(err), "executing statement", err)
		}
		backend.ReportOutcome(nil)
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Executor) retry(ctx context.Context, op func() error) error {
	result := e.retrier(ctx, e.cfg.RetryPolicy, op)
	if e.metrics != nil {
		if result.Success {
			if result.Attempts > 1 {
				e.metrics.RetryAttempted("succeeded")
			}
		} else if result.Attempts > 1 {
			e.metrics.RetryAttempted("exhausted")
		}
	}
	if result.Success {
		return nil
	}
	return result.LastError
}

func (e *Executor) truncate(r *Result) {
	if r == nil || e.cfg.MaxResultRows <= 0 || len(r.Rows) <= e.cfg.MaxResultRows {
		return
	}
	e.log.Debug("result truncated", "returned_rows", len(r.Rows), "max_rows", e.cfg.MaxResultRows)
	r.Rows = r.Rows[:e.cfg.MaxResultRows]
}

func (e *Executor) noteError(err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.QueryError(string(errs.Classify(err)))
}

func (e *Executor) recordCompletion(operation string, d time.Duration, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.QueryCompleted(operation, d, e.cfg.SlowQueryThreshold)
	if err != nil {
		e.metrics.QueryError(string(errs.Classify(err)))
	}
}

func (e *Executor) optimalBatchSize() int {
	base := e.cfg.BaseBatchSize
	if e.pressure == nil {
		return base
	}
	p := e.pressure()
	factor := 1 - p
	if factor < 0.1 {
		factor = 0.1
	}
	size := int(float64(base) * factor)
	if size < 1 {
		size = 1
	}
	return size
}

func operationVerb(sql string) string {
	return strings.ToUpper(firstWord(sql))
}

func firstWord(sql string) string {
	trimmed := strings.TrimSpace(sql)
	i := strings.IndexFunc(trimmed, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '(' })
	if i < 0 {
		return trimmed
	}
	return trimmed[:i]
}

func operationLabel(op cache.OperationType) string {
	switch op {
	case cache.OpRead:
		return "read"
	case cache.OpDDL:
		return "ddl"
	default:
		return "write"
	}
}

func resultSize(r *Result) int {
	size := 0
	for _, row := range r.Rows {
		size += len(row) * 8
	}
	return size
}
