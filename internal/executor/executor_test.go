package executor

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/liyq0307/mysql-mcp-gateway/internal/cache"
	"github.com/liyq0307/mysql-mcp-gateway/internal/config"
	"github.com/liyq0307/mysql-mcp-gateway/internal/rbac"
	"github.com/liyq0307/mysql-mcp-gateway/internal/ratelimit"
	"github.com/liyq0307/mysql-mcp-gateway/internal/retry"
	"github.com/liyq0307/mysql-mcp-gateway/internal/security"
)

func testCacheManager(t *testing.T) *cache.Manager {
	t.Helper()
	cfg := config.Cache{
		SchemaCacheSize:      10,
		TableExistsCacheSize: 10,
		IndexCacheSize:       10,
		QueryCacheSize:       10,
		QueryCacheTTL:        time.Minute,
		MaxQueryResultSize:   1 << 20,
		EnableQueryCache:     true,
	}
	m, err := cache.NewManager(cfg, nil, nil)
	if err != nil {
		t.Fatalf("building cache manager: %v", err)
	}
	return m
}

func testRBAC(t *testing.T, permission string) *rbac.Manager {
	t.Helper()
	m := rbac.New()
	if err := m.CreateRole("tester"); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := m.AssignPermission("tester", permission); err != nil {
		t.Fatalf("assign permission: %v", err)
	}
	if err := m.CreateUser("u1"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := m.AssignRole("u1", "tester"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	return m
}

func testConfig() Config {
	return Config{
		MaxResultRows:      100,
		QueryTimeout:       2 * time.Second,
		SlowQueryThreshold: time.Second,
		RetryPolicy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2,
		},
	}
}

func selectResponse(cols []string, rows [][]driver.Value) func(call int, query string, args []driver.NamedValue) scriptedResponse {
	return func(call int, query string, args []driver.NamedValue) scriptedResponse {
		return scriptedResponse{columns: cols, rows: rows}
	}
}

func TestExecCachesReadResultsOnSecondCall(t *testing.T) {
	backend := newScriptedBackend(t, "primary", selectResponse(
		[]string{"id", "name"},
		[][]driver.Value{{int64(1), "alice"}},
	))
	defer backend.Close()

	c := testCacheManager(t)
	rbacMgr := testRBAC(t, "SELECT:users")
	exec := New(nil, rbacMgr, nil, c, singleBackendProvider{backend}, nil, testConfig(), nil, nil)

	ctx := context.Background()
	first, err := exec.Exec(ctx, "SELECT id, name FROM users", nil, "u1")
	if err != nil {
		t.Fatalf("first exec: %v", err)
	}
	if first.FromCache {
		t.Fatalf("expected first call to be a cache miss")
	}
	if len(first.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(first.Rows))
	}

	second, err := exec.Exec(ctx, "SELECT id, name FROM users", nil, "u1")
	if err != nil {
		t.Fatalf("second exec: %v", err)
	}
	if !second.FromCache {
		t.Fatalf("expected second identical read to be served from cache")
	}
}

func TestExecBlocksDisallowedSQL(t *testing.T) {
	backend := newScriptedBackend(t, "primary", selectResponse(nil, nil))
	defer backend.Close()

	sqlValidator := security.NewSQLValidator(security.SQLValidatorConfig{
		MaxQueryLength:    4096,
		AllowedQueryTypes: []string{"SELECT", "INSERT", "UPDATE", "DELETE"},
		RiskThreshold:     70,
		Level:             security.LevelStrict,
	}, nil)
	validator := NewCombinedValidator(security.NewInputValidator(1024, security.LevelStrict), sqlValidator)

	exec := New(validator, nil, nil, nil, singleBackendProvider{backend}, nil, testConfig(), nil, nil)

	_, err := exec.Exec(context.Background(), "SELECT * FROM users INTO OUTFILE '/tmp/x'", nil, "u1")
	if err == nil {
		t.Fatalf("expected disallowed statement to be rejected")
	}
}

func TestExecRetriesOnDeadlockThenSucceeds(t *testing.T) {
	handler := func(call int, query string, args []driver.NamedValue) scriptedResponse {
		if call == 1 {
			return scriptedResponse{err: &mysql.MySQLError{Number: 1213, Message: "deadlock found"}}
		}
		return scriptedResponse{affected: 1}
	}
	backend := newScriptedBackend(t, "primary", handler)
	defer backend.Close()

	c := testCacheManager(t)
	exec := New(nil, nil, nil, c, singleBackendProvider{backend}, nil, testConfig(), nil, nil)

	result, err := exec.Exec(context.Background(), "UPDATE accounts SET balance = balance - 1 WHERE id = ?", []any{1}, "u1")
	if err != nil {
		t.Fatalf("expected retry to recover from a transient deadlock, got: %v", err)
	}
	if result.Affected != 1 {
		t.Fatalf("expected 1 affected row, got %d", result.Affected)
	}
}

func TestExecDeniesWithoutPermission(t *testing.T) {
	backend := newScriptedBackend(t, "primary", selectResponse([]string{"id"}, [][]driver.Value{{int64(1)}}))
	defer backend.Close()

	rbacMgr := testRBAC(t, "SELECT:other_table")
	exec := New(nil, rbacMgr, nil, nil, singleBackendProvider{backend}, nil, testConfig(), nil, nil)

	_, err := exec.Exec(context.Background(), "SELECT id FROM users", nil, "u1")
	if err == nil {
		t.Fatalf("expected RBAC denial for a user without the users permission")
	}
}

func TestExecRoutesReadsToReplicaAndWritesToPrimary(t *testing.T) {
	var primaryHit, replicaHit bool
	primary := newScriptedBackend(t, "primary", func(call int, query string, args []driver.NamedValue) scriptedResponse {
		primaryHit = true
		return scriptedResponse{affected: 1}
	})
	defer primary.Close()
	replica := newScriptedBackend(t, "replica", func(call int, query string, args []driver.NamedValue) scriptedResponse {
		replicaHit = true
		return scriptedResponse{columns: []string{"id"}, rows: [][]driver.Value{{int64(7)}}}
	})
	defer replica.Close()

	exec := New(nil, nil, nil, nil, splitBackendProvider{primary, replica}, nil, testConfig(), nil, nil)
	ctx := context.Background()

	if _, err := exec.Exec(ctx, "SELECT id FROM users", nil, "u1"); err != nil {
		t.Fatalf("read exec: %v", err)
	}
	if !replicaHit || primaryHit {
		t.Fatalf("expected read to hit replica only, got primaryHit=%v replicaHit=%v", primaryHit, replicaHit)
	}

	primaryHit, replicaHit = false, false
	if _, err := exec.Exec(ctx, "UPDATE users SET name = ? WHERE id = ?", []any{"bob", 7}, "u1"); err != nil {
		t.Fatalf("write exec: %v", err)
	}
	if !primaryHit || replicaHit {
		t.Fatalf("expected write to hit primary only, got primaryHit=%v replicaHit=%v", primaryHit, replicaHit)
	}
}

func TestExecDeniedByRateLimiter(t *testing.T) {
	backend := newScriptedBackend(t, "primary", selectResponse([]string{"id"}, [][]driver.Value{{int64(1)}}))
	defer backend.Close()

	limiter := ratelimit.New(1, time.Minute, nil, nil)
	defer limiter.Stop()

	exec := New(nil, nil, limiter, nil, singleBackendProvider{backend}, nil, testConfig(), nil, nil)
	ctx := context.Background()

	if _, err := exec.Exec(ctx, "SELECT id FROM users", nil, "u1"); err != nil {
		t.Fatalf("first call should be admitted: %v", err)
	}
	if _, err := exec.Exec(ctx, "SELECT id FROM users", nil, "u1"); err == nil {
		t.Fatalf("second call within the same window should be rate-limited")
	}
}

func TestBatchInsertChunksAcrossBatches(t *testing.T) {
	backend := newScriptedBackend(t, "primary", func(call int, query string, args []driver.NamedValue) scriptedResponse {
		return scriptedResponse{affected: 1}
	})
	defer backend.Close()

	c := testCacheManager(t)
	cfg := testConfig()
	cfg.BaseBatchSize = 2
	cfg.MaxParallelBatches = 2
	exec := New(nil, nil, nil, c, singleBackendProvider{backend}, nil, cfg, nil, nil)

	rows := [][]any{{1, "a"}, {2, "b"}, {3, "c"}, {4, "d"}, {5, "e"}}
	result, err := exec.BatchInsert(context.Background(), "widgets", []string{"id", "name"}, rows, "u1")
	if err != nil {
		t.Fatalf("batch insert: %v", err)
	}
	if result.Affected != int64(len(rows)) {
		t.Fatalf("expected %d affected rows, got %d", len(rows), result.Affected)
	}
	if result.Batches < 2 {
		t.Fatalf("expected rows to be split into at least 2 batches, got %d", result.Batches)
	}
}

func TestBatchExecRollsBackOnFirstError(t *testing.T) {
	backend := newScriptedBackend(t, "primary", func(call int, query string, args []driver.NamedValue) scriptedResponse {
		if call == 2 {
			return scriptedResponse{err: &mysql.MySQLError{Number: 1452, Message: "fk violation"}}
		}
		return scriptedResponse{affected: 1}
	})
	defer backend.Close()

	c := testCacheManager(t)
	cfg := testConfig()
	cfg.RetryPolicy.MaxAttempts = 1
	exec := New(nil, nil, nil, c, singleBackendProvider{backend}, nil, cfg, nil, nil)

	queries := []Query{
		{SQL: "UPDATE accounts SET balance = balance - 1 WHERE id = 1"},
		{SQL: "INSERT INTO orders (account_id) VALUES (999)"},
	}
	_, err := exec.BatchExec(context.Background(), queries, "u1")
	if err == nil {
		t.Fatalf("expected batch to fail on its second statement")
	}
}

func TestPressureShrinksBatchSize(t *testing.T) {
	backend := newScriptedBackend(t, "primary", func(call int, query string, args []driver.NamedValue) scriptedResponse {
		return scriptedResponse{affected: 1}
	})
	defer backend.Close()

	c := testCacheManager(t)
	cfg := testConfig()
	cfg.BaseBatchSize = 100

	pressure := func() float64 { return 0.9 }
	exec := New(nil, nil, nil, c, singleBackendProvider{backend}, nil, cfg, pressure, nil)

	size := exec.optimalBatchSize()
	if size >= cfg.BaseBatchSize {
		t.Fatalf("expected batch size to shrink under high pressure, got %d (base %d)", size, cfg.BaseBatchSize)
	}
}
