package cache

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	cacheableVerbPattern = regexp.MustCompile(`(?i)^\s*(SELECT|SHOW|DESCRIBE|DESC|EXPLAIN)\b`)
	nonDeterministicFns  = regexp.MustCompile(`(?i)\b(NOW|RAND|UUID|UUID_SHORT|CURRENT_DATE|CURRENT_TIME|CURRENT_TIMESTAMP|SYSDATE|CONNECTION_ID)\s*\(`)

	tableRefPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bFROM\s+` + "`?" + `([a-zA-Z0-9_\.]+)` + "`?"),
		regexp.MustCompile(`(?i)\bJOIN\s+` + "`?" + `([a-zA-Z0-9_\.]+)` + "`?"),
		regexp.MustCompile(`(?i)\bINSERT\s+INTO\s+` + "`?" + `([a-zA-Z0-9_\.]+)` + "`?"),
		regexp.MustCompile(`(?i)\bUPDATE\s+` + "`?" + `([a-zA-Z0-9_\.]+)` + "`?"),
		regexp.MustCompile(`(?i)\bDELETE\s+FROM\s+` + "`?" + `([a-zA-Z0-9_\.]+)` + "`?"),
		regexp.MustCompile(`(?i)\b(?:CREATE|ALTER|DROP)\s+TABLE\s+(?:IF\s+(?:NOT\s+)?EXISTS\s+)?` + "`?" + `([a-zA-Z0-9_\.]+)` + "`?"),
	}
)

// OperationType classifies a statement for invalidation routing.
type OperationType int

const (
	OpRead OperationType = iota
	OpDML
	OpDDL
)

// ClassifyOperation returns the OperationType of a SQL statement by its
// leading verb.
func ClassifyOperation(sql string) OperationType {
	trimmed := strings.TrimSpace(sql)
	verb := strings.ToUpper(firstWord(trimmed))
	switch verb {
	case "SELECT", "SHOW", "DESCRIBE", "DESC", "EXPLAIN":
		return OpRead
	case "INSERT", "UPDATE", "DELETE", "REPLACE":
		return OpDML
	case "CREATE", "ALTER", "DROP", "TRUNCATE", "RENAME":
		return OpDDL
	default:
		return OpDML
	}
}

func firstWord(s string) string {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s
	}
	return s[:i]
}

// NormalizeSQL lowercases keywords, collapses whitespace, and strips a
// trailing semicolon, producing a stable form to hash for the query-cache
// key. Text inside single-, double-, or backtick-quoted regions is left
// byte-for-byte as written: two statements differing only in a string
// literal's case (`...name='Alice'` vs `...name='alice'`) are different
// queries and must normalize to different keys, not collide into one.
func NormalizeSQL(sql string) string {
	s := strings.TrimSpace(sql)
	s = strings.TrimSuffix(s, ";")

	var b strings.Builder
	b.Grow(len(s))
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			b.WriteByte(c)
			switch {
			case c == '\\' && quote != '`' && i+1 < len(s):
				i++
				b.WriteByte(s[i])
			case c == quote:
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' || c == '`' {
			quote = c
			b.WriteByte(c)
			continue
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}

	fields := strings.Fields(b.String())
	return strings.Join(fields, " ")
}

// Cacheable reports whether sql is eligible for query-result caching: a
// deterministic read statement with no non-deterministic function calls.
func Cacheable(sql string) bool {
	if !cacheableVerbPattern.MatchString(sql) {
		return false
	}
	return !nonDeterministicFns.MatchString(sql)
}

// ExtractTables returns the distinct table names referenced by sql, as
// matched by the precompiled FROM/JOIN/INSERT/UPDATE/DELETE/DDL patterns.
func ExtractTables(sql string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, pat := range tableRefPatterns {
		for _, m := range pat.FindAllStringSubmatch(sql, -1) {
			name := strings.ToLower(strings.Trim(m[1], "`"))
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	}
	return out
}

// QueryKey computes the stable, collision-resistant cache key for a
// normalized query and its bound parameters.
func QueryKey(sql string, params []any) string {
	normalized := NormalizeSQL(sql)
	h := xxhash.New()
	h.WriteString(normalized)
	for _, p := range params {
		h.WriteString("|")
		h.WriteString(fmt.Sprintf("%v", p))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

type queryEntry struct {
	value     any
	size      int64
	tables    []string
	expiresAt time.Time
}

func (e *queryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// QueryCache caches SELECT/SHOW/DESCRIBE/EXPLAIN results keyed by a hash
// of the normalized statement and parameters, with a reverse index from
// table name to the cache keys that reference it so a write or DDL to
// that table can invalidate exactly the affected entries.
type QueryCache struct {
	enabled   bool
	maxSize   int64
	ttl       time.Duration
	mu        sync.Mutex
	lru       *lru.Cache[string, *queryEntry]
	tableRefs map[string]map[string]struct{}
	hits      uint64
	misses    uint64
}

// NewQueryCache builds a query-result cache bounded at cap entries, each
// capped at maxResultSize serialized bytes.
func NewQueryCache(cap int, ttl time.Duration, maxResultSize int64, enabled bool) (*QueryCache, error) {
	if cap <= 0 {
		cap = 1
	}
	qc := &QueryCache{
		enabled:   enabled,
		maxSize:   maxResultSize,
		ttl:       ttl,
		tableRefs: make(map[string]map[string]struct{}),
	}
	l, err := lru.NewWithEvict[string, *queryEntry](cap, func(key string, e *queryEntry) {
		qc.onEvict(key, e)
	})
	if err != nil {
		return nil, err
	}
	qc.lru = l
	return qc, nil
}

// onEvict keeps the table reverse index consistent when the underlying
// LRU drops an entry on its own (capacity eviction).
func (qc *QueryCache) onEvict(key string, e *queryEntry) {
	for _, t := range e.tables {
		if set, ok := qc.tableRefs[t]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(qc.tableRefs, t)
			}
		}
	}
}

// Get returns a cached result for sql/params, or a miss if absent, not
// cacheable, or expired.
func (qc *QueryCache) Get(sql string, params []any) (any, bool) {
	if !qc.enabled || !Cacheable(sql) {
		return nil, false
	}
	key := QueryKey(sql, params)

	qc.mu.Lock()
	defer qc.mu.Unlock()

	e, ok := qc.lru.Get(key)
	if !ok {
		qc.misses++
		return nil, false
	}
	if e.expired(time.Now()) {
		qc.removeLocked(key, e)
		qc.misses++
		return nil, false
	}
	qc.hits++
	return e.value, true
}

// Set stores a result for sql/params if it is cacheable and its
// serialized size fits under the configured limit.
func (qc *QueryCache) Set(sql string, params []any, value any, size int64) {
	if !qc.enabled || !Cacheable(sql) || size > qc.maxSize {
		return
	}
	key := QueryKey(sql, params)
	tables := ExtractTables(sql)
	var expiresAt time.Time
	if qc.ttl > 0 {
		expiresAt = time.Now().Add(qc.ttl)
	}
	e := &queryEntry{value: value, size: size, tables: tables, expiresAt: expiresAt}

	qc.mu.Lock()
	defer qc.mu.Unlock()

	qc.lru.Add(key, e)
	for _, t := range tables {
		set, ok := qc.tableRefs[t]
		if !ok {
			set = make(map[string]struct{})
			qc.tableRefs[t] = set
		}
		set[key] = struct{}{}
	}
}

func (qc *QueryCache) removeLocked(key string, e *queryEntry) {
	qc.lru.Remove(key)
	qc.onEvict(key, e)
}

// InvalidateTable drops every cached entry whose table reverse-index
// entry names table.
func (qc *QueryCache) InvalidateTable(table string) int {
	table = strings.ToLower(table)
	qc.mu.Lock()
	defer qc.mu.Unlock()

	set, ok := qc.tableRefs[table]
	if !ok {
		return 0
	}
	removed := 0
	for key := range set {
		qc.lru.Remove(key)
		removed++
	}
	delete(qc.tableRefs, table)
	return removed
}

// InvalidateByOperation routes a statement's invalidation per its
// operation type: DML invalidates the named table's query entries; DDL
// invalidates the table's query entries (schema/exists/index region
// invalidation for DDL is handled by Manager, which owns those regions).
func (qc *QueryCache) InvalidateByOperation(op OperationType, table string) int {
	if table == "" {
		return 0
	}
	switch op {
	case OpDML, OpDDL:
		return qc.InvalidateTable(table)
	default:
		return 0
	}
}

// ClearAll empties the query cache and its reverse index.
func (qc *QueryCache) ClearAll() {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.lru.Purge()
	qc.tableRefs = make(map[string]map[string]struct{})
}

// Stats reports hit/miss counters and current occupancy.
func (qc *QueryCache) Stats() (hits, misses uint64, size int) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.hits, qc.misses, qc.lru.Len()
}
