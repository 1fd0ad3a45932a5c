package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/liyq0307/mysql-mcp-gateway/internal/config"
)

func newTestLogger(t *testing.T) (*Logger, string, string) {
	t.Helper()
	dir := t.TempDir()
	eventPath := filepath.Join(dir, "events.log")
	alertPath := filepath.Join(dir, "alerts.log")
	l := New(config.EventLog{
		Path:      eventPath,
		AlertPath: alertPath,
		MaxSizeMB: 1,
	})
	t.Cleanup(func() { l.Close() })
	return l, eventPath, alertPath
}

func readLines(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("decoding line: %v", err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestRecordAppendsToEventLog(t *testing.T) {
	l, eventPath, _ := newTestLogger(t)

	if err := l.Record(SeverityWarning, "pool.resize", map[string]any{"backend": "replica-0"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(SeverityInfo, "pool.resize", nil); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries := readLines(t, eventPath)
	if len(entries) != 2 {
		t.Fatalf("expected 2 event log lines, got %d", len(entries))
	}
	if entries[0].Severity != SeverityWarning || entries[0].Type != "pool.resize" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
}

func TestRecordMirrorsHighSeverityToAlertLog(t *testing.T) {
	l, _, alertPath := newTestLogger(t)

	if err := l.Record(SeverityInfo, "pool.resize", nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(SeverityCritical, "health.recovery_failed", map[string]any{"backend": "replica-0"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	alerts := readLines(t, alertPath)
	if len(alerts) != 1 {
		t.Fatalf("expected only the critical entry mirrored, got %d", len(alerts))
	}
	if alerts[0].Type != "health.recovery_failed" {
		t.Errorf("unexpected alert entry: %+v", alerts[0])
	}
}

func TestRecordRedactsSensitiveDetails(t *testing.T) {
	l, eventPath, _ := newTestLogger(t)

	err := l.Record(SeverityWarning, "pool.connect_failed", map[string]any{
		"dsn":      "appuser:hunter2@tcp(db:3306)/gateway",
		"password": "hunter2",
		"backend":  "primary",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries := readLines(t, eventPath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Details["password"] != "***REDACTED***" {
		t.Errorf("expected password key redacted, got %v", entries[0].Details["password"])
	}
	if dsn, _ := entries[0].Details["dsn"].(string); dsn == "" {
		t.Error("expected dsn field to survive redaction under a different value")
	} else if strings.Contains(dsn, "hunter2") {
		t.Errorf("password leaked through dsn field: %q", dsn)
	}
	if entries[0].Details["backend"] != "primary" {
		t.Errorf("expected unrelated field untouched, got %v", entries[0].Details["backend"])
	}
}

func TestSeverityStringAndJSON(t *testing.T) {
	b, err := json.Marshal(SeverityHigh)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"high"` {
		t.Errorf("expected quoted \"high\", got %s", b)
	}
}
