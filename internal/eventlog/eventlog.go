// Package eventlog appends structured recovery/alert records to rotating,
// newline-delimited JSON files: one line per event, as spec.md §6
// "Persisted state" names them.
package eventlog

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/liyq0307/mysql-mcp-gateway/internal/config"
	"github.com/liyq0307/mysql-mcp-gateway/internal/redact"
)

// Severity orders event records so the alert log can filter by
// "≥ HIGH" as spec.md requires.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the lowercase name MarshalJSON writes.
func (s *Severity) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for _, c := range []Severity{SeverityInfo, SeverityWarning, SeverityHigh, SeverityCritical} {
		if c.String() == name {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", name)
}

// Entry is one recovery/event log line: `{ts, severity, type, details}`.
type Entry struct {
	Timestamp time.Time      `json:"ts"`
	Severity  Severity       `json:"severity"`
	Type      string         `json:"type"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger appends Entry records to a rotating event log, mirroring any
// entry at severity high or above into a second, alert-only log.
type Logger struct {
	mu    sync.Mutex
	event *lumberjack.Logger
	alert *lumberjack.Logger
}

// New builds a Logger from cfg's event-log section. The underlying
// lumberjack.Logger opens files lazily on first write, so a missing
// parent directory only surfaces as an error from Record.
func New(cfg config.EventLog) *Logger {
	return &Logger{
		event: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
		alert: &lumberjack.Logger{
			Filename:   cfg.AlertPath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}
}

// Record appends an entry to the event log, redacting details first, and
// additionally appends it to the alert log when severity is high or
// critical.
func (l *Logger) Record(severity Severity, eventType string, details map[string]any) error {
	entry := Entry{
		Timestamp: time.Now(),
		Severity:  severity,
		Type:      eventType,
		Details:   redactDetails(details),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling event entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.event.Write(line); err != nil {
		return fmt.Errorf("writing event log: %w", err)
	}
	if severity >= SeverityHigh {
		if _, err := l.alert.Write(line); err != nil {
			return fmt.Errorf("writing alert log: %w", err)
		}
	}
	return nil
}

// Close flushes and closes both underlying rotating writers.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.event.Close(); err != nil {
		return err
	}
	return l.alert.Close()
}

func redactDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := redact.RedactJSON(details)
	sanitized, ok := out.(map[string]any)
	if !ok {
		return details
	}
	return sanitized
}
