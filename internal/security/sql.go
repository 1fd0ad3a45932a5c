package security

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/liyq0307/mysql-mcp-gateway/internal/errs"
)

var (
	disallowedOpPattern = regexp.MustCompile(`(?i)\bload_file\s*\(|\binto\s+(outfile|dumpfile)\b`)
	// statementSeparator matches a semicolon followed by more text. Validate
	// does not use it; multi-statement detection is done by
	// hasMultiStatement, which ignores semicolons inside quoted literals.
	statementSeparator = regexp.MustCompile(`;\s*\S`)
)

// SQLValidatorConfig is the tunable surface of the SQL validator.
type SQLValidatorConfig struct {
	MaxQueryLength    int
	AllowedQueryTypes []string
	RiskThreshold     int
	Level             Level
}

// SQLValidator enforces spec.md §4.E's SQL-level checks: length,
// allow-listed leading keyword, disallowed operations, and pattern-
// detector risk below threshold.
type SQLValidator struct {
	cfg      SQLValidatorConfig
	detector *PatternDetector
	log      *slog.Logger
}

// NewSQLValidator builds a validator from cfg, logging security events to
// log.
func NewSQLValidator(cfg SQLValidatorConfig, log *slog.Logger) *SQLValidator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RiskThreshold <= 0 {
		cfg.RiskThreshold = 70
	}
	return &SQLValidator{
		cfg:      cfg,
		detector: NewPatternDetector(cfg.Level),
		log:      log,
	}
}

// Validate runs every SQL-level check against sql and returns a
// security-violation *errs.Error on the first failure, logging a security
// event for every rejection.
func (v *SQLValidator) Validate(sql string) error {
	if len(sql) > v.cfg.MaxQueryLength {
		return v.reject(sql, "query exceeds max length", errs.SeverityMedium)
	}

	verb := strings.ToUpper(firstKeyword(sql))
	if !v.allowedType(verb) {
		return v.reject(sql, fmt.Sprintf("query type %q is not in the allow-list", verb), errs.SeverityMedium)
	}

	if disallowedOpPattern.MatchString(sql) {
		return v.reject(sql, "query uses a disallowed operation (LOAD_FILE/INTO OUTFILE/INTO DUMPFILE)", errs.SeverityHigh)
	}

	if hasMultiStatement(sql) {
		return v.reject(sql, "multi-statement queries are not permitted", errs.SeverityHigh)
	}

	result := v.detector.Detect(sql)
	if result.Risk >= v.cfg.RiskThreshold {
		sev := errs.SeverityMedium
		if result.Risk >= 100 {
			sev = errs.SeverityHigh
		}
		return v.reject(sql, fmt.Sprintf("query risk score %d exceeds threshold %d", result.Risk, v.cfg.RiskThreshold), sev)
	}

	return nil
}

func (v *SQLValidator) allowedType(verb string) bool {
	if len(v.cfg.AllowedQueryTypes) == 0 {
		return true
	}
	for _, t := range v.cfg.AllowedQueryTypes {
		if strings.EqualFold(t, verb) {
			return true
		}
	}
	return false
}

func (v *SQLValidator) reject(sql, reason string, severity errs.Severity) error {
	v.log.Warn("security validation rejected query",
		"reason", reason,
		"severity", severity,
		"query_excerpt", excerpt(sql, 120),
	)
	e := errs.New(errs.CategorySecurityViolation, reason, nil)
	e.Severity = severity
	return e
}

func firstKeyword(sql string) string {
	trimmed := strings.TrimSpace(sql)
	i := strings.IndexFunc(trimmed, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '(' })
	if i < 0 {
		return trimmed
	}
	return trimmed[:i]
}

// hasMultiStatement reports whether sql contains a statement separator
// outside of a single trailing semicolon. String-literal awareness is
// intentionally simple: quotes toggle a "inside literal" flag so a
// semicolon embedded in a quoted value doesn't false-positive.
func hasMultiStatement(sql string) bool {
	inSingle, inDouble := false, false
	trimmed := strings.TrimRight(sql, " \t\n\r")
	runes := []rune(trimmed)
	for i, r := range runes {
		switch r {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case ';':
			if inSingle || inDouble {
				continue
			}
			rest := strings.TrimSpace(string(runes[i+1:]))
			if rest != "" {
				return true
			}
		}
	}
	return false
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
