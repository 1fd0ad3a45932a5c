// Package redact strips credentials and other sensitive substrings
// from strings and JSON-serializable values before they reach a log
// line or a caller-visible error message.
package redact

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const placeholder = "***REDACTED***"

// sensitiveKeyValue matches key=value / key:value pairs whose key names
// a credential, case-insensitively, inside a DSN or connection string
// (e.g. "user:secret@tcp(host:3306)" or "password=hunter2").
var sensitiveKeyValue = regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api[_-]?key)\s*[:=]\s*[^\s&;]+`)

// dsnCredentials matches the userinfo portion of a DSN-style
// "user:pass@" prefix, e.g. the go-sql-driver/mysql DSN shape.
var dsnCredentials = regexp.MustCompile(`([\w.%+-]+):([^@\s]+)@`)

// Redact scans s for credential-shaped substrings and replaces them
// with a fixed placeholder. It never returns an error: a string with
// nothing sensitive in it is returned unchanged.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = dsnCredentials.ReplaceAllString(s, "$1:"+placeholder+"@")
	s = sensitiveKeyValue.ReplaceAllStringFunc(s, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return match
		}
		return match[:idx+1] + placeholder
	})
	return s
}

// RedactJSON walks a JSON-decoded value (the shape produced by
// encoding/json.Unmarshal into any — maps, slices, and scalars) and
// returns a copy with every string leaf passed through Redact and
// every map key matching a credential name replaced outright.
func RedactJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if isSensitiveKey(k) {
				out[k] = placeholder
				continue
			}
			out[k] = RedactJSON(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = RedactJSON(inner)
		}
		return out
	case string:
		return Redact(val)
	default:
		return val
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range []string{"password", "passwd", "pwd", "secret", "token", "api_key", "apikey"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// RedactURL sanitizes a URL string, keeping scheme/host/path but
// stripping userinfo and query parameters, which may carry tokens.
func RedactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "[invalid-url]"
	}
	sanitized := fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.Path)
	if u.RawQuery != "" {
		sanitized += "?[redacted]"
	}
	return sanitized
}
