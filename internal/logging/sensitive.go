// Package logging masks sensitive values before they are logged or published.
package logging

import (
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// MaskedValue replaces sensitive values.
const MaskedValue = "[REDACTED]"

// sensitiveKeys are matched as substrings of lower-cased attribute keys.
var sensitiveKeys = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"x-api-key",
	"private_key",
	"credential",
	"authorization",
	"bearer",
	"cookie",
	"session_id",
	"jwt",
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)(["']?\s*[=:]\s*["']?)[^\s&"',;]+`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-.=]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]{8,}`),
	regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`),
}

// IsSensitiveKey reports whether an attribute key names a secret.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// MaskString masks credentials embedded in free text, such as a captured
// request line or header dump.
func MaskString(s string) string {
	for i, p := range sensitivePatterns {
		if i == 0 {
			s = p.ReplaceAllString(s, "${1}${2}"+MaskedValue)
			continue
		}
		s = p.ReplaceAllString(s, MaskedValue)
	}
	return s
}

// MaskAttrs returns a copy of attrs with sensitive keys masked and embedded
// credentials scrubbed from string values. Nested maps and slices are walked.
func MaskAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if IsSensitiveKey(k) {
			if v == nil || v == "" {
				out[k] = v
			} else {
				out[k] = MaskedValue
			}
			continue
		}
		out[k] = maskValue(v)
	}
	return out
}

func maskValue(v any) any {
	switch t := v.(type) {
	case string:
		return MaskString(t)
	case map[string]any:
		return MaskAttrs(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = maskValue(t[i])
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i := range t {
			out[i] = MaskString(t[i])
		}
		return out
	}
	return v
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr hook that masks sensitive keys.
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if IsSensitiveKey(a.Key) {
		return slog.String(a.Key, MaskedValue)
	}
	if a.Value.Kind() == slog.KindString {
		if s := a.Value.String(); s != "" {
			if masked := MaskString(s); masked != s {
				return slog.String(a.Key, masked)
			}
		}
	}
	return a
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds the service logger: JSON to stderr with sensitive values masked.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: ReplaceAttr,
	}))
}
