// Package errors sanitizes failure reasons before they leave the process.
package errors

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Absolute paths, Linux and Windows.
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-.]+(?:/[a-zA-Z0-9_\-.]+)+)|([A-Z]:\\[a-zA-Z0-9_\-\\ .]+)`)

	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	credentialPattern = regexp.MustCompile(`(?i)(password|secret|token|api[_-]?key|authorization)\s*[=:]\s*\S+`)

	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|database:|connection string|dsn=)`)
)

// Generic reasons substituted for internal detail.
const (
	ReasonTimeout  = "action timed out"
	ReasonCanceled = "action canceled"
	ReasonBackend  = "backend operation failed"
	ReasonInternal = "internal error"
	maxReasonLen   = 256
)

// Sanitizer rewrites failure reasons for external sinks. In production mode
// paths, addresses and credentials are stripped; otherwise only length is capped.
type Sanitizer struct {
	production bool
}

// NewSanitizer creates a sanitizer.
func NewSanitizer(production bool) *Sanitizer {
	return &Sanitizer{production: production}
}

// Production reports whether production sanitization is on.
func (s *Sanitizer) Production() bool {
	return s != nil && s.production
}

// Reason returns a publishable reason for err.
func (s *Sanitizer) Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	}
	return s.String(err.Error())
}

// String sanitizes a free-form reason.
func (s *Sanitizer) String(msg string) string {
	if s.Production() {
		msg = sanitize(msg)
	}
	if len(msg) > maxReasonLen {
		msg = msg[:maxReasonLen] + "..."
	}
	return msg
}

// Wrap returns err with a sanitized message, or nil.
func (s *Sanitizer) Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(s.Reason(err))
}

func sanitize(msg string) string {
	if strings.Contains(msg, "goroutine ") || strings.Count(msg, "\n") > 3 {
		return ReasonInternal
	}
	if internalErrorPattern.MatchString(msg) {
		return ReasonBackend
	}

	msg = credentialPattern.ReplaceAllString(msg, "$1=[REDACTED]")
	msg = filePathPattern.ReplaceAllStringFunc(msg, filepath.Base)
	msg = ipPattern.ReplaceAllStringFunc(msg, func(match string) string {
		parts := strings.Split(match, ".")
		return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
	})
	return msg
}
