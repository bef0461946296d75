// Package logging configures slog output and redacts secret material from
// log records before they reach any handler.
package logging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// redactedValue replaces matched secret material.
const redactedValue = "[redacted]"

// valuePatterns match secret material inside attribute values and messages.
// Pattern strings are split so they don't match themselves.
var valuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`ey` + `J[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_.-]+`),            // JWT
	regexp.MustCompile(`(?i)bea` + `rer\s+[A-Za-z0-9._~+/-]{8,}=*`),             // bearer token
	regexp.MustCompile(`([a-z][a-z0-9+.-]*://)[^/\s:@]+:[^@\s]+@`),              // URL credentials
	regexp.MustCompile(`(?i)(pass` + `word|sec` + `ret|to` + `ken|api[_-]?key)\s*[:=]\s*\S+`), // key=value credential
}

// secretKeys are attribute keys whose values are always masked.
var secretKeys = map[string]bool{
	"api_key":  true,
	"apikey":   true,
	"token":    true,
	"password": true,
	"secret":   true,
}

// Redact masks secret material in s.
func Redact(s string) string {
	for _, re := range valuePatterns {
		s = re.ReplaceAllString(s, redactedValue)
	}
	return s
}

// RedactHandler wraps a slog.Handler and masks secrets in messages and
// string attribute values.
type RedactHandler struct {
	inner slog.Handler
}

// NewRedactHandler wraps h.
func NewRedactHandler(h slog.Handler) *RedactHandler {
	return &RedactHandler{inner: h}
}

// Enabled implements slog.Handler.
func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, Redact(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

// WithAttrs implements slog.Handler.
func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redactAttr(a)
	}
	return &RedactHandler{inner: h.inner.WithAttrs(out)}
}

// WithGroup implements slog.Handler.
func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if secretKeys[normalizeKey(a.Key)] {
		return slog.String(a.Key, redactedValue)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, Redact(a.Value.String()))
	case slog.KindGroup:
		attrs := a.Value.Group()
		out := make([]any, 0, len(attrs))
		for _, ga := range attrs {
			out = append(out, redactAttr(ga))
		}
		return slog.Group(a.Key, out...)
	default:
		return a
	}
}

// normalizeKey lowercases and strips separators so apiKey, api_key and
// API-KEY all match.
func normalizeKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	k = strings.ReplaceAll(k, "-", "")
	if k == "apikey" {
		return "apikey"
	}
	return k
}
