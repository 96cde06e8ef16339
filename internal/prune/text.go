// Package prune fits outbound text into platform message limits.
package prune

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultMarker   = "…"
	DefaultMaxLines = 200
)

type Config struct {
	// MaxBytes of zero disables the byte limit.
	MaxBytes int
	MaxLines int
	Marker   string
}

func Exceeds(s string, maxBytes, maxLines int) bool {
	return (maxBytes > 0 && len(s) > maxBytes) || CountLines(s) > maxLines
}

func CountLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

// Truncate keeps the head of s and appends the marker so that the result,
// marker included, stays within cfg. Text that already fits is returned as is.
func Truncate(s string, cfg Config) string {
	cfg = normalizeConfig(cfg)
	if !Exceeds(s, cfg.MaxBytes, cfg.MaxLines) {
		return s
	}
	budget := len(s)
	if cfg.MaxBytes > 0 {
		budget = cfg.MaxBytes - len(cfg.Marker)
	}
	if budget <= 0 {
		return safeUTF8Prefix(cfg.Marker, cfg.MaxBytes)
	}
	head := limitLinesPrefix(safeUTF8Prefix(s, budget), cfg.MaxLines)
	head = strings.TrimRight(head, " \t\n")
	return head + cfg.Marker
}

func normalizeConfig(cfg Config) Config {
	if cfg.MaxBytes < 0 {
		cfg.MaxBytes = 0
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultMaxLines
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	return cfg
}

func safeUTF8Prefix(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) == 0 {
		return ""
	}
	if maxBytes >= len(s) {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func limitLinesPrefix(s string, maxLines int) string {
	if maxLines <= 0 || s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[:maxLines], "\n")
}
