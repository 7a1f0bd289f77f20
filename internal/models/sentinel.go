package models

import "strings"

// The hosted database this service grew up against stores "no value" as
// the literal string "null". Normalization happens once at the store
// boundary so nothing downstream ever compares against the sentinel.

// NormalizeSentinel maps the "null" placeholder (any casing, padded or
// not) and whitespace-only strings to the empty string.
func NormalizeSentinel(s string) string {
	t := strings.TrimSpace(s)
	if strings.EqualFold(t, "null") || strings.EqualFold(t, "undefined") {
		return ""
	}
	return t
}

// SentinelNull is written back when clearing a field, so records stay
// readable by clients that still expect the placeholder.
const SentinelNull = "null"
