// Package freshness decides whether a stored payload is still usable given
// the timestamp the upstream produced it at. Unparsable timestamps and a
// zero TTL are treated as fresh: showing old data beats showing nothing.
package freshness

import (
	"strconv"
	"strings"
	"time"
)

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Parse reads an upstream timestamp. Accepted forms are RFC 3339, the same
// without a zone (read as UTC), and Unix milliseconds.
func Parse(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}

// IsStale reports whether a payload produced at producedAt has outlived ttl
// at instant now.
func IsStale(producedAt string, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	t, ok := Parse(producedAt)
	if !ok {
		return false
	}
	return now.Sub(t) >= ttl
}

// ExpiresAt returns producedAt + ttl. ok is false when producedAt cannot be
// parsed.
func ExpiresAt(producedAt string, ttl time.Duration) (time.Time, bool) {
	t, ok := Parse(producedAt)
	if !ok {
		return time.Time{}, false
	}
	return t.Add(ttl), true
}
