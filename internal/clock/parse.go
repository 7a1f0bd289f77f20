package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTimestamp accepts the two wire formats the store carries:
// ISO-8601 / RFC3339 strings and epoch milliseconds (as a bare number
// in string form). Epoch seconds are rejected implicitly: anything that
// parses as an integer is treated as milliseconds, matching the client.
func ParseTimestamp(v string) (time.Time, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
}

// FormatTimestamp renders the canonical wire form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// DurationMs converts a duration to wire milliseconds, clamped at zero.
func DurationMs(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
