package snapshot

import (
	"fmt"
	"strings"
	"time"
)

// canonicalLayout is the on-disk timestamp form: UTC, fixed microsecond
// precision, Z suffix. Matches the historical export format so merged
// files diff cleanly against old backups.
const canonicalLayout = "2006-01-02T15:04:05.000000Z"

// parseLayouts are the formats observed in historical data files, newest
// first. Early collector builds wrote naive timestamps without a zone
// suffix; those are UTC by convention.
var parseLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00", // RFC 3339, with or without fraction
	"2006-01-02T15:04:05.999999999",       // naive, assumed UTC
	"2006-01-02 15:04:05.999999999",       // space-separated CSV exports
}

// ParseTimestamp parses any of the historical timestamp formats and
// returns the instant normalized to UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// FormatTimestamp renders an instant in the canonical on-disk form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(canonicalLayout)
}
