// Package kst centralizes the Asia/Seoul wall-clock used for every on-disk and
// in-DB timestamp. Log shards, statistics rows and conversation files are all
// partitioned by KST date regardless of the host timezone.
package kst

import (
	"time"
)

// Location is Asia/Seoul. KST has no DST, so the fixed-zone fallback is exact
// when the tzdata is unavailable (static binaries, scratch containers).
var Location = func() *time.Location {
	if loc, err := time.LoadLocation("Asia/Seoul"); err == nil {
		return loc
	}
	return time.FixedZone("KST", 9*60*60)
}()

const (
	// DateLayout names daily shards: logs/data/2025/01/2025-01-31.jsonl.
	DateLayout = "2006-01-02"
	// TimestampLayout is the naive-KST form written into JSONL records.
	TimestampLayout = "2006-01-02T15:04:05"
)

// Now returns the current time in KST.
func Now() time.Time {
	return time.Now().In(Location)
}

// Today returns the current KST date truncated to midnight.
func Today() time.Time {
	return Midnight(Now())
}

// Midnight truncates t to its KST midnight.
func Midnight(t time.Time) time.Time {
	t = t.In(Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, Location)
}

// Format renders t as a naive-KST timestamp string.
func Format(t time.Time) string {
	return t.In(Location).Format(TimestampLayout)
}

// Parse accepts the timestamp forms found in interaction logs: naive KST
// ("2006-01-02T15:04:05", with or without fractional seconds) and tz-aware
// ISO-8601. tz-aware values are converted to KST; naive values are assumed to
// already be KST.
func Parse(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range []string{
		TimestampLayout,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, s, Location); err == nil {
			return t, nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.In(Location), nil
		}
	}
	return time.Time{}, firstErr
}
