// Package wallclock converts between business-local wall-clock literals and
// absolute instants. All interval math elsewhere in the engine operates on
// the UTC instants this package produces, never on raw strings.
package wallclock

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors so callers can map bad input to a 400 without string
// matching.
var (
	ErrInvalidLiteral  = errors.New("invalid datetime literal")
	ErrUnknownTimezone = errors.New("unknown timezone")
)

const (
	literalLayout = "2006-01-02T15:04:05"
	shortLayout   = "2006-01-02T15:04"
	dateLayout    = "2006-01-02"
	humanLayout   = "Monday, 2 January 2006 at 3:04 PM"
)

// Resolve interprets a "YYYY-MM-DDTHH:MM[:SS]" literal in the given IANA zone
// and returns the UTC instant. Any embedded offset or trailing Z is ignored:
// booking requests are defined in local business time, not device time.
// A literal that cannot be parsed as a wall-clock string falls back to a
// strict RFC3339 parse of the raw input.
func Resolve(literal, zone string) (time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownTimezone, zone)
	}

	s := strings.TrimSpace(literal)
	// Cut any zone suffix at the first Z/+/- after the time separator, so
	// minute-precision literals like "2025-10-20T14:00Z" resolve too.
	if len(s) > len(dateLayout)+1 {
		if i := strings.IndexAny(s[len(dateLayout)+1:], "Z+-"); i >= 0 {
			s = s[:len(dateLayout)+1+i]
		}
	}
	if len(s) > len(literalLayout) {
		s = s[:len(literalLayout)]
	}
	for _, layout := range []string{literalLayout, shortLayout} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}

	t, err := time.Parse(time.RFC3339, strings.TrimSpace(literal))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidLiteral, literal)
	}
	return t.UTC(), nil
}

// Format renders an instant as the zone-local wall-clock literal, the inverse
// of Resolve.
func Format(t time.Time, zone string) (string, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownTimezone, zone)
	}
	return t.In(loc).Format(literalLayout), nil
}

// FormatHuman renders an instant for chat/voice display, e.g.
// "Monday, 20 October 2025 at 2:00 PM".
func FormatHuman(t time.Time, zone string) string {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc).Format(humanLayout)
}

// DateIn returns the zone-local calendar date (YYYY-MM-DD) of an instant,
// used for cache keys.
func DateIn(t time.Time, zone string) string {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dateLayout)
}
