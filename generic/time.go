package generic

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// TIME POINT - Calendar date (lessons are scheduled per day)
// =============================================================================

type TimePoint struct {
	Time        time.Time
	Granularity Granularity
}

type Granularity int

const (
	GranularityDay Granularity = iota
)

const DateLayout = "2006-01-02"

// Constructors
func NewTimePoint(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC), Granularity: GranularityDay}
}

// DateOf truncates t to its calendar date in t's own location.
func DateOf(t time.Time) TimePoint {
	return NewTimePoint(t.Year(), t.Month(), t.Day())
}

func Today() TimePoint {
	return DateOf(time.Now())
}

// ParseDate parses a calendar date. Accepted layouts are YYYY-MM-DD,
// RFC3339 timestamps and "YYYY-MM-DD HH:MM:SS"; surrounding whitespace is ignored.
func ParseDate(s string) (TimePoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TimePoint{}, fmt.Errorf("empty date")
	}
	for _, layout := range []string{DateLayout, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return TimePoint{}, fmt.Errorf("unrecognised date %q", s)
}

// MustDate parses a YYYY-MM-DD literal and panics on failure. Use in tests.
func MustDate(s string) TimePoint {
	tp, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return tp
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.normalize().Before(other.normalize()) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.normalize().Equal(other.normalize()) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.normalize().After(other.normalize()) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return tp.Before(other) || tp.Equal(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return tp.After(other) || tp.Equal(other) }

func (tp TimePoint) normalize() time.Time {
	return time.Date(tp.Time.Year(), tp.Time.Month(), tp.Time.Day(), 0, 0, 0, 0, time.UTC)
}

// Arithmetic
func (tp TimePoint) AddDays(n int) TimePoint {
	return TimePoint{Time: tp.Time.AddDate(0, 0, n), Granularity: tp.Granularity}
}

// AddMonths moves n calendar months, clamping the day to the target month's
// last day: Aug 31 plus six months is Feb 28, not Mar 3.
func (tp TimePoint) AddMonths(n int) TimePoint {
	first := time.Date(tp.Time.Year(), tp.Time.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	day := min(tp.Time.Day(), EndOfMonth(first.Year(), first.Month()).Day())
	t := time.Date(first.Year(), first.Month(), day, tp.Time.Hour(), tp.Time.Minute(), tp.Time.Second(), tp.Time.Nanosecond(), time.UTC)
	return TimePoint{Time: t, Granularity: tp.Granularity}
}

// Properties
func (tp TimePoint) Year() int             { return tp.Time.Year() }
func (tp TimePoint) Month() time.Month     { return tp.Time.Month() }
func (tp TimePoint) Day() int              { return tp.Time.Day() }
func (tp TimePoint) Weekday() time.Weekday { return tp.Time.Weekday() }
func (tp TimePoint) IsZero() bool          { return tp.Time.IsZero() }

// MonthID returns the YYYY-MM identifier of the month containing tp.
func (tp TimePoint) MonthID() string { return tp.Time.Format("2006-01") }

func (tp TimePoint) String() string { return tp.Time.Format(DateLayout) }

// MarshalText renders the date as YYYY-MM-DD so TimePoints serialize cleanly in JSON.
func (tp TimePoint) MarshalText() ([]byte, error) {
	return []byte(tp.String()), nil
}

func (tp *TimePoint) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*tp = parsed
	return nil
}

// =============================================================================
// TIME UTILITIES
// =============================================================================
// Note: Period type is defined in period.go

func StartOfMonth(year int, month time.Month) TimePoint { return NewTimePoint(year, month, 1) }
func EndOfMonth(year int, month time.Month) TimePoint {
	t := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	return TimePoint{Time: t, Granularity: GranularityDay}
}

func MinTime(a, b TimePoint) TimePoint {
	if a.Before(b) {
		return a
	}
	return b
}

func MaxTime(a, b TimePoint) TimePoint {
	if a.After(b) {
		return a
	}
	return b
}
