package generic

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// PERIOD - The window every query is computed over
// =============================================================================

// Period is an inclusive date range [Start, End].
//
// Examples:
//   - Billing month March 2024: Mar 1 - Mar 31
//   - School year 2024/25: Sep 1 2024 - Jun 30 2025
//   - Calendar window: today-7 - today+60
type Period struct {
	Start TimePoint
	End   TimePoint
}

// NewPeriod returns [start, end], failing with ErrInvalidPeriod when end precedes start.
func NewPeriod(start, end TimePoint) (Period, error) {
	p := Period{Start: start, End: end}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// ParsePeriod parses two YYYY-MM-DD bounds.
func ParsePeriod(from, to string) (Period, error) {
	start, err := ParseDate(from)
	if err != nil {
		return Period{}, fmt.Errorf("%w: from: %v", ErrInvalidPeriod, err)
	}
	end, err := ParseDate(to)
	if err != nil {
		return Period{}, fmt.Errorf("%w: to: %v", ErrInvalidPeriod, err)
	}
	return NewPeriod(start, end)
}

func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return fmt.Errorf("%w: unbounded", ErrInvalidPeriod)
	}
	if p.End.Before(p.Start) {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, p)
	}
	return nil
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

// Days returns all days in the period as a slice of TimePoints.
func (p Period) Days() []TimePoint {
	var days []TimePoint
	current := p.Start
	for current.BeforeOrEqual(p.End) {
		days = append(days, current)
		current = current.AddDays(1)
	}
	return days
}

// Intersect returns the overlap of two periods and whether one exists.
func (p Period) Intersect(other Period) (Period, bool) {
	out := Period{Start: MaxTime(p.Start, other.Start), End: MinTime(p.End, other.End)}
	if out.End.Before(out.Start) {
		return Period{}, false
	}
	return out, true
}

// Months splits the period at month boundaries. The first and last pieces
// are clipped to the period.
func (p Period) Months() []Period {
	var out []Period
	cur := p.Start
	for cur.BeforeOrEqual(p.End) {
		m := MonthPeriod(cur.Year(), cur.Month())
		piece, _ := m.Intersect(p)
		out = append(out, piece)
		cur = m.End.AddDays(1)
	}
	return out
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// MonthPeriod returns the full calendar month.
func MonthPeriod(year int, month time.Month) Period {
	return Period{Start: StartOfMonth(year, month), End: EndOfMonth(year, month)}
}

// =============================================================================
// PERIOD IDS - Settlement keys
// =============================================================================

// PeriodKind distinguishes the two settlement period id shapes.
type PeriodKind string

const (
	PeriodMonth PeriodKind = "month" // YYYY-MM
	PeriodDate  PeriodKind = "date"  // YYYY-MM-DD
)

// ParsePeriodID resolves a settlement period id into the dates it covers.
func ParsePeriodID(id string) (Period, PeriodKind, error) {
	id = strings.TrimSpace(id)
	if t, err := time.Parse("2006-01", id); err == nil {
		return MonthPeriod(t.Year(), t.Month()), PeriodMonth, nil
	}
	if t, err := time.Parse(DateLayout, id); err == nil {
		d := DateOf(t)
		return Period{Start: d, End: d}, PeriodDate, nil
	}
	return Period{}, "", fmt.Errorf("%w: period id %q", ErrInvalidPeriod, id)
}

// =============================================================================
// SCHOOL YEAR
// =============================================================================

// SchoolYear returns Sep 1 .. Jun 30 of the school year a date belongs to.
// Dates in July and August still belong to the year that just ended.
func SchoolYear(date TimePoint) Period {
	startYear := date.Year()
	if date.Month() < time.September {
		startYear--
	}
	return Period{
		Start: NewTimePoint(startYear, time.September, 1),
		End:   NewTimePoint(startYear+1, time.June, 30),
	}
}
