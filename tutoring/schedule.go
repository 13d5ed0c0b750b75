package tutoring

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
)

// DefaultDuration is used when a stored duration is missing or not positive.
var DefaultDuration = decimal.NewFromInt(1)

// =============================================================================
// SCHEDULE MODEL
// =============================================================================

// IsActiveOn reports whether date falls inside the entry's validity window.
// An entry whose window cannot be parsed is never active.
func (e ScheduleEntry) IsActiveOn(date generic.TimePoint) bool {
	validity, err := generic.ParsePeriod(e.ValidFrom, e.ValidTo)
	if err != nil {
		return false
	}
	return validity.Contains(date)
}

// EffectiveRate is the entry's rate override, or the student's hourly rate
// when the entry has none.
func (e ScheduleEntry) EffectiveRate(st Student) decimal.Decimal {
	if e.Rate.IsPositive() {
		return e.Rate
	}
	return st.HourlyRate
}

// TotalCost is the charge for one lesson of this entry: rate times duration
// plus the student's travel surcharge.
func (e ScheduleEntry) TotalCost(st Student) decimal.Decimal {
	return e.EffectiveRate(st).Mul(e.Duration).Add(st.TravelSurcharge)
}

// LessonCost prices a lesson of the given length for a student at their
// default rate, travel included.
func LessonCost(st Student, duration decimal.Decimal) decimal.Decimal {
	return st.HourlyRate.Mul(duration).Add(st.TravelSurcharge)
}

// =============================================================================
// COMPILED ENTRIES
// =============================================================================

// plannedEntry is a ScheduleEntry with its stored strings parsed.
type plannedEntry struct {
	ScheduleEntry
	weekday  time.Weekday
	clock    ClockTime
	validity generic.Period
}

func (p plannedEntry) matches(date generic.TimePoint) bool {
	return p.weekday == date.Weekday() && p.validity.Contains(date)
}

func (p plannedEntry) occurrence(st Student, date generic.TimePoint) LessonOccurrence {
	return LessonOccurrence{
		StudentID: p.StudentID,
		Date:      date,
		Time:      p.clock,
		Duration:  p.Duration,
		Amount:    p.TotalCost(st),
		Travel:    st.TravelSurcharge,
		Category:  CategoryRegular,
		SourceID:  p.ID,
	}
}

// compileEntry parses one entry. Malformed temporal fields skip the entry;
// a non-positive duration falls back to DefaultDuration.
func compileEntry(e ScheduleEntry, diags *Diagnostics) (plannedEntry, bool) {
	diag := func(kind DiagnosticKind, field, value string, skipped bool) {
		diags.add(Diagnostic{
			Kind: kind, Record: "schedule_entry", RecordID: e.ID, StudentID: e.StudentID,
			Field: field, Value: value, Skipped: skipped,
		})
	}

	wd, err := ParseWeekday(e.Weekday)
	if err != nil {
		diag(DiagMalformedWeekday, "weekday", e.Weekday, true)
		return plannedEntry{}, false
	}
	clock, err := ParseClock(e.Time)
	if err != nil {
		diag(DiagMalformedTime, "time", e.Time, true)
		return plannedEntry{}, false
	}
	from, err := generic.ParseDate(e.ValidFrom)
	if err != nil {
		diag(DiagMalformedDate, "valid_from", e.ValidFrom, true)
		return plannedEntry{}, false
	}
	to, err := generic.ParseDate(e.ValidTo)
	if err != nil {
		diag(DiagMalformedDate, "valid_to", e.ValidTo, true)
		return plannedEntry{}, false
	}
	if to.Before(from) {
		diag(DiagMalformedDate, "valid_to", e.ValidTo, true)
		return plannedEntry{}, false
	}
	if !e.Duration.IsPositive() {
		diag(DiagInvalidNumber, "duration", e.Duration.String(), false)
		e.Duration = DefaultDuration
	}
	return plannedEntry{
		ScheduleEntry: e,
		weekday:       wd,
		clock:         clock,
		validity:      generic.Period{Start: from, End: to},
	}, true
}

// sortPlanned orders entries by ValidFrom, then creation order, then id, so
// "first match" lookups are stable across storage backends.
func sortPlanned(entries []plannedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.validity.Start.Equal(b.validity.Start) {
			return a.validity.Start.Before(b.validity.Start)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}

// firstMatch returns the first entry active on date with a matching weekday.
func firstMatch(entries []plannedEntry, date generic.TimePoint) (plannedEntry, int, bool) {
	count := 0
	var found plannedEntry
	for _, e := range entries {
		if e.matches(date) {
			if count == 0 {
				found = e
			}
			count++
		}
	}
	return found, count, count > 0
}

// FindScheduleEntry locates the entry a cancellation on date refers to: the
// first active, weekday-matching entry of the student after a stable sort.
func FindScheduleEntry(entries []ScheduleEntry, studentID StudentID, date generic.TimePoint) (ScheduleEntry, bool) {
	var diags Diagnostics
	var planned []plannedEntry
	for _, e := range entries {
		if e.StudentID != studentID {
			continue
		}
		if p, ok := compileEntry(e, &diags); ok {
			planned = append(planned, p)
		}
	}
	sortPlanned(planned)
	p, _, ok := firstMatch(planned, date)
	return p.ScheduleEntry, ok
}
