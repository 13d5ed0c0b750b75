package tutoring

import (
	"sort"

	"github.com/warp/lesson-engine/generic"
)

// =============================================================================
// EXCEPTION LEDGER - Cancellations and extras overlaid on the schedule
// =============================================================================

// ExceptionLedger is a read-only lookup over cancellations keyed by
// (student, date) and extras keyed by (student, date, time). Several
// cancellations may exist for one key; only the first one counts.
type ExceptionLedger struct {
	cancellations map[dayKey]Cancellation
	extras        []datedExtra
}

type dayKey struct {
	student StudentID
	date    string
}

type slotKey struct {
	student StudentID
	date    string
	minutes int
}

type datedExtra struct {
	Extra
	date  generic.TimePoint
	clock ClockTime
}

// NewExceptionLedger parses cancellations and extras in the order given.
// When known is non-nil, records of students it rejects are dropped as
// dangling references.
func NewExceptionLedger(cancellations []Cancellation, extras []Extra, known func(StudentID) bool) (*ExceptionLedger, Diagnostics) {
	var diags Diagnostics
	l := &ExceptionLedger{cancellations: make(map[dayKey]Cancellation)}

	for _, c := range cancellations {
		if known != nil && !known(c.StudentID) {
			diags.add(Diagnostic{Kind: DiagDanglingReference, Record: "cancellation", RecordID: c.ID,
				StudentID: c.StudentID, Field: "student_id", Value: string(c.StudentID), Skipped: true})
			continue
		}
		date, err := generic.ParseDate(c.Date)
		if err != nil {
			diags.add(Diagnostic{Kind: DiagMalformedDate, Record: "cancellation", RecordID: c.ID,
				StudentID: c.StudentID, Field: "date", Value: c.Date, Skipped: true})
			continue
		}
		k := dayKey{student: c.StudentID, date: date.String()}
		if first, dup := l.cancellations[k]; dup {
			if first.Reason != c.Reason {
				diags.add(Diagnostic{Kind: DiagAmbiguousMatch, Record: "cancellation", RecordID: c.ID,
					StudentID: c.StudentID, Field: "reason", Value: string(c.Reason),
					Message: "earlier cancellation " + first.ID + " on the same date wins"})
			}
			continue
		}
		l.cancellations[k] = c
	}

	seen := make(map[slotKey]string)
	for _, x := range extras {
		if known != nil && !known(x.StudentID) {
			diags.add(Diagnostic{Kind: DiagDanglingReference, Record: "extra", RecordID: x.ID,
				StudentID: x.StudentID, Field: "student_id", Value: string(x.StudentID), Skipped: true})
			continue
		}
		date, err := generic.ParseDate(x.Date)
		if err != nil {
			diags.add(Diagnostic{Kind: DiagMalformedDate, Record: "extra", RecordID: x.ID,
				StudentID: x.StudentID, Field: "date", Value: x.Date, Skipped: true})
			continue
		}
		clock, err := ParseClock(x.Time)
		if err != nil {
			diags.add(Diagnostic{Kind: DiagMalformedTime, Record: "extra", RecordID: x.ID,
				StudentID: x.StudentID, Field: "time", Value: x.Time, Skipped: true})
			continue
		}
		k := slotKey{student: x.StudentID, date: date.String(), minutes: clock.Minutes()}
		if firstID, dup := seen[k]; dup {
			diags.add(Diagnostic{Kind: DiagAmbiguousMatch, Record: "extra", RecordID: x.ID,
				StudentID: x.StudentID, Field: "slot", Value: date.String() + " " + clock.String(),
				Skipped: true, Message: "extra " + firstID + " already occupies the slot"})
			continue
		}
		seen[k] = x.ID
		if !x.Duration.IsPositive() {
			diags.add(Diagnostic{Kind: DiagInvalidNumber, Record: "extra", RecordID: x.ID,
				StudentID: x.StudentID, Field: "duration", Value: x.Duration.String()})
			x.Duration = DefaultDuration
		}
		l.extras = append(l.extras, datedExtra{Extra: x, date: date, clock: clock})
	}

	sort.SliceStable(l.extras, func(i, j int) bool {
		a, b := l.extras[i], l.extras[j]
		if !a.date.Equal(b.date) {
			return a.date.Before(b.date)
		}
		if a.clock != b.clock {
			return a.clock.Before(b.clock)
		}
		if a.StudentID != b.StudentID {
			return a.StudentID < b.StudentID
		}
		return a.ID < b.ID
	})

	return l, diags
}

// IsCancelled returns the reason of the first cancellation for (student, date).
func (l *ExceptionLedger) IsCancelled(student StudentID, date generic.TimePoint) (CancelReason, bool) {
	c, ok := l.cancellations[dayKey{student: student, date: date.String()}]
	return c.Reason, ok
}

// Cancellation returns the first cancellation for (student, date).
func (l *ExceptionLedger) Cancellation(student StudentID, date generic.TimePoint) (Cancellation, bool) {
	c, ok := l.cancellations[dayKey{student: student, date: date.String()}]
	return c, ok
}

// IsExcludedFromPlan reports whether the lesson is removed from the Plan view,
// which only holiday_or_edit cancellations do.
func (l *ExceptionLedger) IsExcludedFromPlan(student StudentID, date generic.TimePoint) bool {
	reason, ok := l.IsCancelled(student, date)
	return ok && reason == ReasonHolidayOrEdit
}

// ExtrasInRange returns the extras inside period ordered by date and time.
// An empty student selects every student.
func (l *ExceptionLedger) ExtrasInRange(student StudentID, period generic.Period) []Extra {
	var out []Extra
	for _, x := range l.datedExtrasInRange(student, period) {
		out = append(out, x.Extra)
	}
	return out
}

func (l *ExceptionLedger) datedExtrasInRange(student StudentID, period generic.Period) []datedExtra {
	var out []datedExtra
	for _, x := range l.extras {
		if student != "" && x.StudentID != student {
			continue
		}
		if period.Contains(x.date) {
			out = append(out, x)
		}
	}
	return out
}

// FindExtra returns the extra occupying (student, date, time).
func (l *ExceptionLedger) FindExtra(student StudentID, date generic.TimePoint, clock ClockTime) (Extra, bool) {
	for _, x := range l.extras {
		if x.StudentID == student && x.date.Equal(date) && x.clock == clock {
			return x.Extra, true
		}
	}
	return Extra{}, false
}
