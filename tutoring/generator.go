/*
generator.go - Occurrence generation

PURPOSE:
  Expands weekly schedule entries into concrete lessons for a date range
  and overlays the exception ledger.

MODES:
  Actual: every active, weekday-matching entry on every day, unless any
          cancellation exists for (student, date); then every extra in range.
  Plan:   the same expansion, removing only holiday_or_edit cancellations;
          extras are never included. This is the base a subscription pays.

  Two entries of one student matching the same day produce two lessons.

DETERMINISM:
  Output is sorted by (date, time, student, source). The same snapshot and
  range always produce the same slice.

MALFORMED DATA:
  Records whose stored strings cannot be parsed are skipped and reported in
  the returned Diagnostics; generation itself never fails.
*/
package tutoring

import (
	"sort"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
)

// =============================================================================
// INDEX - A compiled, read-only view of a Snapshot
// =============================================================================

// Index parses a Snapshot once so several queries can share the work.
type Index struct {
	students    map[StudentID]Student
	order       []StudentID
	entries     map[StudentID][]plannedEntry
	exceptions  *ExceptionLedger
	settlements map[StudentID][]Settlement
	diags       Diagnostics
}

// NewIndex compiles snap. Diagnostics collected while parsing are available
// through Diagnostics.
func NewIndex(snap Snapshot) *Index {
	ix := &Index{
		students: lo.KeyBy(snap.Students, func(s Student) StudentID { return s.ID }),
		entries:  make(map[StudentID][]plannedEntry),
	}
	ix.order = lo.Keys(ix.students)
	sort.Slice(ix.order, func(i, j int) bool { return ix.order[i] < ix.order[j] })

	known := func(id StudentID) bool { _, ok := ix.students[id]; return ok }

	for _, e := range snap.Entries {
		if !known(e.StudentID) {
			ix.diags.add(Diagnostic{Kind: DiagDanglingReference, Record: "schedule_entry", RecordID: e.ID,
				StudentID: e.StudentID, Field: "student_id", Value: string(e.StudentID), Skipped: true})
			continue
		}
		if p, ok := compileEntry(e, &ix.diags); ok {
			ix.entries[e.StudentID] = append(ix.entries[e.StudentID], p)
		}
	}
	for id := range ix.entries {
		sortPlanned(ix.entries[id])
	}

	var exDiags Diagnostics
	ix.exceptions, exDiags = NewExceptionLedger(snap.Cancellations, snap.Extras, known)
	ix.diags = append(ix.diags, exDiags...)

	valid := lo.Filter(snap.Settlements, func(s Settlement, _ int) bool {
		if !known(s.StudentID) {
			ix.diags.add(Diagnostic{Kind: DiagDanglingReference, Record: "settlement", RecordID: s.PeriodID,
				StudentID: s.StudentID, Field: "student_id", Value: string(s.StudentID), Skipped: true})
			return false
		}
		if _, _, err := generic.ParsePeriodID(s.PeriodID); err != nil {
			ix.diags.add(Diagnostic{Kind: DiagMalformedDate, Record: "settlement", RecordID: s.PeriodID,
				StudentID: s.StudentID, Field: "period_id", Value: s.PeriodID, Skipped: true})
			return false
		}
		return true
	})
	ix.settlements = lo.GroupBy(valid, func(s Settlement) StudentID { return s.StudentID })

	return ix
}

func (ix *Index) Diagnostics() Diagnostics { return ix.diags }

func (ix *Index) Exceptions() *ExceptionLedger { return ix.exceptions }

func (ix *Index) Student(id StudentID) (Student, bool) {
	st, ok := ix.students[id]
	return st, ok
}

// Students returns every student ordered by id.
func (ix *Index) Students() []Student {
	out := make([]Student, 0, len(ix.order))
	for _, id := range ix.order {
		out = append(out, ix.students[id])
	}
	return out
}

// Settlements returns the saved settlements of a student.
func (ix *Index) Settlements(id StudentID) []Settlement { return ix.settlements[id] }

// =============================================================================
// GENERATION
// =============================================================================

// Generate expands every student's schedule over period.
func Generate(snap Snapshot, period generic.Period, mode Mode) ([]LessonOccurrence, Diagnostics) {
	ix := NewIndex(snap)
	return ix.AllOccurrences(period, mode), ix.Diagnostics()
}

// AllOccurrences expands every student over period.
func (ix *Index) AllOccurrences(period generic.Period, mode Mode) []LessonOccurrence {
	var out []LessonOccurrence
	for _, id := range ix.order {
		out = append(out, ix.expand(id, period, mode)...)
	}
	sortOccurrences(out)
	return out
}

// Occurrences expands one student over period. Unknown students yield nothing.
func (ix *Index) Occurrences(id StudentID, period generic.Period, mode Mode) []LessonOccurrence {
	out := ix.expand(id, period, mode)
	sortOccurrences(out)
	return out
}

func (ix *Index) expand(id StudentID, period generic.Period, mode Mode) []LessonOccurrence {
	st, ok := ix.students[id]
	if !ok {
		return nil
	}
	var out []LessonOccurrence
	entries := ix.entries[id]
	if len(entries) > 0 {
		for _, day := range period.Days() {
			if ix.excluded(id, day, mode) {
				continue
			}
			for _, e := range entries {
				if e.matches(day) {
					out = append(out, e.occurrence(st, day))
				}
			}
		}
	}
	if mode == ModeActual {
		for _, x := range ix.exceptions.datedExtrasInRange(id, period) {
			out = append(out, extraOccurrence(st, x))
		}
	}
	return out
}

func (ix *Index) excluded(id StudentID, day generic.TimePoint, mode Mode) bool {
	if mode == ModePlan {
		return ix.exceptions.IsExcludedFromPlan(id, day)
	}
	_, cancelled := ix.exceptions.IsCancelled(id, day)
	return cancelled
}

func extraOccurrence(st Student, x datedExtra) LessonOccurrence {
	return LessonOccurrence{
		StudentID: x.StudentID,
		Date:      x.date,
		Time:      x.clock,
		Duration:  x.Duration,
		Amount:    x.Amount,
		Travel:    extraTravel(st, x.Amount),
		Category:  Category(x.Type),
		SourceID:  x.ID,
	}
}

// extraTravel is the travel share of an extra's total: the student's
// surcharge, capped by the total itself.
func extraTravel(st Student, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() || st.TravelSurcharge.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(st.TravelSurcharge, amount)
}

func sortOccurrences(occ []LessonOccurrence) {
	sort.SliceStable(occ, func(i, j int) bool {
		a, b := occ[i], occ[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Time != b.Time {
			return a.Time.Before(b.Time)
		}
		if a.StudentID != b.StudentID {
			return a.StudentID < b.StudentID
		}
		return a.SourceID < b.SourceID
	})
}

// SumAmounts totals the amounts of occurrences.
func SumAmounts(occ []LessonOccurrence) decimal.Decimal {
	return lo.Reduce(occ, func(acc decimal.Decimal, o LessonOccurrence, _ int) decimal.Decimal {
		return acc.Add(o.Amount)
	}, decimal.Zero)
}

// SumHours totals the durations of occurrences.
func SumHours(occ []LessonOccurrence) decimal.Decimal {
	return lo.Reduce(occ, func(acc decimal.Decimal, o LessonOccurrence, _ int) decimal.Decimal {
		return acc.Add(o.Duration)
	}, decimal.Zero)
}
