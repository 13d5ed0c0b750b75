package tutoring

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
)

// HorizonMonths caps how far ahead a settlement table reaches.
const HorizonMonths = 6

// =============================================================================
// SETTLEMENT TABLE - One row per period id a student is billed for
// =============================================================================

type SettlementRow struct {
	StudentID  StudentID
	PeriodID   string
	Kind       generic.PeriodKind
	Computed   decimal.Decimal // what the engine derives from the schedule
	Required   decimal.Decimal // saved override, or Computed
	Paid       decimal.Decimal
	Balance    decimal.Decimal
	Saved      bool
	Overridden bool
}

// SettlementHorizon is the student's enrollment window capped at
// today + HorizonMonths. ok is false when the window is empty.
func SettlementHorizon(st Student, today generic.TimePoint) (generic.Period, bool, error) {
	start, err := generic.ParseDate(st.EnrollmentStart)
	if err != nil {
		return generic.Period{}, false, generic.InvalidField("student", "enrollment_start", st.EnrollmentStart, err.Error())
	}
	end, err := generic.ParseDate(st.EnrollmentEnd)
	if err != nil {
		return generic.Period{}, false, generic.InvalidField("student", "enrollment_end", st.EnrollmentEnd, err.Error())
	}
	end = generic.MinTime(end, today.AddMonths(HorizonMonths))
	if end.Before(start) {
		return generic.Period{}, false, nil
	}
	return generic.Period{Start: start, End: end}, true, nil
}

// SettlementTable lists the rows a student is billed for over their horizon.
// Subscription students get one row per month plus one row per date
// carrying individually billed extras; per-session students get one row per
// lesson date. Saved settlements override the computed amount and supply
// the paid amount.
func (ix *Index) SettlementTable(studentID StudentID, today generic.TimePoint) ([]SettlementRow, error) {
	st, ok := ix.students[studentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", generic.ErrStudentNotFound, studentID)
	}
	horizon, ok, err := SettlementHorizon(st, today)
	if err != nil {
		return nil, err
	}

	computed := make(map[string]decimal.Decimal)
	var ids []string
	put := func(id string, amount decimal.Decimal) {
		if _, exists := computed[id]; !exists {
			ids = append(ids, id)
		}
		computed[id] = computed[id].Add(amount)
	}

	if ok {
		if st.BillingMode == BillingMonthlySubscription {
			for _, month := range horizon.Months() {
				full := generic.MonthPeriod(month.Start.Year(), month.Start.Month())
				put(month.Start.MonthID(), SumAmounts(ix.expand(st.ID, full, ModePlan)))
			}
			for _, x := range ix.exceptions.datedExtrasInRange(st.ID, horizon) {
				if x.Type.BilledSeparately() {
					put(x.date.String(), x.Amount)
				}
			}
		} else {
			for _, o := range ix.Occurrences(st.ID, horizon, ModeActual) {
				put(o.Date.String(), o.Amount)
			}
		}
	}

	saved := make(map[string]Settlement)
	for _, s := range ix.settlements[st.ID] {
		if _, dup := saved[s.PeriodID]; dup {
			continue
		}
		saved[s.PeriodID] = s
		if _, exists := computed[s.PeriodID]; !exists {
			ids = append(ids, s.PeriodID)
			computed[s.PeriodID] = decimal.Zero
		}
	}

	rows := make([]SettlementRow, 0, len(ids))
	for _, id := range ids {
		_, kind, _ := generic.ParsePeriodID(id)
		row := SettlementRow{
			StudentID: st.ID,
			PeriodID:  id,
			Kind:      kind,
			Computed:  computed[id],
			Required:  computed[id],
		}
		if s, has := saved[id]; has {
			row.Saved = true
			row.Required = s.Required
			row.Paid = s.Paid
			row.Overridden = !s.Required.Equal(row.Computed)
		}
		row.Balance = row.Required.Sub(row.Paid)
		rows = append(rows, row)
	}
	sortSettlementRows(rows)
	return rows, nil
}

// sortSettlementRows orders rows by the first day they cover; a month row
// precedes the date rows of the same month.
func sortSettlementRows(rows []SettlementRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		pi, _, _ := generic.ParsePeriodID(rows[i].PeriodID)
		pj, _, _ := generic.ParsePeriodID(rows[j].PeriodID)
		if !pi.Start.Equal(pj.Start) {
			return pi.Start.Before(pj.Start)
		}
		return len(rows[i].PeriodID) < len(rows[j].PeriodID)
	})
}

// ValidateSettlement checks the fields a caller may write.
func ValidateSettlement(s Settlement) error {
	if s.StudentID == "" {
		return generic.InvalidField("settlement", "student_id", "", "required")
	}
	if _, _, err := generic.ParsePeriodID(s.PeriodID); err != nil {
		return generic.InvalidField("settlement", "period_id", s.PeriodID, "expected YYYY-MM or YYYY-MM-DD")
	}
	if s.Required.IsNegative() {
		return generic.InvalidField("settlement", "required", s.Required.String(), "must not be negative")
	}
	if s.Paid.IsNegative() {
		return generic.InvalidField("settlement", "paid", s.Paid.String(), "must not be negative")
	}
	return nil
}
