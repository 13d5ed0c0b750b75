/*
reconcile.go - Planned vs paid

PURPOSE:
  Compares what was required with what was paid, per student and period
  id, and across all students for a date range.

TRAVEL SPLIT:
  Payments are recorded as one number. The travel share of a payment is
  estimated pro rata: plannedTravel * min(paid / planned, 1). When nothing
  was planned, every paid unit counts as tuition.

CATEGORIES:
  Settlements keyed by a month id (YYYY-MM) are subscription money;
  settlements keyed by a date (YYYY-MM-DD) are per-session money, which
  includes extras billed individually to subscription students.
*/
package tutoring

import (
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
)

// =============================================================================
// SINGLE PERIOD
// =============================================================================

type Reconciliation struct {
	StudentID StudentID
	PeriodID  string
	Required  decimal.Decimal
	Paid      decimal.Decimal
	Balance   decimal.Decimal // Required - Paid; positive means still owed
}

// Reconcile sums the paid amounts of the records matching (studentID, periodID).
func Reconcile(studentID StudentID, periodID string, required decimal.Decimal, paidRecords []Settlement) Reconciliation {
	paid := decimal.Zero
	for _, s := range paidRecords {
		if s.StudentID == studentID && s.PeriodID == periodID {
			paid = paid.Add(s.Paid)
		}
	}
	return Reconciliation{
		StudentID: studentID,
		PeriodID:  periodID,
		Required:  required,
		Paid:      paid,
		Balance:   required.Sub(paid),
	}
}

// =============================================================================
// AGGREGATE REPORT
// =============================================================================

type Totals struct {
	Planned decimal.Decimal
	Paid    decimal.Decimal
}

func (t Totals) add(o Totals) Totals {
	return Totals{Planned: t.Planned.Add(o.Planned), Paid: t.Paid.Add(o.Paid)}
}

type StudentReport struct {
	StudentID   StudentID
	Name        string
	BillingMode BillingMode
	Planned     decimal.Decimal
	Paid        decimal.Decimal
	Balance     decimal.Decimal
	Travel      Totals // Paid is estimated
	Tuition     Totals // Paid is estimated
}

type Report struct {
	Period       generic.Period
	Planned      decimal.Decimal
	Paid         decimal.Decimal
	Balance      decimal.Decimal
	Subscription Totals
	PerSession   Totals
	Travel       Totals
	Tuition      Totals
	Students     []StudentReport
}

// BuildReport reconciles every student over period.
func BuildReport(snap Snapshot, period generic.Period) (Report, Diagnostics, error) {
	ix := NewIndex(snap)
	report, err := ix.Report(period)
	return report, ix.Diagnostics(), err
}

func (ix *Index) Report(period generic.Period) (Report, error) {
	if err := period.Validate(); err != nil {
		return Report{}, err
	}
	report := Report{Period: period}
	for _, st := range ix.Students() {
		bill, err := ix.Bill(st.ID, period)
		if err != nil {
			return Report{}, err
		}

		var sub, per Totals
		if st.BillingMode == BillingMonthlySubscription {
			sub.Planned = bill.SumTagged(LineBase)
			per.Planned = bill.SumTagged(LineExtraPaid)
		} else {
			per.Planned = bill.Total
		}
		for _, s := range ix.settlements[st.ID] {
			covered, kind, err := generic.ParsePeriodID(s.PeriodID)
			if err != nil {
				continue
			}
			if _, overlaps := covered.Intersect(period); !overlaps {
				continue
			}
			if kind == generic.PeriodMonth {
				sub.Paid = sub.Paid.Add(s.Paid)
			} else {
				per.Paid = per.Paid.Add(s.Paid)
			}
		}

		sr := StudentReport{
			StudentID:   st.ID,
			Name:        st.Name,
			BillingMode: st.BillingMode,
			Planned:     bill.Total,
			Paid:        sub.Paid.Add(per.Paid),
		}
		sr.Balance = sr.Planned.Sub(sr.Paid)
		sr.Travel, sr.Tuition = splitTravel(sr.Planned, sr.Paid, bill.TotalTravel())

		report.Subscription = report.Subscription.add(sub)
		report.PerSession = report.PerSession.add(per)
		report.Travel = report.Travel.add(sr.Travel)
		report.Tuition = report.Tuition.add(sr.Tuition)
		report.Students = append(report.Students, sr)
	}

	report.Planned = lo.Reduce(report.Students, func(acc decimal.Decimal, s StudentReport, _ int) decimal.Decimal {
		return acc.Add(s.Planned)
	}, decimal.Zero)
	report.Paid = lo.Reduce(report.Students, func(acc decimal.Decimal, s StudentReport, _ int) decimal.Decimal {
		return acc.Add(s.Paid)
	}, decimal.Zero)
	report.Balance = report.Planned.Sub(report.Paid)
	return report, nil
}

// splitTravel estimates how much of paid covered travel, pro rata to the
// planned share and capped at the planned travel.
func splitTravel(planned, paid, plannedTravel decimal.Decimal) (travel, tuition Totals) {
	travel.Planned = plannedTravel
	tuition.Planned = planned.Sub(plannedTravel)
	if !planned.IsPositive() {
		travel.Paid = decimal.Zero
		tuition.Paid = paid
		return travel, tuition
	}
	ratio := decimal.Min(paid.Div(planned), decimal.NewFromInt(1))
	if ratio.IsNegative() {
		ratio = decimal.Zero
	}
	travel.Paid = plannedTravel.Mul(ratio)
	tuition.Paid = paid.Sub(travel.Paid)
	return travel, tuition
}
