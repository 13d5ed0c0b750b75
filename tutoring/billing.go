/*
billing.go - Required amount per student and period

PURPOSE:
  Computes what a student owes for a date range, with a tagged breakdown so
  every number on a statement can be traced to a lesson or an exception.

PER SESSION:
  Total is the sum of every Actual-mode lesson. The breakdown shows the
  schedule as planned (base), one negative correction per cancelled date
  priced at the first matching schedule entry, and one line per extra at
  its own amount (makeups included).

MONTHLY SUBSCRIPTION:
  Base is the Plan-mode schedule: fault cancellations do not reduce it and
  only holiday_or_edit cancellations do. additional_paid and rate_edited
  extras are added as separate lines; makeup and rescheduled extras are
  listed at zero because the base already paid for those hours.

EXAMPLE (rate 50, travel 10, Tuesdays 17:00 1h, March 2024):
  per session, no exceptions          -> 4 x 60 = 240
  tutor_fault on 2024-03-12           -> base 240, correction -60 = 180
  subscription, student_fault 03-12   -> base 240
*/
package tutoring

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
)

// =============================================================================
// BILL
// =============================================================================

type LineTag string

const (
	LineBase           LineTag = "base"
	LineExtraPaid      LineTag = "extra_paid"
	LineMakeupNoCharge LineTag = "makeup_no_charge"
	LineCorrection     LineTag = "correction"
)

type BillLine struct {
	Tag         LineTag
	Date        generic.TimePoint // zero for aggregate base lines
	Description string
	Amount      decimal.Decimal
	Travel      decimal.Decimal // travel share of Amount
	SourceID    string
}

type Bill struct {
	StudentID StudentID
	Period    generic.Period
	Mode      BillingMode
	Lines     []BillLine
	Total     decimal.Decimal
}

// TotalTravel is the travel share of the total.
func (b Bill) TotalTravel() decimal.Decimal {
	return lo.Reduce(b.Lines, func(acc decimal.Decimal, l BillLine, _ int) decimal.Decimal {
		return acc.Add(l.Travel)
	}, decimal.Zero)
}

// SumTagged totals the lines carrying one of tags.
func (b Bill) SumTagged(tags ...LineTag) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range b.Lines {
		if lo.Contains(tags, l.Tag) {
			sum = sum.Add(l.Amount)
		}
	}
	return sum
}

// =============================================================================
// REQUIRED AMOUNT
// =============================================================================

// RequiredAmount computes the bill of one student over period.
func RequiredAmount(snap Snapshot, studentID StudentID, period generic.Period) (Bill, Diagnostics, error) {
	ix := NewIndex(snap)
	bill, err := ix.Bill(studentID, period)
	return bill, ix.Diagnostics(), err
}

// Bill computes the bill of one student over period.
func (ix *Index) Bill(studentID StudentID, period generic.Period) (Bill, error) {
	if err := period.Validate(); err != nil {
		return Bill{}, err
	}
	st, ok := ix.students[studentID]
	if !ok {
		return Bill{}, fmt.Errorf("%w: %s", generic.ErrStudentNotFound, studentID)
	}

	bill := Bill{StudentID: studentID, Period: period, Mode: st.BillingMode}
	if st.BillingMode == BillingMonthlySubscription {
		bill.Lines = ix.subscriptionLines(st, period)
	} else {
		bill.Lines = ix.perSessionLines(st, period)
	}
	bill.Total = lo.Reduce(bill.Lines, func(acc decimal.Decimal, l BillLine, _ int) decimal.Decimal {
		return acc.Add(l.Amount)
	}, decimal.Zero)
	return bill, nil
}

func (ix *Index) perSessionLines(st Student, period generic.Period) []BillLine {
	entries := ix.entries[st.ID]

	base := BillLine{Tag: LineBase, Description: "scheduled lessons " + period.String()}
	var corrections []BillLine
	for _, day := range period.Days() {
		c, cancelled := ix.exceptions.Cancellation(st.ID, day)
		if !cancelled {
			for _, e := range entries {
				if e.matches(day) {
					base.Amount = base.Amount.Add(e.TotalCost(st))
					base.Travel = base.Travel.Add(st.TravelSurcharge)
				}
			}
			continue
		}
		first, _, found := firstMatch(entries, day)
		if !found {
			continue
		}
		cost := first.TotalCost(st)
		base.Amount = base.Amount.Add(cost)
		base.Travel = base.Travel.Add(st.TravelSurcharge)
		corrections = append(corrections, BillLine{
			Tag:         LineCorrection,
			Date:        day,
			Description: "cancelled (" + string(c.Reason) + ")",
			Amount:      cost.Neg(),
			Travel:      st.TravelSurcharge.Neg(),
			SourceID:    c.ID,
		})
	}

	lines := []BillLine{base}
	lines = append(lines, corrections...)
	for _, x := range ix.exceptions.datedExtrasInRange(st.ID, period) {
		lines = append(lines, BillLine{
			Tag:         LineExtraPaid,
			Date:        x.date,
			Description: string(x.Type) + " " + x.clock.String(),
			Amount:      x.Amount,
			Travel:      extraTravel(st, x.Amount),
			SourceID:    x.ID,
		})
	}
	return lines
}

func (ix *Index) subscriptionLines(st Student, period generic.Period) []BillLine {
	var lines []BillLine
	for _, month := range period.Months() {
		planned := ix.expand(st.ID, month, ModePlan)
		lines = append(lines, BillLine{
			Tag:         LineBase,
			Description: "subscription " + month.Start.MonthID(),
			Amount:      SumAmounts(planned),
			Travel:      sumTravel(planned),
		})
	}
	for _, x := range ix.exceptions.datedExtrasInRange(st.ID, period) {
		line := BillLine{
			Date:        x.date,
			Description: string(x.Type) + " " + x.clock.String(),
			SourceID:    x.ID,
		}
		if x.Type.BilledSeparately() {
			line.Tag = LineExtraPaid
			line.Amount = x.Amount
			line.Travel = extraTravel(st, x.Amount)
		} else {
			line.Tag = LineMakeupNoCharge
		}
		lines = append(lines, line)
	}
	return lines
}

func sumTravel(occ []LessonOccurrence) decimal.Decimal {
	return lo.Reduce(occ, func(acc decimal.Decimal, o LessonOccurrence, _ int) decimal.Decimal {
		return acc.Add(o.Travel)
	}, decimal.Zero)
}
