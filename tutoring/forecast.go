package tutoring

import (
	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
)

// MonthIncome is the Actual-mode revenue of one calendar month.
type MonthIncome struct {
	MonthID string
	Period  generic.Period
	Amount  decimal.Decimal
	Lessons int
	Hours   decimal.Decimal
}

// MonthlyIncome splits period into calendar months and totals the lessons
// that actually take place in each, across all students.
func MonthlyIncome(snap Snapshot, period generic.Period) ([]MonthIncome, Diagnostics, error) {
	ix := NewIndex(snap)
	out, err := ix.MonthlyIncome(period)
	return out, ix.Diagnostics(), err
}

func (ix *Index) MonthlyIncome(period generic.Period) ([]MonthIncome, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	var out []MonthIncome
	for _, month := range period.Months() {
		occ := ix.AllOccurrences(month, ModeActual)
		out = append(out, MonthIncome{
			MonthID: month.Start.MonthID(),
			Period:  month,
			Amount:  SumAmounts(occ),
			Lessons: len(occ),
			Hours:   SumHours(occ),
		})
	}
	return out, nil
}
