/*
makeup.go - Makeup counter state machine

PURPOSE:
  Tracks lesson hours owed back to a student. Hours move from "pending"
  (owed, not yet booked) to "contracted" (booked as a makeup session) and
  leave the ledger when the makeup date passes.

TRANSITIONS:
  CancelLesson(student_fault):   absences+1, makeups+1, pending += d
  CancelLesson(tutor_fault):     pending += d
  CancelLesson(other reasons):   no change
  ScheduleMakeup(d):             contracted += d, pending -= min(pending, d)
  SettlePastMakeups(today):      planned makeup before today -> fulfilled,
                                 contracted -= min(contracted, d)
  DeleteMakeup(d):               contracted -= min(contracted, d), pending += d

  Counters never go negative: every decrement is clamped.

LEDGER:
  Each function mutates the Student in place and returns the matching
  generic.Transactions, one per counter touched, for the makeup ledger.
  Zero deltas are not recorded. Transactions are dated on the day the
  command runs, so replaying in effective order follows command order.
*/
package tutoring

import (
	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
)

// Stamp identifies the command a batch of counter transactions belongs to.
// Transaction ids and idempotency keys are derived from Key.
type Stamp struct {
	Key string
	At  generic.TimePoint
	Ref string
	By  string
}

func (s Stamp) tx(st *Student, account generic.AccountID, delta generic.Amount, txType generic.TransactionType, reason string) generic.Transaction {
	key := s.Key + ":" + string(account)
	return generic.Transaction{
		ID:             generic.TransactionID(key),
		EntityID:       generic.EntityID(st.ID),
		AccountID:      account,
		EffectiveAt:    s.At,
		Delta:          delta,
		Type:           txType,
		ReferenceID:    s.Ref,
		Reason:         reason,
		IdempotencyKey: key,
		CreatedBy:      s.By,
		CreatedAt:      generic.Today(),
	}
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// CancelLesson applies the counter effect of a cancellation owing durationOwed hours.
func CancelLesson(st *Student, reason CancelReason, durationOwed decimal.Decimal, stamp Stamp) []generic.Transaction {
	var txs []generic.Transaction
	reasonText := "lesson cancelled: " + string(reason)

	switch reason {
	case ReasonStudentFault:
		st.AbsenceCount++
		st.MakeupCount++
		st.PendingMakeupHours = st.PendingMakeupHours.Add(durationOwed)
		txs = append(txs,
			stamp.tx(st, AccountAbsences, generic.NewAmountFromInt(1, generic.UnitCount), generic.TxGrant, reasonText),
			stamp.tx(st, AccountMakeups, generic.NewAmountFromInt(1, generic.UnitCount), generic.TxGrant, reasonText),
		)
	case ReasonTutorFault:
		st.PendingMakeupHours = st.PendingMakeupHours.Add(durationOwed)
	default:
		return nil
	}
	if !durationOwed.IsZero() {
		txs = append(txs, stamp.tx(st, AccountPendingHours, hours(durationOwed), generic.TxGrant, reasonText))
	}
	return txs
}

// ScheduleMakeup books extra as a planned makeup and moves its hours from
// pending to contracted.
func ScheduleMakeup(st *Student, extra *Extra, stamp Stamp) []generic.Transaction {
	extra.Type = ExtraMakeup
	extra.Status = StatusPlanned
	d := extra.Duration

	moved := decimal.Min(st.PendingMakeupHours, d)
	st.ContractedMakeupHours = st.ContractedMakeupHours.Add(d)
	st.PendingMakeupHours = st.PendingMakeupHours.Sub(moved)

	var txs []generic.Transaction
	if !d.IsZero() {
		txs = append(txs, stamp.tx(st, AccountContractedHours, hours(d), generic.TxGrant, "makeup scheduled "+extra.Date))
	}
	if !moved.IsZero() {
		txs = append(txs, stamp.tx(st, AccountPendingHours, hours(moved.Neg()), generic.TxConsumption, "makeup scheduled "+extra.Date))
	}
	return txs
}

// SettlePastMakeups marks every planned makeup dated before today as
// fulfilled and releases its contracted hours. Students are looked up by id;
// extras of unknown students or with unreadable dates are left alone. It
// returns the extras it changed. Running it twice changes nothing the
// second time.
func SettlePastMakeups(students map[StudentID]*Student, extras []Extra, today generic.TimePoint, by string) ([]Extra, []generic.Transaction) {
	var changed []Extra
	var txs []generic.Transaction
	for _, x := range extras {
		if x.Type != ExtraMakeup || x.Status != StatusPlanned {
			continue
		}
		date, err := generic.ParseDate(x.Date)
		if err != nil || !date.Before(today) {
			continue
		}
		st, ok := students[x.StudentID]
		if !ok {
			continue
		}

		x.Status = StatusFulfilled
		released := decimal.Min(st.ContractedMakeupHours, x.Duration)
		st.ContractedMakeupHours = st.ContractedMakeupHours.Sub(released)
		changed = append(changed, x)

		if !released.IsZero() {
			stamp := Stamp{Key: "settle:" + x.ID, At: today, Ref: x.ID, By: by}
			txs = append(txs, stamp.tx(st, AccountContractedHours, hours(released.Neg()), generic.TxReconciliation, "makeup fulfilled "+x.Date))
		}
	}
	return changed, txs
}

// DeleteMakeup reverses a makeup booking: its hours leave contracted and
// return to pending, whatever the makeup's status.
func DeleteMakeup(st *Student, extra Extra, stamp Stamp) []generic.Transaction {
	released := decimal.Min(st.ContractedMakeupHours, extra.Duration)
	st.ContractedMakeupHours = st.ContractedMakeupHours.Sub(released)
	st.PendingMakeupHours = st.PendingMakeupHours.Add(extra.Duration)

	var txs []generic.Transaction
	if !released.IsZero() {
		txs = append(txs, stamp.tx(st, AccountContractedHours, hours(released.Neg()), generic.TxReversal, "makeup deleted "+extra.Date))
	}
	if !extra.Duration.IsZero() {
		txs = append(txs, stamp.tx(st, AccountPendingHours, hours(extra.Duration), generic.TxReversal, "makeup deleted "+extra.Date))
	}
	return txs
}

// AdjustCounters sets the counters to target, recording the differences
// as adjustments. Negative targets are clamped to zero.
func AdjustCounters(st *Student, target Counters, stamp Stamp) []generic.Transaction {
	target = target.clamped()
	current := CountersOf(*st)
	var txs []generic.Transaction
	reason := "manual adjustment"

	if d := target.AbsenceCount - current.AbsenceCount; d != 0 {
		txs = append(txs, stamp.tx(st, AccountAbsences, generic.NewAmountFromInt(d, generic.UnitCount), generic.TxAdjustment, reason))
	}
	if d := target.MakeupCount - current.MakeupCount; d != 0 {
		txs = append(txs, stamp.tx(st, AccountMakeups, generic.NewAmountFromInt(d, generic.UnitCount), generic.TxAdjustment, reason))
	}
	if d := target.PendingHours.Sub(current.PendingHours); !d.IsZero() {
		txs = append(txs, stamp.tx(st, AccountPendingHours, hours(d), generic.TxAdjustment, reason))
	}
	if d := target.ContractedHours.Sub(current.ContractedHours); !d.IsZero() {
		txs = append(txs, stamp.tx(st, AccountContractedHours, hours(d), generic.TxAdjustment, reason))
	}
	target.apply(st)
	return txs
}

func hours(d decimal.Decimal) generic.Amount {
	return generic.NewAmountFromDecimal(d, generic.UnitHours)
}
