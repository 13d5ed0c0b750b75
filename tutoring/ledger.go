/*
ledger.go - Makeup ledger: the audit trail behind a student's counters

PURPOSE:
  Wraps the generic ledger for the four counter accounts. The counters on
  Student are the fast read path; the ledger explains every change and can
  rebuild the counters by replay.

INVARIANT:
  Replaying an account never drives it below zero. A replay that does is
  reported as a generic.CounterViolation.

EXAMPLE:
  ledger := tutoring.NewMakeupLedger(repo)
  counters, err := ledger.Replay(ctx, "stu-1")
  if counters != tutoring.CountersOf(student) {
      // stored counters drifted from their history
  }
*/
package tutoring

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
)

// Counters is the value view of a student's makeup counters.
type Counters struct {
	AbsenceCount    int
	MakeupCount     int
	PendingHours    decimal.Decimal
	ContractedHours decimal.Decimal
}

func CountersOf(st Student) Counters {
	return Counters{
		AbsenceCount:    st.AbsenceCount,
		MakeupCount:     st.MakeupCount,
		PendingHours:    st.PendingMakeupHours,
		ContractedHours: st.ContractedMakeupHours,
	}
}

// Equal compares counters numerically.
func (c Counters) Equal(o Counters) bool {
	return c.AbsenceCount == o.AbsenceCount &&
		c.MakeupCount == o.MakeupCount &&
		c.PendingHours.Equal(o.PendingHours) &&
		c.ContractedHours.Equal(o.ContractedHours)
}

func (c Counters) clamped() Counters {
	if c.AbsenceCount < 0 {
		c.AbsenceCount = 0
	}
	if c.MakeupCount < 0 {
		c.MakeupCount = 0
	}
	if c.PendingHours.IsNegative() {
		c.PendingHours = decimal.Zero
	}
	if c.ContractedHours.IsNegative() {
		c.ContractedHours = decimal.Zero
	}
	return c
}

func (c Counters) apply(st *Student) {
	st.AbsenceCount = c.AbsenceCount
	st.MakeupCount = c.MakeupCount
	st.PendingMakeupHours = c.PendingHours
	st.ContractedMakeupHours = c.ContractedHours
}

// =============================================================================
// MAKEUP LEDGER
// =============================================================================

type MakeupLedger struct {
	inner generic.Ledger
}

func NewMakeupLedger(store generic.Store) *MakeupLedger {
	return &MakeupLedger{inner: generic.NewLedger(store)}
}

// Record appends one command's transactions atomically. An empty batch is a no-op.
func (l *MakeupLedger) Record(ctx context.Context, txs []generic.Transaction) error {
	return l.inner.AppendBatch(ctx, txs)
}

// RecordOnce is Record for commands that may be retried: a batch whose
// keys were already written is treated as done.
func (l *MakeupLedger) RecordOnce(ctx context.Context, txs []generic.Transaction) error {
	err := l.Record(ctx, txs)
	if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		return nil
	}
	return err
}

// History returns every counter transaction of a student in effective order.
func (l *MakeupLedger) History(ctx context.Context, id StudentID) ([]generic.Transaction, error) {
	return l.inner.History(ctx, generic.EntityID(id))
}

// Balance returns one account's balance as of a date.
func (l *MakeupLedger) Balance(ctx context.Context, id StudentID, account generic.AccountID, at generic.TimePoint) (generic.Amount, error) {
	unit := generic.UnitHours
	if account == AccountAbsences || account == AccountMakeups {
		unit = generic.UnitCount
	}
	return l.inner.BalanceAt(ctx, generic.EntityID(id), account, at, unit)
}

// Replay rebuilds a student's counters from the ledger.
func (l *MakeupLedger) Replay(ctx context.Context, id StudentID) (Counters, error) {
	final, err := l.inner.Replay(ctx, generic.EntityID(id), Accounts)
	if err != nil {
		return Counters{}, err
	}
	return countersFrom(final), nil
}

// ReplayCounters folds per-account transactions (each in effective order)
// into counters, rejecting histories that go negative.
func ReplayCounters(entity generic.EntityID, byAccount map[generic.AccountID][]generic.Transaction) (Counters, error) {
	final, err := generic.ReplayAccounts(entity, byAccount, Accounts)
	if err != nil {
		return Counters{}, err
	}
	return countersFrom(final), nil
}

func countersFrom(final map[generic.AccountID]generic.Amount) Counters {
	return Counters{
		AbsenceCount:    int(final[AccountAbsences].Value.IntPart()),
		MakeupCount:     int(final[AccountMakeups].Value.IntPart()),
		PendingHours:    final[AccountPendingHours].Value,
		ContractedHours: final[AccountContractedHours].Value,
	}
}
