/*
Package generic provides the domain-agnostic primitives of the lesson engine.

PURPOSE:
  This package contains the quantities, calendar types and the append-only
  ledger that the tutoring package builds on. Nothing here knows about
  students, lessons or billing modes: hours owed, absence counts and money are
  all just Amounts moving through a ledger keyed by entity and account.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity with a unit (1.5 hours, 3 absences, 240.00 currency)
  - Transaction: An immutable ledger entry recording a counter change
  - Timeline: Ordered deltas used to replay and validate a counter
  - Entity/Account IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only reversed
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing entity/account IDs
  4. Auditability: Every transaction has reason, reference, and idempotency key

USAGE:
  owed := generic.NewAmount(1.5, generic.UnitHours)
  tx := generic.Transaction{
      EntityID:  "stu-42",
      AccountID: "pending_makeup_hours",
      Delta:     owed,
      Type:      generic.TxGrant,
  }

SEE ALSO:
  - ledger.go: Ledger interface and replay
  - store.go: Transaction persistence interface
  - period.go: Billing periods and month ids
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitHours    Unit = "hours"
	UnitCount    Unit = "count"
	UnitCurrency Unit = "currency"
)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromInt(value int, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value)), Unit: unit}
}

func NewAmountFromDecimal(value decimal.Decimal, unit Unit) Amount {
	return Amount{Value: value, Unit: unit}
}

// MustParseDecimal parses s, returning zero when s is not a number.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseDecimalOr parses s, returning fallback when s is empty or not a number.
func ParseDecimalOr(s string, fallback decimal.Decimal) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fallback
	}
	return d
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.Unit} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) Equal(b Amount) bool          { return a.Unit == b.Unit && a.Value.Equal(b.Value) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string
type AccountID string
type TransactionID string

// =============================================================================
// TRANSACTION - Atomic change to a counter
// =============================================================================

type TransactionType string

const (
	TxGrant          TransactionType = "grant"          // Counter increased (hours owed, absence recorded)
	TxConsumption    TransactionType = "consumption"    // Counter decreased by use (owed hours moved into a makeup)
	TxReconciliation TransactionType = "reconciliation" // Period-driven settlement (past makeup fulfilled)
	TxAdjustment     TransactionType = "adjustment"     // Manual admin correction
	TxReversal       TransactionType = "reversal"       // Undo of a previous change (makeup deleted)
)

type Transaction struct {
	ID             TransactionID
	EntityID       EntityID
	AccountID      AccountID
	EffectiveAt    TimePoint
	Delta          Amount
	Type           TransactionType
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string

	// Audit fields
	CreatedBy string
	CreatedAt TimePoint
}

// =============================================================================
// TIMELINE - For replay and validation
// =============================================================================

type TimelineEvent struct {
	At    TimePoint
	Delta Amount
	Type  string
	Ref   string
}

type Timeline struct {
	Events []TimelineEvent
}

// TimelineFromTransactions builds a timeline in the order the transactions are given.
func TimelineFromTransactions(txs []Transaction) Timeline {
	events := make([]TimelineEvent, 0, len(txs))
	for _, tx := range txs {
		events = append(events, TimelineEvent{
			At:    tx.EffectiveAt,
			Delta: tx.Delta,
			Type:  string(tx.Type),
			Ref:   tx.ReferenceID,
		})
	}
	return Timeline{Events: events}
}

func (t *Timeline) BalanceAt(at TimePoint, initial Amount) Amount {
	balance := initial
	for _, e := range t.Events {
		if e.At.After(at) {
			break
		}
		balance = balance.Add(e.Delta)
	}
	return balance
}

// Final returns the balance after every event.
func (t *Timeline) Final(initial Amount) Amount {
	balance := initial
	for _, e := range t.Events {
		balance = balance.Add(e.Delta)
	}
	return balance
}

func (t *Timeline) Validate(initial Amount, allowNegative bool, maxBalance *Amount) *ValidationError {
	balance := initial
	for _, e := range t.Events {
		balance = balance.Add(e.Delta)
		if !allowNegative && balance.IsNegative() {
			return &ValidationError{At: e.At, Balance: balance, Type: "negative_balance"}
		}
		if maxBalance != nil && balance.GreaterThan(*maxBalance) {
			return &ValidationError{At: e.At, Balance: balance, Type: "exceeds_max"}
		}
	}
	return nil
}

type ValidationError struct {
	At      TimePoint
	Balance Amount
	Type    string
}

func (e *ValidationError) Error() string { return e.Type + " at " + e.At.String() }
