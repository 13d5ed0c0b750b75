/*
ledger.go - Append-only counter ledger

PURPOSE:
  Every change to a counter is written as an immutable transaction. The
  owning record keeps the current value for fast reads; the ledger keeps
  the history that explains it and can rebuild it.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. IDEMPOTENT: A key is written at most once. Batches are checked as a
     whole, including keys repeated inside the batch.
  3. NON-NEGATIVE REPLAY: Folding an account in effective order never goes
     below zero. A history that does is a CounterViolation.

CORRECTIONS:
  A wrong entry is undone by a Reversal of opposite sign; both stay.

SEE ALSO:
  - store.go: Persistence interface
  - tutoring/ledger.go: The four makeup accounts
*/
package generic

import "context"

// =============================================================================
// LEDGER
// =============================================================================

type Ledger interface {
	// Append adds a transaction. Fails if its idempotency key exists.
	Append(ctx context.Context, tx Transaction) error

	// AppendBatch adds several transactions atomically.
	AppendBatch(ctx context.Context, txs []Transaction) error

	// Transactions returns one account of an entity in effective order.
	Transactions(ctx context.Context, entityID EntityID, accountID AccountID) ([]Transaction, error)

	TransactionsInRange(ctx context.Context, entityID EntityID, accountID AccountID, from, to TimePoint) ([]Transaction, error)

	// History returns every account of an entity, interleaved in effective order.
	History(ctx context.Context, entityID EntityID) ([]Transaction, error)

	// BalanceAt is the account balance after every transaction effective on or before at.
	BalanceAt(ctx context.Context, entityID EntityID, accountID AccountID, at TimePoint, unit Unit) (Amount, error)

	// Replay folds the given accounts and returns their final balances.
	Replay(ctx context.Context, entityID EntityID, accounts []AccountID) (map[AccountID]Amount, error)
}

type DefaultLedger struct {
	Store Store
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, tx Transaction) error {
	return l.AppendBatch(ctx, []Transaction{tx})
}

func (l *DefaultLedger) AppendBatch(ctx context.Context, txs []Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if _, dup := seen[tx.IdempotencyKey]; dup {
			return ErrDuplicateIdempotencyKey
		}
		seen[tx.IdempotencyKey] = struct{}{}

		exists, err := l.Store.Exists(ctx, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	if len(txs) == 1 {
		return l.Store.Append(ctx, txs[0])
	}
	return l.Store.AppendBatch(ctx, txs)
}

func (l *DefaultLedger) Transactions(ctx context.Context, entityID EntityID, accountID AccountID) ([]Transaction, error) {
	return l.Store.Load(ctx, entityID, accountID)
}

func (l *DefaultLedger) TransactionsInRange(ctx context.Context, entityID EntityID, accountID AccountID, from, to TimePoint) ([]Transaction, error) {
	return l.Store.LoadRange(ctx, entityID, accountID, from, to)
}

func (l *DefaultLedger) History(ctx context.Context, entityID EntityID) ([]Transaction, error) {
	return l.Store.LoadByEntity(ctx, entityID)
}

func (l *DefaultLedger) BalanceAt(ctx context.Context, entityID EntityID, accountID AccountID, at TimePoint, unit Unit) (Amount, error) {
	txs, err := l.Store.Load(ctx, entityID, accountID)
	if err != nil {
		return Amount{}, err
	}
	timeline := TimelineFromTransactions(txs)
	return timeline.BalanceAt(at, NewAmount(0, unit)), nil
}

func (l *DefaultLedger) Replay(ctx context.Context, entityID EntityID, accounts []AccountID) (map[AccountID]Amount, error) {
	byAccount := make(map[AccountID][]Transaction, len(accounts))
	for _, account := range accounts {
		txs, err := l.Store.Load(ctx, entityID, account)
		if err != nil {
			return nil, err
		}
		byAccount[account] = txs
	}
	return ReplayAccounts(entityID, byAccount, accounts)
}

// ReplayAccounts folds each account's transactions, already in effective
// order, starting from zero. Accounts missing from byAccount replay to zero.
func ReplayAccounts(entityID EntityID, byAccount map[AccountID][]Transaction, accounts []AccountID) (map[AccountID]Amount, error) {
	out := make(map[AccountID]Amount, len(accounts))
	for _, account := range accounts {
		txs := byAccount[account]
		zero := NewAmount(0, UnitCount)
		if len(txs) > 0 {
			zero = txs[0].Delta.Zero()
		}
		timeline := TimelineFromTransactions(txs)
		if verr := timeline.Validate(zero, false, nil); verr != nil {
			return nil, &CounterViolation{EntityID: entityID, AccountID: account, Detail: verr}
		}
		out[account] = timeline.Final(zero)
	}
	return out, nil
}
