/*
store.go - Where ledger transactions are persisted

PURPOSE:
  Store is the write-once table behind a Ledger. Each tutoring repository
  embeds one, so counter transactions commit in the same database
  transaction as the record change that caused them.

CONTRACT:
  - Writes are Append and AppendBatch only; rows are never rewritten.
  - A second write with a known idempotency key fails with
    ErrDuplicateIdempotencyKey. A student-fault cancellation writes
    absence, makeup and owed-hours rows in one batch: all or nothing.
  - Reads come back in effective-date order. Rows sharing a date keep the
    order they were written in.

IMPLEMENTATIONS:
  - generic/store: maps, for tests and the memory driver
  - store/sqlite: transactions table
  - store/postgres: transactions table, JSONB metadata
*/
package generic

import "context"

type Store interface {
	Append(ctx context.Context, tx Transaction) error
	AppendBatch(ctx context.Context, txs []Transaction) error

	// Load returns one account of an entity.
	Load(ctx context.Context, entityID EntityID, accountID AccountID) ([]Transaction, error)

	// LoadRange is Load restricted to EffectiveAt in [from, to].
	LoadRange(ctx context.Context, entityID EntityID, accountID AccountID, from, to TimePoint) ([]Transaction, error)

	// LoadByEntity returns every account of an entity.
	LoadByEntity(ctx context.Context, entityID EntityID) ([]Transaction, error)

	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}
