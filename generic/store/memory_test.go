package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lesson-engine/generic"
)

func hours(id, key, date string, h float64) generic.Transaction {
	return generic.Transaction{
		ID:             generic.TransactionID(id),
		EntityID:       "stu-1",
		AccountID:      "pending_makeup_hours",
		EffectiveAt:    generic.MustDate(date),
		Delta:          generic.NewAmount(h, generic.UnitHours),
		Type:           generic.TxGrant,
		IdempotencyKey: key,
	}
}

func TestMemoryOrdersByEffectiveDate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Append(ctx, hours("t2", "k2", "2024-03-12", 1)))
	require.NoError(t, m.Append(ctx, hours("t1", "k1", "2024-03-05", 1)))
	require.NoError(t, m.Append(ctx, hours("t3", "k3", "2024-03-12", -0.5)))

	txs, err := m.Load(ctx, "stu-1", "pending_makeup_hours")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, generic.TransactionID("t1"), txs[0].ID)
	assert.Equal(t, generic.TransactionID("t2"), txs[1].ID)
	assert.Equal(t, generic.TransactionID("t3"), txs[2].ID)

	ranged, err := m.LoadRange(ctx, "stu-1", "pending_makeup_hours", generic.MustDate("2024-03-10"), generic.MustDate("2024-03-31"))
	require.NoError(t, err)
	assert.Len(t, ranged, 2)
}

func TestMemoryIdempotency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Append(ctx, hours("t1", "cancel:c1", "2024-03-12", 1)))
	assert.ErrorIs(t, m.Append(ctx, hours("t2", "cancel:c1", "2024-03-12", 1)), generic.ErrDuplicateIdempotencyKey)

	// A batch with one reused key writes nothing
	err := m.AppendBatch(ctx, []generic.Transaction{
		hours("t3", "makeup:x1", "2024-03-14", -1),
		hours("t4", "cancel:c1", "2024-03-14", 1),
	})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	assert.Equal(t, 1, m.Len())

	exists, err := m.Exists(ctx, "makeup:x1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemorySnapshotRestore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Append(ctx, hours("t1", "k1", "2024-03-05", 1)))

	snap := m.Snapshot()
	require.NoError(t, m.Append(ctx, hours("t2", "k2", "2024-03-06", 1)))
	m.Restore(snap)

	assert.Equal(t, 1, m.Len())
	exists, _ := m.Exists(ctx, "k2")
	assert.False(t, exists)
}

func TestLedgerBalanceAndReplay(t *testing.T) {
	// GIVEN: A ledger with a grant, a consumption and a settlement
	ctx := context.Background()
	ledger := generic.NewLedger(NewMemory())
	require.NoError(t, ledger.AppendBatch(ctx, []generic.Transaction{
		hours("t1", "cancel:c1", "2024-03-12", 1),
		hours("t2", "makeup:x1", "2024-03-14", -1),
	}))

	// WHEN: Computing balances at several dates
	mid, err := ledger.BalanceAt(ctx, "stu-1", "pending_makeup_hours", generic.MustDate("2024-03-13"), generic.UnitHours)
	require.NoError(t, err)
	end, err := ledger.BalanceAt(ctx, "stu-1", "pending_makeup_hours", generic.MustDate("2024-03-31"), generic.UnitHours)
	require.NoError(t, err)

	// THEN: The replay follows the effective dates
	assert.True(t, mid.Value.Equal(generic.MustParseDecimal("1")), mid.Value.String())
	assert.True(t, end.IsZero())

	// AND: A duplicate key is rejected before it reaches the store
	assert.ErrorIs(t, ledger.Append(ctx, hours("t3", "makeup:x1", "2024-03-20", -1)), generic.ErrDuplicateIdempotencyKey)

	txs, err := ledger.Transactions(ctx, "stu-1", "pending_makeup_hours")
	require.NoError(t, err)
	timeline := generic.TimelineFromTransactions(txs)
	assert.Nil(t, timeline.Validate(generic.NewAmount(0, generic.UnitHours), false, nil))

	overdrawn := generic.TimelineFromTransactions([]generic.Transaction{hours("t9", "", "2024-03-01", -1)})
	violation := overdrawn.Validate(generic.NewAmount(0, generic.UnitHours), false, nil)
	require.NotNil(t, violation)
	assert.Equal(t, "negative_balance", violation.Type)
}
