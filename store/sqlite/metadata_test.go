package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lesson-engine/generic"
)

func TestLoad_CorruptMetadataFails(t *testing.T) {
	// GIVEN: A transaction row whose metadata is not a JSON object
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	_, err = store.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ('tx-1', 'stu-1', 'pending_makeup_hours', '2024-03-10', '1', 'hours', 'grant',
			NULL, NULL, 'k-1', '{not json', NULL, '2024-03-10')`)
	require.NoError(t, err)

	// WHEN: Loading the account
	_, err = store.Load(ctx, "stu-1", generic.AccountID("pending_makeup_hours"))

	// THEN: The decode error surfaces instead of an empty metadata map
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tx-1")
}
