package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lesson-engine/generic"
)

func TestLoad_MetadataOfWrongShapeFails(t *testing.T) {
	dsn := os.Getenv("TUTOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TUTOR_TEST_POSTGRES_DSN not set")
	}
	require.NoError(t, Migrate(dsn))
	ctx := context.Background()
	store, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// GIVEN: A transaction row whose metadata is a JSON array
	entity := "stu-" + uuid.NewString()[:8]
	txID := "tx-" + uuid.NewString()[:8]
	_, err = store.pool.Exec(ctx, `
		INSERT INTO transactions (id, entity_id, account_id, effective_at, delta_value, delta_unit, tx_type, metadata, created_at)
		VALUES ($1, $2, 'pending_makeup_hours', '2024-03-10', 1, 'hours', 'grant', '[1, 2]'::jsonb, '2024-03-10')`,
		txID, entity)
	require.NoError(t, err)

	// WHEN: Loading the account
	_, err = store.Load(ctx, generic.EntityID(entity), generic.AccountID("pending_makeup_hours"))

	// THEN: The decode error surfaces
	require.Error(t, err)
	assert.Contains(t, err.Error(), txID)
}
