package postgres

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covdev/internal/model"
)

func TestUpsertKeepsStoredCosts(t *testing.T) {
	sql := strings.Join(strings.Fields(upsertEventSQL), " ")
	assert.Contains(t, sql, "ON CONFLICT (chain_id, tx_hash, log_index)")
	assert.Contains(t, sql, "cost_native = COALESCE(timeline_events.cost_native, EXCLUDED.cost_native)")
	assert.Contains(t, sql, "cost_fiat = COALESCE(timeline_events.cost_fiat, EXCLUDED.cost_fiat)")
}

func TestNewStoreRequiresDSN(t *testing.T) {
	_, err := NewStore(context.Background(), "", 1)
	assert.Error(t, err)
}

func strPtr(s string) *string { return &s }

// TIMELINE_TEST_PG_DSN points at a disposable database.
func TestStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("TIMELINE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TIMELINE_TEST_PG_DSN not set")
	}
	ctx := context.Background()

	store, err := NewStore(ctx, dsn, 31337)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureSchema(ctx))
	_, err = store.pool.Exec(ctx, `DELETE FROM timeline_events WHERE chain_id = $1`, int64(31337))
	require.NoError(t, err)

	older := model.EventRecord{
		Name: "ProposalCreated", BlockNumber: 10, TxHash: "0xaa", LogIndex: 0,
		Args: map[string]string{"proposalId": "1"}, CostNative: strPtr("0.00105"), CostFiat: strPtr("3.0926"),
	}
	newer := model.EventRecord{Name: "VoteCast", BlockNumber: 12, TxHash: "0xbb", Args: map[string]string{}}
	require.NoError(t, store.UpsertEvents(ctx, []model.EventRecord{older, newer}))

	// a later run without costs must not wipe the stored ones
	older.CostNative, older.CostFiat = nil, nil
	require.NoError(t, store.UpsertEvents(ctx, []model.EventRecord{older}))

	loaded, err := store.LoadEvents(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "0xbb", loaded[0].TxHash)
	assert.Nil(t, loaded[0].CostNative)
	require.NotNil(t, loaded[1].CostNative)
	assert.Equal(t, "0.00105", *loaded[1].CostNative)
	assert.Equal(t, "3.0926", *loaded[1].CostFiat)
	assert.Equal(t, "1", loaded[1].Args["proposalId"])
}
