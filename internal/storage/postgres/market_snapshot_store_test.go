package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/storage"
	"valuation-lab/internal/storage/postgres"
)

func marketSnapshot(id, hash string) *domain.MarketSnapshot {
	return &domain.MarketSnapshot{
		SnapshotID: id,
		AsOfTime:   time.Date(2024, 3, 15, 17, 0, 0, 0, time.UTC),
		Vendor:     "REFINERY",
		UniverseID: "RATES-G10",
		Payload: domain.MarketPayload{
			Curves: []domain.Curve{
				{ID: "USD-OIS", Nodes: []domain.CurveNode{
					{Tenor: "1Y", Rate: 0.05},
					{Tenor: "5Y", Rate: 0.05},
				}},
			},
			FXSpots: []domain.FXSpot{{Pair: "EURUSD", Rate: 1.10}},
		},
		DQStatus:    domain.DQPass,
		PayloadHash: hash,
	}
}

func TestMarketSnapshotStore(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewMarketSnapshotStore(pool)

	require.NoError(t, store.Put(ctx, marketSnapshot("ms-1", "hash-a")))

	got, err := store.Get(ctx, "ms-1")
	require.NoError(t, err)
	assert.Equal(t, "ms-1", got.SnapshotID)
	assert.Equal(t, "hash-a", got.PayloadHash)
	assert.Equal(t, domain.DQPass, got.DQStatus)
	assert.Equal(t, "REFINERY", got.Vendor)
	require.Len(t, got.Payload.Curves, 1)
	assert.Equal(t, "USD-OIS", got.Payload.Curves[0].ID)
	assert.False(t, got.CreatedAt.IsZero())

	// Same id with the same content is accepted silently.
	assert.NoError(t, store.Put(ctx, marketSnapshot("ms-1", "hash-a")))

	// Same id with different content is a conflict, the original survives.
	assert.ErrorIs(t, store.Put(ctx, marketSnapshot("ms-1", "hash-b")), storage.ErrHashMismatch)
	got, err = store.Get(ctx, "ms-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-a", got.PayloadHash)

	_, err = store.Get(ctx, "ms-missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, store.Put(ctx, nil), storage.ErrInvalidInput)
	assert.ErrorIs(t, store.Put(ctx, marketSnapshot("", "h")), storage.ErrInvalidInput)
}
