package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/storage"
)

func testPositionSnapshot(id, nodeID, hash string, asOf time.Time) *domain.PositionSnapshot {
	return &domain.PositionSnapshot{
		PositionSnapshotID: id,
		AsOfTime:           asOf,
		PortfolioNodeID:    nodeID,
		Positions: []domain.Position{
			{PositionID: "p1", ProductType: "FIXED_BOND", BaseCurrency: "USD"},
		},
		PayloadHash: hash,
	}
}

func TestPositionSnapshotStore_PutAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewPositionSnapshotStore()
	asOf := time.Date(2024, 3, 15, 17, 0, 0, 0, time.UTC)

	id, err := store.Put(ctx, testPositionSnapshot("ps-1", "BOOK-A", "hash-a", asOf))
	require.NoError(t, err)
	assert.Equal(t, "ps-1", id)

	got, err := store.Get(ctx, "ps-1")
	require.NoError(t, err)
	assert.Equal(t, "BOOK-A", got.PortfolioNodeID)
	assert.Len(t, got.Positions, 1)
}

func TestPositionSnapshotStore_DeduplicatesByNodeAndHash(t *testing.T) {
	ctx := context.Background()
	store := NewPositionSnapshotStore()
	asOf := time.Date(2024, 3, 15, 17, 0, 0, 0, time.UTC)

	first, err := store.Put(ctx, testPositionSnapshot("ps-1", "BOOK-A", "hash-a", asOf))
	require.NoError(t, err)

	// Same node and content again returns the original id and stores nothing.
	second, err := store.Put(ctx, testPositionSnapshot("ps-2", "BOOK-A", "hash-a", asOf.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = store.Get(ctx, "ps-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Same content under another node is a distinct snapshot.
	third, err := store.Put(ctx, testPositionSnapshot("ps-3", "BOOK-B", "hash-a", asOf))
	require.NoError(t, err)
	assert.Equal(t, "ps-3", third)
}

func TestPositionSnapshotStore_LatestForNode(t *testing.T) {
	ctx := context.Background()
	store := NewPositionSnapshotStore()
	base := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	_, err := store.Put(ctx, testPositionSnapshot("ps-old", "BOOK-A", "hash-old", base))
	require.NoError(t, err)
	_, err = store.Put(ctx, testPositionSnapshot("ps-new", "BOOK-A", "hash-new", base.Add(6*time.Hour)))
	require.NoError(t, err)
	_, err = store.Put(ctx, testPositionSnapshot("ps-future", "BOOK-A", "hash-future", base.Add(48*time.Hour)))
	require.NoError(t, err)
	_, err = store.Put(ctx, testPositionSnapshot("ps-other", "BOOK-B", "hash-old", base))
	require.NoError(t, err)

	// Picks the newest snapshot at or before the cutoff, never a future one.
	got, err := store.LatestForNode(ctx, "BOOK-A", base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "ps-new", got.PositionSnapshotID)

	got, err = store.LatestForNode(ctx, "BOOK-A", base)
	require.NoError(t, err)
	assert.Equal(t, "ps-old", got.PositionSnapshotID)

	_, err = store.LatestForNode(ctx, "BOOK-A", base.Add(-time.Hour))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.LatestForNode(ctx, "BOOK-C", base.Add(24*time.Hour))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
