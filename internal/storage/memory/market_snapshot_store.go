// Package memory provides in-memory implementations of the storage
// interfaces for tests and single-process runs.
package memory

import (
	"context"
	"sync"
	"time"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/storage"
)

// MarketSnapshotStore is an in-memory implementation of storage.MarketSnapshotStore.
type MarketSnapshotStore struct {
	mu   sync.RWMutex
	data map[string]*domain.MarketSnapshot
}

// NewMarketSnapshotStore creates a new in-memory market snapshot store.
func NewMarketSnapshotStore() *MarketSnapshotStore {
	return &MarketSnapshotStore{data: make(map[string]*domain.MarketSnapshot)}
}

// Compile-time interface check.
var _ storage.MarketSnapshotStore = (*MarketSnapshotStore)(nil)

// Put stores a snapshot; same id + same hash is a no-op, different hash is
// ErrHashMismatch.
func (s *MarketSnapshotStore) Put(_ context.Context, snap *domain.MarketSnapshot) error {
	if snap == nil || snap.SnapshotID == "" || snap.PayloadHash == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data[snap.SnapshotID]; ok {
		if existing.PayloadHash != snap.PayloadHash {
			return storage.ErrHashMismatch
		}
		return nil
	}

	stored := *snap
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.data[snap.SnapshotID] = &stored
	return nil
}

// Get retrieves a snapshot by id.
func (s *MarketSnapshotStore) Get(_ context.Context, snapshotID string) (*domain.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.data[snapshotID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *snap
	return &copied, nil
}
