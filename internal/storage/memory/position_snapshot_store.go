package memory

import (
	"context"
	"sync"
	"time"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/storage"
)

// PositionSnapshotStore is an in-memory implementation of storage.PositionSnapshotStore.
type PositionSnapshotStore struct {
	mu     sync.RWMutex
	byID   map[string]*domain.PositionSnapshot
	byDkey map[string]string // (node|hash) -> id
}

// NewPositionSnapshotStore creates a new in-memory position snapshot store.
func NewPositionSnapshotStore() *PositionSnapshotStore {
	return &PositionSnapshotStore{
		byID:   make(map[string]*domain.PositionSnapshot),
		byDkey: make(map[string]string),
	}
}

// Compile-time interface check.
var _ storage.PositionSnapshotStore = (*PositionSnapshotStore)(nil)

func dedupKey(nodeID, payloadHash string) string {
	return nodeID + "|" + payloadHash
}

// Put stores a snapshot, deduplicating by (portfolio_node_id, payload_hash).
func (s *PositionSnapshotStore) Put(_ context.Context, snap *domain.PositionSnapshot) (string, error) {
	if snap == nil || snap.PositionSnapshotID == "" || snap.PortfolioNodeID == "" || snap.PayloadHash == "" {
		return "", storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(snap.PortfolioNodeID, snap.PayloadHash)
	if existingID, ok := s.byDkey[key]; ok {
		return existingID, nil
	}

	stored := *snap
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.byID[snap.PositionSnapshotID] = &stored
	s.byDkey[key] = snap.PositionSnapshotID
	return snap.PositionSnapshotID, nil
}

// Get retrieves a snapshot by id.
func (s *PositionSnapshotStore) Get(_ context.Context, positionSnapshotID string) (*domain.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.byID[positionSnapshotID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *snap
	return &copied, nil
}

// LatestForNode retrieves the newest snapshot for a node at or before asOf.
func (s *PositionSnapshotStore) LatestForNode(_ context.Context, portfolioNodeID string, asOf time.Time) (*domain.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.PositionSnapshot
	for _, snap := range s.byID {
		if snap.PortfolioNodeID != portfolioNodeID || snap.AsOfTime.After(asOf) {
			continue
		}
		if best == nil || snap.AsOfTime.After(best.AsOfTime) {
			best = snap
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	copied := *best
	return &copied, nil
}
