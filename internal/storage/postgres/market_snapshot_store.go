package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/storage"
)

// MarketSnapshotStore implements storage.MarketSnapshotStore using PostgreSQL.
type MarketSnapshotStore struct {
	pool *Pool
}

// NewMarketSnapshotStore creates a new MarketSnapshotStore.
func NewMarketSnapshotStore(pool *Pool) *MarketSnapshotStore {
	return &MarketSnapshotStore{pool: pool}
}

// Compile-time interface check.
var _ storage.MarketSnapshotStore = (*MarketSnapshotStore)(nil)

// Put stores a snapshot. Re-submitting an id with the same payload hash is a
// no-op; a different hash is ErrHashMismatch.
func (s *MarketSnapshotStore) Put(ctx context.Context, snap *domain.MarketSnapshot) error {
	if snap == nil || snap.SnapshotID == "" || snap.PayloadHash == "" {
		return storage.ErrInvalidInput
	}

	payload, err := json.Marshal(snap.Payload)
	if err != nil {
		return fmt.Errorf("marshal market payload: %w", err)
	}

	query := `
		INSERT INTO marketdata_snapshot (
			snapshot_id, as_of_time, vendor, universe_id, payload, dq_status, payload_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (snapshot_id) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query,
		snap.SnapshotID,
		snap.AsOfTime,
		snap.Vendor,
		snap.UniverseID,
		payload,
		string(snap.DQStatus),
		snap.PayloadHash,
	)
	if err != nil {
		return fmt.Errorf("insert market snapshot: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Id exists: idempotent when the stored hash matches, conflict otherwise.
	var existingHash string
	err = s.pool.QueryRow(ctx,
		`SELECT payload_hash FROM marketdata_snapshot WHERE snapshot_id = $1`,
		snap.SnapshotID,
	).Scan(&existingHash)
	if err != nil {
		return fmt.Errorf("check existing market snapshot: %w", err)
	}
	if existingHash != snap.PayloadHash {
		return storage.ErrHashMismatch
	}
	return nil
}

// Get retrieves a snapshot by id. Returns ErrNotFound if not exists.
func (s *MarketSnapshotStore) Get(ctx context.Context, snapshotID string) (*domain.MarketSnapshot, error) {
	query := `
		SELECT snapshot_id, as_of_time, vendor, universe_id, payload, dq_status, payload_hash, created_at
		FROM marketdata_snapshot
		WHERE snapshot_id = $1
	`

	var (
		snap    domain.MarketSnapshot
		payload []byte
		status  string
	)
	err := s.pool.QueryRow(ctx, query, snapshotID).Scan(
		&snap.SnapshotID,
		&snap.AsOfTime,
		&snap.Vendor,
		&snap.UniverseID,
		&payload,
		&status,
		&snap.PayloadHash,
		&snap.CreatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get market snapshot: %w", err)
	}

	if err := json.Unmarshal(payload, &snap.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal market payload: %w", err)
	}
	snap.DQStatus = domain.DQStatus(status)
	return &snap, nil
}
