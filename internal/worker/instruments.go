package worker

import (
	"context"
	"sync"

	"valuation-lab/internal/storage"
)

// InstrumentSource resolves instrument terms for positions that reference an
// external instrument id instead of embedding the terms. The default layout
// embeds instruments, so deployments may run without a source at all.
type InstrumentSource interface {
	// GetInstrument returns the instrument record for an id, or
	// storage.ErrNotFound.
	GetInstrument(ctx context.Context, instrumentID string) (map[string]any, error)
}

// StaticInstrumentSource is a fixed in-memory instrument catalogue.
type StaticInstrumentSource struct {
	mu          sync.RWMutex
	instruments map[string]map[string]any
}

// NewStaticInstrumentSource creates a source over the given catalogue.
func NewStaticInstrumentSource(instruments map[string]map[string]any) *StaticInstrumentSource {
	if instruments == nil {
		instruments = make(map[string]map[string]any)
	}
	return &StaticInstrumentSource{instruments: instruments}
}

// Compile-time interface check.
var _ InstrumentSource = (*StaticInstrumentSource)(nil)

// GetInstrument implements InstrumentSource.
func (s *StaticInstrumentSource) GetInstrument(_ context.Context, instrumentID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[instrumentID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make(map[string]any, len(inst))
	for k, v := range inst {
		out[k] = v
	}
	return out, nil
}
