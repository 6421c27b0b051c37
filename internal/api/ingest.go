package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/idhash"
	"valuation-lab/internal/observability"
	"valuation-lab/internal/storage"
)

// IngestService is the market data snapshot ingest boundary.
type IngestService struct {
	snapshots storage.MarketSnapshotStore
	metrics   *observability.Metrics
	logger    *log.Logger
}

// IngestOptions for creating IngestService.
type IngestOptions struct {
	Snapshots storage.MarketSnapshotStore
	Metrics   *observability.Metrics
	Logger    *log.Logger
}

// NewIngestService creates the ingest boundary.
func NewIngestService(opts IngestOptions) *IngestService {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &IngestService{snapshots: opts.Snapshots, metrics: metrics, logger: logger}
}

// Router builds the chi router for the service.
func (s *IngestService) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", handleHealthz)
	r.Handle("/metrics", observability.Handler())

	r.Route("/api/v1/marketdata/snapshots", func(r chi.Router) {
		r.Post("/", s.handlePutSnapshot)
		r.Get("/{snapshotID}", s.handleGetSnapshot)
	})
	return r
}

type putMarketSnapshotRequest struct {
	SnapshotID string               `json:"snapshot_id"`
	AsOfTime   time.Time            `json:"as_of_time"`
	Vendor     string               `json:"vendor"`
	UniverseID string               `json:"universe_id"`
	Payload    domain.MarketPayload `json:"payload"`
	DQStatus   domain.DQStatus      `json:"dq_status"`
}

type putMarketSnapshotResponse struct {
	SnapshotID  string `json:"snapshot_id"`
	PayloadHash string `json:"payload_hash"`
}

func (s *IngestService) handlePutSnapshot(w http.ResponseWriter, r *http.Request) {
	var req putMarketSnapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.SnapshotID == "" {
		writeError(w, http.StatusBadRequest, "snapshot_id is required")
		return
	}
	if req.AsOfTime.IsZero() {
		writeError(w, http.StatusBadRequest, "as_of_time is required")
		return
	}
	if !req.DQStatus.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown dq_status %q", req.DQStatus))
		return
	}

	payloadHash, err := idhash.Hash(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("hash payload: %v", err))
		return
	}

	snap := &domain.MarketSnapshot{
		SnapshotID:  req.SnapshotID,
		AsOfTime:    req.AsOfTime.UTC(),
		Vendor:      req.Vendor,
		UniverseID:  req.UniverseID,
		Payload:     req.Payload,
		DQStatus:    req.DQStatus,
		PayloadHash: payloadHash,
	}
	if err := s.snapshots.Put(r.Context(), snap); err != nil {
		switch {
		case errors.Is(err, storage.ErrHashMismatch):
			writeError(w, http.StatusConflict,
				fmt.Sprintf("snapshot %s exists with different content", req.SnapshotID))
		case errors.Is(err, storage.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Printf("[ingest] put snapshot %s: %v", req.SnapshotID, err)
			writeError(w, http.StatusInternalServerError, "storage error")
		}
		return
	}

	s.metrics.SnapshotsStored.WithLabelValues("market").Inc()
	writeJSON(w, http.StatusCreated, putMarketSnapshotResponse{
		SnapshotID:  snap.SnapshotID,
		PayloadHash: snap.PayloadHash,
	})
}

type marketSnapshotResponse struct {
	SnapshotID  string               `json:"snapshot_id"`
	AsOfTime    time.Time            `json:"as_of_time"`
	Vendor      string               `json:"vendor"`
	UniverseID  string               `json:"universe_id"`
	Payload     domain.MarketPayload `json:"payload"`
	DQStatus    domain.DQStatus      `json:"dq_status"`
	PayloadHash string               `json:"payload_hash"`
	CreatedAt   time.Time            `json:"created_at"`
}

func (s *IngestService) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshotID := chi.URLParam(r, "snapshotID")

	snap, err := s.snapshots.Get(r.Context(), snapshotID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("snapshot %s not found", snapshotID))
			return
		}
		s.logger.Printf("[ingest] get snapshot %s: %v", snapshotID, err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	writeJSON(w, http.StatusOK, marketSnapshotResponse{
		SnapshotID:  snap.SnapshotID,
		AsOfTime:    snap.AsOfTime,
		Vendor:      snap.Vendor,
		UniverseID:  snap.UniverseID,
		Payload:     snap.Payload,
		DQStatus:    snap.DQStatus,
		PayloadHash: snap.PayloadHash,
		CreatedAt:   snap.CreatedAt,
	})
}
