package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/idhash"
	"valuation-lab/internal/observability"
	"valuation-lab/internal/orchestrator"
	"valuation-lab/internal/storage"
)

// OrchestratorService is the run submission/status/cancel boundary. It also
// carries the position snapshot endpoints since run submission depends on them.
type OrchestratorService struct {
	orch      *orchestrator.Orchestrator
	runs      storage.RunStore
	positions storage.PositionSnapshotStore
	metrics   *observability.Metrics
	logger    *log.Logger
}

// OrchestratorOptions for creating OrchestratorService.
type OrchestratorOptions struct {
	Orchestrator *orchestrator.Orchestrator
	Runs         storage.RunStore
	Positions    storage.PositionSnapshotStore
	Metrics      *observability.Metrics
	Logger       *log.Logger
}

// NewOrchestratorService creates the orchestrator boundary.
func NewOrchestratorService(opts OrchestratorOptions) *OrchestratorService {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &OrchestratorService{
		orch:      opts.Orchestrator,
		runs:      opts.Runs,
		positions: opts.Positions,
		metrics:   metrics,
		logger:    logger,
	}
}

// Router builds the chi router for the service.
func (s *OrchestratorService) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", handleHealthz)
	r.Handle("/metrics", observability.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleSubmitRun)
			r.Get("/", s.handleListRuns)
			r.Get("/{runID}", s.handleGetRun)
			r.Get("/{runID}/tasks", s.handleListTasks)
			r.Post("/{runID}:cancel", s.handleCancelRun)
		})
		r.Route("/position-snapshots", func(r chi.Router) {
			r.Post("/", s.handlePutPositionSnapshot)
			r.Get("/{snapshotID}", s.handleGetPositionSnapshot)
		})
	})
	return r
}

type submitRunRequest struct {
	RunID            string    `json:"run_id"`
	RunType          string    `json:"run_type"`
	AsOfTime         time.Time `json:"as_of_time"`
	MarketSnapshotID string    `json:"market_snapshot_id"`
	PortfolioScope   struct {
		NodeIDs []string `json:"node_ids"`
	} `json:"portfolio_scope"`
	Measures  []string             `json:"measures"`
	Scenarios []domain.ScenarioRef `json:"scenarios"`
	Execution struct {
		HashMod int `json:"hash_mod"`
	} `json:"execution"`
}

type submitRunResponse struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	TaskCount int    `json:"task_count"`
}

func (s *OrchestratorService) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}

	result, err := s.orch.SubmitRun(r.Context(), &orchestrator.SubmitRequest{
		RunID:            req.RunID,
		RunType:          domain.RunType(req.RunType),
		AsOfTime:         req.AsOfTime,
		MarketSnapshotID: req.MarketSnapshotID,
		PortfolioScope:   req.PortfolioScope.NodeIDs,
		Measures:         req.Measures,
		Scenarios:        req.Scenarios,
		HashMod:          req.Execution.HashMod,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicateKey):
			s.metrics.RunsSubmitted.WithLabelValues("conflict").Inc()
			writeError(w, http.StatusConflict, fmt.Sprintf("run %s already exists", req.RunID))
		case errors.Is(err, storage.ErrNotFound):
			s.metrics.RunsSubmitted.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, storage.ErrInvalidInput),
			errors.Is(err, orchestrator.ErrSnapshotNotAdmissible),
			errors.Is(err, orchestrator.ErrEmptyFanOut):
			s.metrics.RunsSubmitted.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Printf("[orchestrator-api] submit run: %v", err)
			writeError(w, http.StatusInternalServerError, "storage error")
		}
		return
	}

	s.metrics.RunsSubmitted.WithLabelValues("accepted").Inc()
	s.metrics.TasksFannedOut.Add(float64(result.TaskCount))
	writeJSON(w, http.StatusCreated, submitRunResponse{
		RunID:     result.Run.RunID,
		Status:    string(result.Run.Status),
		TaskCount: result.TaskCount,
	})
}

type taskCountsResponse struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Dead      int `json:"dead"`
	Total     int `json:"total"`
}

type runResponse struct {
	RunID            string               `json:"run_id"`
	RunType          string               `json:"run_type"`
	Status           string               `json:"status"`
	AsOfTime         time.Time            `json:"as_of_time"`
	MarketSnapshotID string               `json:"market_snapshot_id"`
	Measures         []string             `json:"measures"`
	Scenarios        []domain.ScenarioRef `json:"scenarios"`
	PortfolioScope   []string             `json:"portfolio_scope"`
	HashMod          int                  `json:"hash_mod"`
	RequestedAt      time.Time            `json:"requested_at"`
	StartedAt        *time.Time           `json:"started_at,omitempty"`
	CompletedAt      *time.Time           `json:"completed_at,omitempty"`
	Summary          string               `json:"summary,omitempty"`
	Error            string               `json:"error,omitempty"`
	TaskCounts       *taskCountsResponse  `json:"task_counts,omitempty"`
}

func runToResponse(run *domain.Run) runResponse {
	return runResponse{
		RunID:            run.RunID,
		RunType:          string(run.RunType),
		Status:           string(run.Status),
		AsOfTime:         run.AsOfTime,
		MarketSnapshotID: run.MarketSnapshotID,
		Measures:         run.Measures,
		Scenarios:        run.Scenarios,
		PortfolioScope:   run.PortfolioScope,
		HashMod:          run.HashMod,
		RequestedAt:      run.RequestedAt,
		StartedAt:        run.StartedAt,
		CompletedAt:      run.CompletedAt,
		Summary:          run.Summary,
		Error:            run.Error,
	}
}

func (s *OrchestratorService) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	status, err := s.orch.Status(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
			return
		}
		s.logger.Printf("[orchestrator-api] get run %s: %v", runID, err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	resp := runToResponse(status.Run)
	resp.TaskCounts = &taskCountsResponse{
		Queued:    status.Counts.Queued,
		Running:   status.Counts.Running,
		Succeeded: status.Counts.Succeeded,
		Failed:    status.Counts.Failed,
		Dead:      status.Counts.Dead,
		Total:     status.Counts.Total(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *OrchestratorService) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		s.logger.Printf("[orchestrator-api] list runs: %v", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

type taskResponse struct {
	TaskID             string     `json:"task_id"`
	RunID              string     `json:"run_id"`
	PortfolioNodeID    string     `json:"portfolio_node_id"`
	ProductType        string     `json:"product_type"`
	PositionSnapshotID string     `json:"position_snapshot_id"`
	HashBucket         int        `json:"hash_bucket"`
	Status             string     `json:"status"`
	Attempt            int        `json:"attempt"`
	MaxAttempts        int        `json:"max_attempts"`
	LeasedUntil        *time.Time `json:"leased_until,omitempty"`
	LeaseOwner         string     `json:"lease_owner,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (s *OrchestratorService) handleListTasks(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if _, err := s.runs.Get(r.Context(), runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
			return
		}
		s.logger.Printf("[orchestrator-api] get run %s: %v", runID, err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	tasks, err := s.runs.ListTasks(r.Context(), runID)
	if err != nil {
		s.logger.Printf("[orchestrator-api] list tasks of %s: %v", runID, err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse{
			TaskID:             t.TaskID,
			RunID:              t.RunID,
			PortfolioNodeID:    t.PortfolioNodeID,
			ProductType:        t.ProductType,
			PositionSnapshotID: t.PositionSnapshotID,
			HashBucket:         t.HashBucket,
			Status:             string(t.Status),
			Attempt:            t.Attempt,
			MaxAttempts:        t.MaxAttempts,
			LeasedUntil:        t.LeasedUntil,
			LeaseOwner:         t.LeaseOwner,
			LastError:          t.LastError,
			UpdatedAt:          t.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *OrchestratorService) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if err := s.orch.Cancel(r.Context(), runID); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		case errors.Is(err, storage.ErrInvalidInput):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Printf("[orchestrator-api] cancel run %s: %v", runID, err)
			writeError(w, http.StatusInternalServerError, "storage error")
		}
		return
	}

	run, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		s.logger.Printf("[orchestrator-api] get run %s after cancel: %v", runID, err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(run.Status),
	})
}

type putPositionSnapshotRequest struct {
	PortfolioNodeID string            `json:"portfolio_node_id"`
	AsOfTime        time.Time         `json:"as_of_time"`
	Positions       []domain.Position `json:"positions"`
}

type putPositionSnapshotResponse struct {
	PositionSnapshotID string `json:"position_snapshot_id"`
	PayloadHash        string `json:"payload_hash"`
}

func (s *OrchestratorService) handlePutPositionSnapshot(w http.ResponseWriter, r *http.Request) {
	var req putPositionSnapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.PortfolioNodeID == "" {
		writeError(w, http.StatusBadRequest, "portfolio_node_id is required")
		return
	}
	if req.AsOfTime.IsZero() {
		writeError(w, http.StatusBadRequest, "as_of_time is required")
		return
	}

	payloadHash, err := idhash.Hash(req.Positions)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("hash positions: %v", err))
		return
	}

	snap := &domain.PositionSnapshot{
		PositionSnapshotID: idhash.PositionSnapshotID(req.PortfolioNodeID, payloadHash),
		AsOfTime:           req.AsOfTime.UTC(),
		PortfolioNodeID:    req.PortfolioNodeID,
		Positions:          req.Positions,
		PayloadHash:        payloadHash,
	}
	id, err := s.positions.Put(r.Context(), snap)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Printf("[orchestrator-api] put position snapshot for %s: %v", req.PortfolioNodeID, err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	s.metrics.SnapshotsStored.WithLabelValues("position").Inc()
	writeJSON(w, http.StatusCreated, putPositionSnapshotResponse{
		PositionSnapshotID: id,
		PayloadHash:        payloadHash,
	})
}

type positionSnapshotResponse struct {
	PositionSnapshotID string            `json:"position_snapshot_id"`
	AsOfTime           time.Time         `json:"as_of_time"`
	PortfolioNodeID    string            `json:"portfolio_node_id"`
	Positions          []domain.Position `json:"positions"`
	PayloadHash        string            `json:"payload_hash"`
	CreatedAt          time.Time         `json:"created_at"`
}

func (s *OrchestratorService) handleGetPositionSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshotID := chi.URLParam(r, "snapshotID")

	snap, err := s.positions.Get(r.Context(), snapshotID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("position snapshot %s not found", snapshotID))
			return
		}
		s.logger.Printf("[orchestrator-api] get position snapshot %s: %v", snapshotID, err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	writeJSON(w, http.StatusOK, positionSnapshotResponse{
		PositionSnapshotID: snap.PositionSnapshotID,
		AsOfTime:           snap.AsOfTime,
		PortfolioNodeID:    snap.PortfolioNodeID,
		Positions:          snap.Positions,
		PayloadHash:        snap.PayloadHash,
		CreatedAt:          snap.CreatedAt,
	})
}
