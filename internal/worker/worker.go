// Package worker implements the valuation worker: a loop that claims tasks
// from the lease queue, prices the positions of each task under every
// requested scenario, and writes results idempotently.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"valuation-lab/internal/domain"
	"valuation-lab/internal/idhash"
	"valuation-lab/internal/observability"
	"valuation-lab/internal/pricer"
	"valuation-lab/internal/scenario"
	"valuation-lab/internal/storage"
)

const (
	defaultLease       = 60 * time.Second
	defaultIdleSleep   = 500 * time.Millisecond
	heartbeatPositions = 25
	resultBatchSize    = 100
	maxDigestErrors    = 5
	snapshotCacheSize  = 64
)

// Worker processes one task at a time; run several workers as peers for
// parallelism. All coordination goes through the database.
type Worker struct {
	queue             storage.TaskQueue
	runs              storage.RunStore
	marketSnapshots   storage.MarketSnapshotStore
	positionSnapshots storage.PositionSnapshotStore
	results           storage.ResultStore
	analytics         storage.ResultAnalyticsSink
	instruments       InstrumentSource
	registry          *pricer.Registry
	scenarios         *scenario.Engine

	workerID  string
	lease     time.Duration
	idleSleep time.Duration

	marketCache   *snapshotCache[*domain.MarketSnapshot]
	positionCache *snapshotCache[*domain.PositionSnapshot]

	metrics *observability.Metrics
	verbose bool
	logger  *log.Logger
}

// Options for creating a Worker.
type Options struct {
	Queue             storage.TaskQueue
	Runs              storage.RunStore
	MarketSnapshots   storage.MarketSnapshotStore
	PositionSnapshots storage.PositionSnapshotStore
	Results           storage.ResultStore

	// Analytics is optional; when set, finished results are mirrored
	// best-effort after the task succeeds.
	Analytics storage.ResultAnalyticsSink

	// Instruments is optional; without it, positions lacking embedded
	// instrument terms are recorded as missing-input errors.
	Instruments InstrumentSource

	Registry  *pricer.Registry
	Scenarios *scenario.Engine

	// WorkerID must be unique among peers. Empty generates one.
	WorkerID string
	// Lease is the claim lease duration. Zero means 60s.
	Lease time.Duration
	// IdleSleep is the pause after an empty claim. Zero means 500ms.
	IdleSleep time.Duration

	Metrics *observability.Metrics
	Verbose bool
	Logger  *log.Logger
}

// New creates a new Worker.
func New(opts Options) *Worker {
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	idleSleep := opts.IdleSleep
	if idleSleep <= 0 {
		idleSleep = defaultIdleSleep
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		queue:             opts.Queue,
		runs:              opts.Runs,
		marketSnapshots:   opts.MarketSnapshots,
		positionSnapshots: opts.PositionSnapshots,
		results:           opts.Results,
		analytics:         opts.Analytics,
		instruments:       opts.Instruments,
		registry:          opts.Registry,
		scenarios:         opts.Scenarios,
		workerID:          workerID,
		lease:             lease,
		idleSleep:         idleSleep,
		marketCache:       newSnapshotCache[*domain.MarketSnapshot](snapshotCacheSize),
		positionCache:     newSnapshotCache[*domain.PositionSnapshot](snapshotCacheSize),
		metrics:           metrics,
		verbose:           opts.Verbose,
		logger:            logger,
	}
}

// WorkerID returns the unique worker identity used for leases.
func (w *Worker) WorkerID() string {
	return w.workerID
}

// Run loops until ctx is cancelled: reap, claim, execute, repeat.
func (w *Worker) Run(ctx context.Context) error {
	w.log("worker %s starting (lease=%s idle=%s)", w.workerID, w.lease, w.idleSleep)
	for {
		select {
		case <-ctx.Done():
			w.log("worker %s stopping", w.workerID)
			return nil
		default:
		}

		worked, err := w.ProcessOne(ctx)
		if err != nil {
			w.logger.Printf("[worker] %s: claim cycle error: %v", w.workerID, err)
			if !w.sleep(ctx, w.idleSleep) {
				return nil
			}
			continue
		}
		if !worked {
			w.metrics.QueueIdlePolls.Inc()
			if !w.sleep(ctx, w.idleSleep) {
				return nil
			}
		}
	}
}

// ProcessOne performs one reap-claim-execute cycle. It reports whether a task
// was claimed; an error means the claim itself failed, never the task body.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	requeued, deadRuns, err := w.queue.Reap(ctx)
	if err != nil {
		w.logger.Printf("[worker] %s: reap: %v", w.workerID, err)
	} else {
		if requeued > 0 {
			w.metrics.TasksReaped.Add(float64(requeued))
			w.log("reaped %d lapsed leases", requeued)
		}
		for _, runID := range deadRuns {
			w.finalizeRun(ctx, runID)
		}
	}

	task, err := w.queue.Claim(ctx, w.workerID, w.lease)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if task == nil {
		return false, nil
	}

	w.metrics.TasksClaimed.Inc()
	w.executeTask(ctx, task)
	return true, nil
}

// executeTask runs one claimed task to a terminal queue call (succeed or
// fail). Per-position errors are recorded and skipped; only task-level
// failures end the task early.
func (w *Worker) executeTask(ctx context.Context, task *domain.RunTask) {
	start := time.Now()
	defer func() {
		w.metrics.TaskDuration.Observe(time.Since(start).Seconds())
	}()

	run, err := w.runs.Get(ctx, task.RunID)
	if err != nil {
		kind, retriable := classifyStoreError(err)
		w.failTask(ctx, task, kind, retriable, fmt.Sprintf("load run: %v", err))
		return
	}
	market, err := w.loadMarketSnapshot(ctx, run.MarketSnapshotID)
	if err != nil {
		kind, retriable := classifyStoreError(err)
		w.failTask(ctx, task, kind, retriable, fmt.Sprintf("load market snapshot %s: %v", run.MarketSnapshotID, err))
		return
	}
	positions, err := w.loadPositionSnapshot(ctx, task.PositionSnapshotID)
	if err != nil {
		kind, retriable := classifyStoreError(err)
		w.failTask(ctx, task, kind, retriable, fmt.Sprintf("load position snapshot %s: %v", task.PositionSnapshotID, err))
		return
	}
	p, err := w.registry.Get(task.ProductType)
	if err != nil {
		w.failTask(ctx, task, kindUnknownProduct, false, err.Error())
		return
	}

	hb := &heartbeatTracker{last: start, interval: w.lease / 3}
	var (
		posErrors []string
		pending   []*domain.ValuationResult
		written   []*domain.ValuationResult
		priced    int
	)

	recordPosError := func(kind, msg string) {
		w.metrics.PositionErrors.WithLabelValues(kind).Inc()
		posErrors = append(posErrors, msg)
	}

	for i := range positions.Positions {
		pos := positions.Positions[i]
		if pos.ProductType != task.ProductType {
			continue
		}
		if idhash.Bucket(pos.PositionID, task.HashMod) != task.HashBucket {
			continue
		}

		instrument, err := w.resolveInstrument(ctx, pos)
		if err != nil {
			recordPosError(kindMissingInput, fmt.Sprintf("%s: instrument: %v", pos.PositionID, err))
			continue
		}
		posHash, err := idhash.Hash(pos)
		if err != nil {
			recordPosError(kindMissingInput, fmt.Sprintf("%s: hash position: %v", pos.PositionID, err))
			continue
		}
		instHash, err := idhash.Hash(instrument)
		if err != nil {
			recordPosError(kindMissingInput, fmt.Sprintf("%s: hash instrument: %v", pos.PositionID, err))
			continue
		}

		for _, ref := range run.Scenarios {
			shocked, err := w.scenarios.Apply(market, ref.ScenarioID)
			if err != nil {
				recordPosError(kindMissingInput, fmt.Sprintf("%s/%s: %v", pos.PositionID, ref.ScenarioID, err))
				continue
			}

			t0 := time.Now()
			measures, err := p.Price(pos, instrument, shocked, run.Measures, ref.ScenarioID)
			elapsed := time.Since(t0)
			w.metrics.PricingLatency.WithLabelValues(task.ProductType).Observe(elapsed.Seconds())
			if err != nil {
				recordPosError(classifyPositionError(err), fmt.Sprintf("%s/%s: %v", pos.PositionID, ref.ScenarioID, err))
				continue
			}

			pending = append(pending, &domain.ValuationResult{
				RunID:           run.RunID,
				PositionID:      pos.PositionID,
				ScenarioID:      ref.ScenarioID,
				PortfolioNodeID: task.PortfolioNodeID,
				ProductType:     task.ProductType,
				BaseCurrency:    pos.BaseCurrency,
				Measures:        measures,
				ComputeMeta: domain.ComputeMeta{
					Pricer:        p.Name(),
					PricerVersion: p.Version(),
					WorkerID:      w.workerID,
					ElapsedMicros: elapsed.Microseconds(),
				},
				InputHash: idhash.InputHash(market.PayloadHash, posHash, instHash, p.Version(), ref.ScenarioID),
			})
		}
		priced++
		w.metrics.PositionsPriced.Inc()

		if len(pending) >= resultBatchSize {
			if !w.flushResults(ctx, task, &pending, &written, recordPosError) {
				return
			}
		}
		if hb.due(priced) {
			hb.reset(priced)
			if !w.heartbeat(ctx, task, &pending, &written, recordPosError) {
				return
			}
		}
	}

	if !w.flushResults(ctx, task, &pending, &written, recordPosError) {
		return
	}

	note := ""
	if len(posErrors) > 0 {
		note = fmt.Sprintf("%d position errors: %s", len(posErrors), digest(posErrors))
	}
	if err := w.queue.Succeed(ctx, task.TaskID, w.workerID, note); err != nil {
		if errors.Is(err, storage.ErrLeaseLost) {
			w.metrics.LeasesLost.Inc()
			w.log("task %s: lease lost at succeed", task.TaskID)
			return
		}
		w.logger.Printf("[worker] %s: succeed task %s: %v", w.workerID, task.TaskID, err)
		return
	}
	w.metrics.TasksSucceeded.Inc()
	w.log("task %s succeeded: %d positions, %d results, %d errors",
		task.TaskID, priced, len(written), len(posErrors))

	w.mirror(ctx, task, written)
	w.finalizeRun(ctx, task.RunID)
}

// flushResults upserts pending results in one batch. Conflict diagnostics are
// recorded against the task; a storage error fails the task (retriable) and
// returns false.
func (w *Worker) flushResults(ctx context.Context, task *domain.RunTask, pending, written *[]*domain.ValuationResult, recordPosError func(kind, msg string)) bool {
	if len(*pending) == 0 {
		return true
	}

	conflicts, err := w.results.UpsertBatch(ctx, *pending)
	if err != nil {
		kind, retriable := classifyStoreError(err)
		w.failTask(ctx, task, kind, retriable, fmt.Sprintf("write results: %v", err))
		return false
	}
	for _, c := range conflicts {
		w.metrics.ResultConflicts.Inc()
		recordPosError(kindResultConflict, c)
	}
	w.metrics.ResultsWritten.Add(float64(len(*pending)))
	*written = append(*written, *pending...)
	*pending = (*pending)[:0]
	return true
}

// heartbeat extends the lease and observes cancellation. Returns false when
// the task body must stop (lease lost or run cancelling).
func (w *Worker) heartbeat(ctx context.Context, task *domain.RunTask, pending, written *[]*domain.ValuationResult, recordPosError func(kind, msg string)) bool {
	err := w.queue.Heartbeat(ctx, task.TaskID, w.workerID, w.lease)
	switch {
	case err == nil:
		w.metrics.HeartbeatsSent.Inc()
		return true
	case errors.Is(err, storage.ErrRunCancelling):
		// Finish the writes already priced, then stop cooperatively.
		w.flushResults(ctx, task, pending, written, recordPosError)
		w.failTask(ctx, task, kindCancelled, false, "run cancelled")
		return false
	case errors.Is(err, storage.ErrLeaseLost):
		w.metrics.LeasesLost.Inc()
		w.log("task %s: lease lost at heartbeat", task.TaskID)
		return false
	default:
		// Transient heartbeat trouble; the lease is still live, keep going
		// and retry at the next boundary.
		w.logger.Printf("[worker] %s: heartbeat task %s: %v", w.workerID, task.TaskID, err)
		return true
	}
}

// failTask records a classified failure and finalizes the run.
func (w *Worker) failTask(ctx context.Context, task *domain.RunTask, kind string, retriable bool, msg string) {
	w.metrics.TasksFailed.WithLabelValues(kind, fmt.Sprintf("%t", retriable)).Inc()
	if !retriable || task.Attempt >= task.MaxAttempts {
		w.metrics.TasksDead.Inc()
	}
	w.log("task %s failed (%s, retriable=%t): %s", task.TaskID, kind, retriable, msg)

	err := w.queue.Fail(ctx, task.TaskID, w.workerID, fmt.Sprintf("%s: %s", kind, msg), retriable)
	if err != nil {
		if errors.Is(err, storage.ErrLeaseLost) {
			w.metrics.LeasesLost.Inc()
			return
		}
		w.logger.Printf("[worker] %s: fail task %s: %v", w.workerID, task.TaskID, err)
		return
	}
	w.finalizeRun(ctx, task.RunID)
}

// finalizeRun applies the completion rules and records terminal transitions.
func (w *Worker) finalizeRun(ctx context.Context, runID string) {
	status, err := w.runs.FinalizeIfDone(ctx, runID)
	if err != nil {
		w.logger.Printf("[worker] %s: finalize run %s: %v", w.workerID, runID, err)
		return
	}
	if status.Terminal() {
		w.metrics.RunTransitions.WithLabelValues(string(status)).Inc()
		w.log("run %s is %s", runID, status)
	}
}

// mirror pushes finished results to the analytics sink. Best-effort: a mirror
// failure is logged, never propagated into task state.
func (w *Worker) mirror(ctx context.Context, task *domain.RunTask, results []*domain.ValuationResult) {
	if w.analytics == nil || len(results) == 0 {
		return
	}
	if err := w.analytics.MirrorResults(ctx, results); err != nil {
		w.logger.Printf("[worker] %s: mirror %d results of task %s: %v",
			w.workerID, len(results), task.TaskID, err)
		return
	}
	w.metrics.ResultsMirrored.Add(float64(len(results)))
}

// resolveInstrument prefers the embedded terms and falls back to the external
// source when one is configured.
func (w *Worker) resolveInstrument(ctx context.Context, pos domain.Position) (map[string]any, error) {
	if len(pos.Instrument) > 0 {
		return pos.Instrument, nil
	}
	if pos.InstrumentID != "" && w.instruments != nil {
		inst, err := w.instruments.GetInstrument(ctx, pos.InstrumentID)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", pos.InstrumentID, err)
		}
		return inst, nil
	}
	return nil, fmt.Errorf("%w: no embedded instrument and no lookup source", pricer.ErrMissingInput)
}

func (w *Worker) loadMarketSnapshot(ctx context.Context, snapshotID string) (*domain.MarketSnapshot, error) {
	if snap, ok := w.marketCache.get(snapshotID); ok {
		return snap, nil
	}
	snap, err := w.marketSnapshots.Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	w.marketCache.put(snap.SnapshotID+"|"+snap.PayloadHash, snap)
	w.marketCache.put(snapshotID, snap)
	return snap, nil
}

func (w *Worker) loadPositionSnapshot(ctx context.Context, snapshotID string) (*domain.PositionSnapshot, error) {
	if snap, ok := w.positionCache.get(snapshotID); ok {
		return snap, nil
	}
	snap, err := w.positionSnapshots.Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	w.positionCache.put(snapshotID, snap)
	return snap, nil
}

// sleep pauses for d or until ctx is done; reports whether to keep running.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) log(format string, args ...interface{}) {
	if w.verbose {
		w.logger.Printf("[worker] "+format, args...)
	}
}

// heartbeatTracker decides when a heartbeat is due: every N positions or a
// third of the lease, whichever comes first.
type heartbeatTracker struct {
	last      time.Time
	interval  time.Duration
	positions int
}

func (h *heartbeatTracker) due(priced int) bool {
	if priced-h.positions >= heartbeatPositions {
		return true
	}
	return time.Since(h.last) >= h.interval
}

func (h *heartbeatTracker) reset(priced int) {
	h.last = time.Now()
	h.positions = priced
}

// digest joins the first few error strings for the task-level note.
func digest(errs []string) string {
	if len(errs) <= maxDigestErrors {
		return strings.Join(errs, "; ")
	}
	return strings.Join(errs[:maxDigestErrors], "; ") + fmt.Sprintf("; and %d more", len(errs)-maxDigestErrors)
}
