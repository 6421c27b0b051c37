package worker

import (
	"errors"

	"valuation-lab/internal/pricer"
	"valuation-lab/internal/storage"
)

// Failure kinds recorded against tasks and metrics. Each failure site
// classifies explicitly; there is no catch-all mapping from arbitrary errors.
const (
	kindUnknownProduct = "unknown_product"
	kindMissingInput   = "missing_input"
	kindPricerFault    = "pricer_fault"
	kindTransientIO    = "transient_io"
	kindResultConflict = "result_conflict"
	kindCancelled      = "cancelled"
)

// classifyPositionError maps a per-position pricing error to its kind.
// Per-position errors never fail the task; they are recorded and skipped.
func classifyPositionError(err error) string {
	switch {
	case errors.Is(err, pricer.ErrMissingInput):
		return kindMissingInput
	case errors.Is(err, storage.ErrNotFound):
		return kindMissingInput
	default:
		return kindPricerFault
	}
}

// classifyStoreError maps a storage operation error to (kind, retriable).
// NotFound at the worker means an input vanished, which retrying cannot fix;
// everything else from the store layer is transient I/O and retriable.
func classifyStoreError(err error) (string, bool) {
	if errors.Is(err, storage.ErrNotFound) {
		return kindMissingInput, false
	}
	return kindTransientIO, true
}
