package storage

import (
	"context"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"
)

// ResultSink persists the terminal snapshot of a finished run back into the
// dashboard's store, so requirement/test-case views can show the last known
// execution status. The pipeline itself has no durability requirement; a nil
// sink simply disables persistence.
type ResultSink interface {
	// SaveRun stores the terminal snapshot of one run.
	SaveRun(ctx context.Context, snap models.RunSnapshot) error

	// GetRun retrieves a previously persisted snapshot by request id.
	GetRun(ctx context.Context, requestID string) (*models.RunSnapshot, error)

	// ListRuns returns the most recent persisted snapshots, newest first.
	ListRuns(ctx context.Context, limit int) ([]models.RunSnapshot, error)

	// Close releases any resources held by the sink (e.g., DB connections).
	Close() error
}
