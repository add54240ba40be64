// Package pipeline implements the daily metric computation run: a
// dispatcher that fans candidate repositories out into batches, a
// batch worker that computes units behind per-unit checkpoints, and a
// finalize worker that fires once per day after every batch has
// returned.
//
// The actual metric computation and the analytics store are consumed
// through narrow interfaces so the coordination layer stays testable
// without either.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultBatchSize is the fallback partition size when neither a
// per-run override nor a configured default is present.
const DefaultBatchSize = 5

// RepoDiscoverer enumerates the repositories an org has onboarded.
// The dispatcher treats the returned slice as the authoritative
// candidate list for a run.
type RepoDiscoverer interface {
	DiscoverRepoIDs(ctx context.Context, orgID string) ([]uuid.UUID, error)
}

// UnitParams identifies one unit of metric computation.
type UnitParams struct {
	OrgID      string
	RepoID     uuid.UUID
	MetricType string
	Day        time.Time
}

// UnitRunner computes the metric for a single (repo, day) unit. The
// pipeline records the outcome in the checkpoint store; the runner
// owns everything else.
type UnitRunner interface {
	RunUnit(ctx context.Context, params UnitParams) error
}

// FinalizeParams identifies one org-wide finalize pass.
type FinalizeParams struct {
	OrgID      string
	MetricType string
	Day        time.Time
}

// Finalizer performs computation that needs every unit of the day to
// be present, such as cross-repo rollups.
type Finalizer interface {
	FinalizeDay(ctx context.Context, params FinalizeParams) error
}

// CacheInvalidator evicts cached query results for a finished day so
// dashboards pick up the fresh numbers.
type CacheInvalidator interface {
	InvalidateMetricsDay(ctx context.Context, orgID string, day time.Time) error
}
