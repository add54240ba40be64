package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Repo is an onboarded repository. The dispatcher treats the set of
// repos in an org as the candidate units for a daily run.
type Repo struct {
	ID        uuid.UUID `db:"id"`
	OrgID     string    `db:"org_id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

// CheckpointStatus is the lifecycle state of a metric checkpoint.
type CheckpointStatus string

const (
	CheckpointStatusPending   CheckpointStatus = "pending"
	CheckpointStatusRunning   CheckpointStatus = "running"
	CheckpointStatusCompleted CheckpointStatus = "completed"
	CheckpointStatusFailed    CheckpointStatus = "failed"
)

func (s CheckpointStatus) Valid() bool {
	switch s {
	case CheckpointStatusPending, CheckpointStatusRunning,
		CheckpointStatusCompleted, CheckpointStatusFailed:
		return true
	}
	return false
}

// MetricCheckpoint tracks the completion state of one metric
// computation per (org, repo, type, day) scope.
//
// RepoID is nullable: NULL represents an org-wide "finalize"
// checkpoint covering cross-repo aggregations.
type MetricCheckpoint struct {
	ID          uuid.UUID        `db:"id"`
	OrgID       string           `db:"org_id"`
	RepoID      uuid.NullUUID    `db:"repo_id"`
	MetricType  string           `db:"metric_type"`
	Day         time.Time        `db:"day"`
	Status      CheckpointStatus `db:"status"`
	StartedAt   sql.NullTime     `db:"started_at"`
	CompletedAt sql.NullTime     `db:"completed_at"`
	Error       sql.NullString   `db:"error"`
	WorkerID    sql.NullString   `db:"worker_id"`
	CreatedAt   time.Time        `db:"created_at"`
	UpdatedAt   time.Time        `db:"updated_at"`
}
