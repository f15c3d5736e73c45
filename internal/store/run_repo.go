package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models one crawl invocation.
type Run struct {
	ID uuid.UUID
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	Status     RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// StageStats aggregates item outcomes for one stage of a run.
type StageStats struct {
	RunID      uuid.UUID
	Stage      string
	LastUpdate time.Time
	Succeeded  int64
	Failed     int64
	// BytesTotal accumulates persisted bytes; only the downloader reports them.
	BytesTotal int64
}

// RunRepository persists crawl run history.
type RunRepository interface {
	// RecordRunStart inserts (or idempotently updates) the run as running.
	RecordRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// AddStageStats applies succeeded/failed/byte deltas for (run, stage).
	AddStageStats(ctx context.Context, delta StageStats) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs, newest first, filtered by optional status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunStages returns the stage counters of one run.
	ListRunStages(ctx context.Context, runID uuid.UUID) ([]StageStats, error)
}
