package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/image-crawler/internal/store"
)

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool Pool
}

// NewRunStore creates a RunStore over an existing pool.
func NewRunStore(pool Pool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// RecordRunStart inserts a run as running. Replaying the event is a no-op.
func (s *RunStore) RecordRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO crawl_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with a status and optional error message.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE crawl_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	res, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddStageStats adds the deltas to the (run, stage) counters.
func (s *RunStore) AddStageStats(ctx context.Context, delta store.StageStats) error {
	query := `
		INSERT INTO stage_stats (run_id, stage, last_update, succeeded, failed, bytes_total)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, stage) DO UPDATE
		SET succeeded = stage_stats.succeeded + EXCLUDED.succeeded,
			failed = stage_stats.failed + EXCLUDED.failed,
			bytes_total = stage_stats.bytes_total + EXCLUDED.bytes_total,
			last_update = GREATEST(stage_stats.last_update, EXCLUDED.last_update);
	`
	_, err := s.pool.Exec(ctx, query,
		delta.RunID,
		delta.Stage,
		delta.LastUpdate,
		delta.Succeeded,
		delta.Failed,
		delta.BytesTotal,
	)
	if err != nil {
		return fmt.Errorf("failed to add stage stats: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message
		FROM crawl_runs
		WHERE id = $1;
	`
	var run store.Run
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message
		FROM crawl_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var run store.Run
		if err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListRunStages retrieves the stage counters for a run.
func (s *RunStore) ListRunStages(ctx context.Context, runID uuid.UUID) ([]store.StageStats, error) {
	query := `
		SELECT run_id, stage, last_update, succeeded, failed, bytes_total
		FROM stage_stats
		WHERE run_id = $1
		ORDER BY stage;
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run stages: %w", err)
	}
	defer rows.Close()

	var stats []store.StageStats
	for rows.Next() {
		var stat store.StageStats
		if err := rows.Scan(
			&stat.RunID,
			&stat.Stage,
			&stat.LastUpdate,
			&stat.Succeeded,
			&stat.Failed,
			&stat.BytesTotal,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stage stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage stats: %w", err)
	}
	return stats, nil
}
