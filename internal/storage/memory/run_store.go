package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/image-crawler/internal/store"
)

// RunStore is an in-memory store.RunRepository.
type RunStore struct {
	mu     sync.RWMutex
	runs   map[uuid.UUID]store.Run
	stages map[uuid.UUID]map[string]store.StageStats
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:   make(map[uuid.UUID]store.Run),
		stages: make(map[uuid.UUID]map[string]store.StageStats),
	}
}

// RecordRunStart stores the run as running; a replay leaves the first record untouched.
func (s *RunStore) RecordRunStart(_ context.Context, runID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[runID]; exists {
		return nil
	}
	s.runs[runID] = store.Run{ID: runID, StartedAt: startedAt, Status: store.RunRunning}
	return nil
}

// CompleteRun marks a run finished.
func (s *RunStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = pointerTime(finishedAt)
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[runID] = run
	return nil
}

// AddStageStats adds the deltas to the (run, stage) counters.
func (s *RunStore) AddStageStats(_ context.Context, delta store.StageStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStage, ok := s.stages[delta.RunID]
	if !ok {
		byStage = make(map[string]store.StageStats)
		s.stages[delta.RunID] = byStage
	}
	cur, ok := byStage[delta.Stage]
	if !ok {
		cur = store.StageStats{RunID: delta.RunID, Stage: delta.Stage}
	}
	cur.Succeeded += delta.Succeeded
	cur.Failed += delta.Failed
	cur.BytesTotal += delta.BytesTotal
	if delta.LastUpdate.After(cur.LastUpdate) {
		cur.LastUpdate = delta.LastUpdate
	}
	byStage[delta.Stage] = cur
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	runs := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if offset >= len(runs) {
		return []store.Run{}, nil
	}
	runs = runs[max(offset, 0):]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

// ListRunStages returns the stage counters for a run, ordered by stage name.
func (s *RunStore) ListRunStages(_ context.Context, runID uuid.UUID) ([]store.StageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byStage := s.stages[runID]
	out := make([]store.StageStats, 0, len(byStage))
	for _, stat := range byStage {
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
