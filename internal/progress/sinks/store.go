package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/image-crawler/internal/progress"
	"github.com/JakeFAU/image-crawler/internal/store"
)

// StoreSink persists run lifecycle and per-stage counters through a
// store.RunRepository. Item events are collapsed per (run, stage) before
// writing so a batch costs one upsert per stage.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes the batch. Run starts are written before stage counters and
// completions after them, so a batch holding a whole short crawl stays ordered.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*store.StageStats)
	var order []statsKey
	var finals []progress.Event

	for _, evt := range batch {
		runID := evt.CrawlUUID()
		switch evt.Kind {
		case progress.KindCrawlStart:
			if err := s.repo.RecordRunStart(ctx, runID, evt.TS); err != nil {
				return fmt.Errorf("record run start: %w", err)
			}
		case progress.KindCrawlDone, progress.KindCrawlError:
			finals = append(finals, evt)
		case progress.KindItemDone, progress.KindItemFailed:
			key := statsKey{runID: runID, stage: evt.Stage}
			stat := stats[key]
			if stat == nil {
				stat = &store.StageStats{RunID: runID, Stage: evt.Stage}
				stats[key] = stat
				order = append(order, key)
			}
			if evt.Kind == progress.KindItemDone {
				stat.Succeeded++
				stat.BytesTotal += evt.Bytes
			} else {
				stat.Failed++
			}
			if evt.TS.After(stat.LastUpdate) {
				stat.LastUpdate = evt.TS
			}
		}
	}

	for _, key := range order {
		if err := s.repo.AddStageStats(ctx, *stats[key]); err != nil {
			return fmt.Errorf("add stage stats: %w", err)
		}
	}
	for _, evt := range finals {
		if err := s.completeRun(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) completeRun(ctx context.Context, evt progress.Event) error {
	status := store.RunSuccess
	var note *string
	if evt.Kind == progress.KindCrawlError {
		status = store.RunError
		if evt.Note != "" {
			msg := evt.Note
			note = &msg
		}
	}
	if err := s.repo.CompleteRun(ctx, evt.CrawlUUID(), evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	s.logger.Debug("run recorded",
		zap.String("crawl_id", evt.CrawlUUID().String()),
		zap.String("status", string(status)),
		zap.Duration("dur", evt.Dur),
	)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	runID uuid.UUID
	stage string
}

