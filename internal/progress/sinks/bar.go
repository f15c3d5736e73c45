package sinks

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/JakeFAU/image-crawler/internal/progress"
)

// BarSink renders downloader completions as a terminal progress bar. The total
// is unknown up front, so the bar runs in spinner mode and shows a count.
type BarSink struct {
	mu     sync.Mutex
	bar    *progressbar.ProgressBar
	stage  string
	done   int64
	failed int64
}

// NewBarSink writes the bar to w, counting items of the given stage.
func NewBarSink(w io.Writer, stage string) *BarSink {
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(stage),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(40),
	)
	return &BarSink{bar: bar, stage: stage}
}

// Consume advances the bar for each finished item of the tracked stage.
func (s *BarSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		if evt.Stage != s.stage {
			continue
		}
		switch evt.Kind {
		case progress.KindItemDone:
			s.done++
		case progress.KindItemFailed:
			s.failed++
		default:
			continue
		}
		s.bar.Describe(fmt.Sprintf("%s (%d failed)", s.stage, s.failed))
		if err := s.bar.Add(1); err != nil {
			return fmt.Errorf("advance progress bar: %w", err)
		}
	}
	return nil
}

// Counts returns the completed and failed item totals seen so far.
func (s *BarSink) Counts() (done, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done, s.failed
}

// Close finishes the bar.
func (s *BarSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.bar.Finish(); err != nil {
		return fmt.Errorf("finish progress bar: %w", err)
	}
	return nil
}
