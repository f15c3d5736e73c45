// Package worker implements the reusable stage worker pool that drives each crawl stage.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/image-crawler/internal/metrics"
	"github.com/JakeFAU/image-crawler/internal/queue/memory"
)

var (
	// ErrInvalidWorkers is returned when a pool is started with fewer than one worker.
	ErrInvalidWorkers = errors.New("worker count must be >= 1")
	// ErrAlreadyStarted is returned when Start is called twice on the same pool.
	ErrAlreadyStarted = errors.New("pool already started")
)

// Handler processes a single input item. It may call emit zero or more times to
// push results to the stage's output queue. A non-nil error drops the item unless
// it is wrapped with Fatal.
type Handler[In, Out any] func(ctx context.Context, item In, emit func(Out) error) error

type fatalError struct{ err error }

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as unrecoverable: the pool stops and reports it instead of
// moving on to the next item.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was produced by Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Pool runs a fixed number of workers that pop from in, invoke the handler,
// and push results to out. When the last worker exits the pool closes out so
// the downstream stage can drain and finish.
type Pool[In, Out any] struct {
	name   string
	in     *memory.Queue[In]
	out    *memory.Queue[Out]
	handle Handler[In, Out]
	logger *zap.Logger
	// describe names an item in logs; nil logs no item field.
	describe func(In) string
	started  atomic.Bool
	active   atomic.Int64
	alive    atomic.Int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	errs  []error
}

// New constructs a Pool. out may be nil for a terminal stage.
func New[In, Out any](
	name string,
	in *memory.Queue[In],
	out *memory.Queue[Out],
	handle Handler[In, Out],
	logger *zap.Logger,
) *Pool[In, Out] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool[In, Out]{
		name:   name,
		in:     in,
		out:    out,
		handle: handle,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// WithDescriber sets how failed items are identified in logs. It must be
// called before Start.
func (p *Pool[In, Out]) WithDescriber(describe func(In) string) *Pool[In, Out] {
	p.describe = describe
	return p
}

// Name returns the stage name.
func (p *Pool[In, Out]) Name() string { return p.name }

// Start spawns workers goroutines and returns immediately.
func (p *Pool[In, Out]) Start(ctx context.Context, workers int) error {
	if workers < 1 {
		return fmt.Errorf("%s: %w (got %d)", p.name, ErrInvalidWorkers, workers)
	}
	if p.in == nil || p.handle == nil {
		return fmt.Errorf("%s: input queue and handler are required", p.name)
	}
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", p.name, ErrAlreadyStarted)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.alive.Store(int64(workers))
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run(runCtx, i)
	}
	go func() {
		p.wg.Wait()
		cancel()
		if p.out != nil {
			p.out.Close()
		}
		close(p.done)
	}()
	return nil
}

// Done is closed once every worker has exited and the output queue is closed.
func (p *Pool[In, Out]) Done() <-chan struct{} { return p.done }

// Active reports workers currently inside the handler, including while emitting.
func (p *Pool[In, Out]) Active() int { return int(p.active.Load()) }

// Alive reports workers that have not yet exited their loop.
func (p *Pool[In, Out]) Alive() int { return int(p.alive.Load()) }

// Err returns the fatal errors recorded by the pool, joined.
func (p *Pool[In, Out]) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return errors.Join(p.errs...)
}

func (p *Pool[In, Out]) run(ctx context.Context, index int) {
	defer p.wg.Done()
	defer p.alive.Add(-1)
	logger := p.logger.With(zap.Int("worker", index))

	for {
		// Stop taking input once canceled, even while the queue still holds items.
		if ctx.Err() != nil {
			return
		}
		item, err := p.in.Pop(ctx)
		if err != nil {
			if errors.Is(err, memory.ErrClosed) || ctx.Err() != nil {
				return
			}
			p.fail(fmt.Errorf("%s: dequeue: %w", p.name, err))
			return
		}
		if err := p.process(ctx, item, logger); err != nil {
			if IsFatal(err) {
				p.fail(fmt.Errorf("%s: %w", p.name, err))
				return
			}
			if ctx.Err() != nil {
				return
			}
			fields := []zap.Field{zap.Error(err)}
			if p.describe != nil {
				fields = append(fields, zap.String("item", p.describe(item)))
			}
			logger.Warn("item failed", fields...)
		}
	}
}

func (p *Pool[In, Out]) process(ctx context.Context, item In, logger *zap.Logger) (err error) {
	p.active.Add(1)
	metrics.IncActiveWorkers(p.name)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
		metrics.DecActiveWorkers(p.name)
		p.active.Add(-1)
	}()
	return p.handle(ctx, item, func(out Out) error {
		return p.emit(ctx, out)
	})
}

func (p *Pool[In, Out]) emit(ctx context.Context, item Out) error {
	if p.out == nil {
		return Fatal(fmt.Errorf("stage %s has no output queue", p.name))
	}
	if err := p.out.Push(ctx, item); err != nil {
		if errors.Is(err, memory.ErrClosed) {
			return Fatal(fmt.Errorf("emit: %w", err))
		}
		return fmt.Errorf("emit: %w", err)
	}
	metrics.ObserveQueued(p.name)
	return nil
}

func (p *Pool[In, Out]) fail(err error) {
	p.errMu.Lock()
	p.errs = append(p.errs, err)
	p.errMu.Unlock()
	p.logger.Error("stage aborted", zap.Error(err))
	p.cancel()
}
