package fluxetl

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/fluxetl/internal/taskqueue"
	"github.com/petrijr/fluxetl/pkg/worker"
)

// Runner processes many sources concurrently: Submit puts a job on an
// in-memory queue and a pool of goroutines drains it, one engine per job.
//
// Typical usage:
//
//	runner := fluxetl.NewRunner(func() (worker.Processor, error) {
//	    return bundle.NewEngine(cfg.Steps, nil)
//	}, report)
//	_ = runner.StartWorkers(ctx, 4)
//	_, _ = runner.Submit(ctx, "a.csv", nil)
//	...
//	runner.Stop()
//
// Submitting the same source with the same options twice while the first
// job is still running is not supported: the engine assumes a single writer
// per state hash.
type Runner struct {
	Queue  taskqueue.Queue
	Worker *worker.Worker

	logger *slog.Logger

	mu    sync.Mutex
	stop  context.CancelFunc
	group *errgroup.Group
}

// NewRunner constructs a Runner. report receives the outcome of every job
// and may be nil.
func NewRunner(factory worker.Factory, report func(worker.Outcome)) *Runner {
	q := taskqueue.NewInMemoryQueue(1024)
	return &Runner{
		Queue:  q,
		Worker: worker.New(factory, q, report),
		logger: slog.Default(),
	}
}

// SetLogger replaces the logger used for worker errors.
func (r *Runner) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// StartWorkers launches concurrency goroutines draining the queue until
// Stop. A concurrency below one starts a single worker. Starting a running
// Runner is an error.
func (r *Runner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group != nil {
		return errors.New("fluxetl: Runner already started")
	}

	ctx, r.stop = context.WithCancel(ctx)
	r.group, ctx = errgroup.WithContext(ctx)
	for range max(concurrency, 1) {
		r.group.Go(func() error { return r.drain(ctx) })
	}
	return nil
}

// drain processes jobs until ctx is done. Failed runs reach the report
// callback; the loop only logs them.
func (r *Runner) drain(ctx context.Context) error {
	for {
		processed, err := r.Worker.ProcessOne(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case !processed && err != nil:
			r.logger.ErrorContext(ctx, "runner_dequeue_failed", slog.Any("error", err))
		case err != nil:
			r.logger.WarnContext(ctx, "runner_job_failed", slog.Any("error", err))
		}
	}
}

// Stop cancels the workers and waits for the job each one is running to
// return. It is safe to call on a stopped Runner.
func (r *Runner) Stop() {
	r.mu.Lock()
	stop, group := r.stop, r.group
	r.stop, r.group = nil, nil
	r.mu.Unlock()

	if group == nil {
		return
	}
	stop()
	_ = group.Wait()
}

// Submit enqueues source for asynchronous processing and returns the job ID.
func (r *Runner) Submit(ctx context.Context, source string, options map[string]any) (string, error) {
	return r.Worker.Enqueue(ctx, source, options)
}
