package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/fluxetl/internal/taskqueue"
	"github.com/petrijr/fluxetl/pkg/api"
)

// Processor runs a pipeline against one source. *engine.Engine implements it.
type Processor interface {
	Process(ctx context.Context, source string, options map[string]any) (*api.Result, error)
}

// Factory returns a Processor for a single job. An engine drives one run at a
// time, so every job gets its own.
type Factory func() (Processor, error)

// Outcome is reported for every processed job.
type Outcome struct {
	Job    taskqueue.Job
	Result *api.Result
	Err    error
}

// Worker pulls jobs from a Queue and runs them with Processors from a Factory.
type Worker struct {
	factory Factory
	queue   taskqueue.Queue
	report  func(Outcome)
}

// New creates a new Worker. report may be nil.
func New(factory Factory, queue taskqueue.Queue, report func(Outcome)) *Worker {
	if report == nil {
		report = func(Outcome) {}
	}
	return &Worker{
		factory: factory,
		queue:   queue,
		report:  report,
	}
}

// Enqueue queues source for processing and returns the job ID. It does NOT
// run the pipeline itself; that is done by ProcessOne.
func (w *Worker) Enqueue(ctx context.Context, source string, options map[string]any) (string, error) {
	j := taskqueue.Job{
		ID:         uuid.NewString(),
		Source:     source,
		Options:    options,
		EnqueuedAt: time.Now(),
	}
	return j.ID, w.queue.Enqueue(ctx, j)
}

// ProcessOne pulls a single job from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no job was obtained (ctx cancelled or dequeue failed)
//   - processed == true: a job ran; err is the pipeline error, if any.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	p, err := w.factory()
	if err != nil {
		w.report(Outcome{Job: *job, Err: err})
		return true, err
	}
	if p == nil {
		err := errors.New("worker: factory returned a nil processor")
		w.report(Outcome{Job: *job, Err: err})
		return true, err
	}

	res, runErr := p.Process(ctx, job.Source, job.Options)
	w.report(Outcome{Job: *job, Result: res, Err: runErr})
	return true, runErr
}
