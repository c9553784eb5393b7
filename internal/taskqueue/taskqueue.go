// Package taskqueue queues pipeline jobs for the worker pool of a Runner.
package taskqueue

import (
	"context"
	"time"
)

// Job asks a worker to run the pipeline against one source.
type Job struct {
	ID      string
	Source  string
	Options map[string]any

	EnqueuedAt time.Time
}

// Queue is a simple async job queue interface.
type Queue interface {
	// Enqueue adds a job to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, j Job) error

	// Dequeue removes and returns the next job, blocking until one is available
	// or the context is cancelled.
	Dequeue(ctx context.Context) (*Job, error)

	// Len returns the approximate number of jobs queued.
	Len() int
}
