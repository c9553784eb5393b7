package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxetl/internal/taskqueue"
	"github.com/petrijr/fluxetl/pkg/api"
)

type fakeProcessor struct {
	sources []string
	err     error
}

func (p *fakeProcessor) Process(_ context.Context, source string, _ map[string]any) (*api.Result, error) {
	p.sources = append(p.sources, source)
	return &api.Result{Success: p.err == nil, Processed: 1}, p.err
}

func TestWorker_ProcessOneRunsJob(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcessor{}
	var outcomes []Outcome
	w := New(func() (Processor, error) { return proc, nil }, taskqueue.NewInMemoryQueue(4), func(o Outcome) {
		outcomes = append(outcomes, o)
	})

	id, err := w.Enqueue(ctx, "a.csv", map[string]any{"batch_size": 10})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []string{"a.csv"}, proc.sources)

	require.Len(t, outcomes, 1)
	assert.Equal(t, id, outcomes[0].Job.ID)
	assert.True(t, outcomes[0].Result.Success)
}

func TestWorker_ProcessOneReportsErrors(t *testing.T) {
	ctx := context.Background()

	boom := errors.New("boom")
	var got []error
	w := New(func() (Processor, error) { return &fakeProcessor{err: boom}, nil }, taskqueue.NewInMemoryQueue(4), func(o Outcome) {
		got = append(got, o.Err)
	})
	_, err := w.Enqueue(ctx, "a.csv", nil)
	require.NoError(t, err)

	processed, err := w.ProcessOne(ctx)
	assert.True(t, processed)
	assert.ErrorIs(t, err, boom)

	noEngine := errors.New("no engine")
	w = New(func() (Processor, error) { return nil, noEngine }, taskqueue.NewInMemoryQueue(4), func(o Outcome) {
		got = append(got, o.Err)
	})
	_, err = w.Enqueue(ctx, "b.csv", nil)
	require.NoError(t, err)
	processed, err = w.ProcessOne(ctx)
	assert.True(t, processed)
	assert.ErrorIs(t, err, noEngine)

	assert.Equal(t, []error{boom, noEngine}, got)
}

func TestWorker_ProcessOneCancelled(t *testing.T) {
	w := New(func() (Processor, error) { return &fakeProcessor{}, nil }, taskqueue.NewInMemoryQueue(1), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	processed, err := w.ProcessOne(ctx)
	assert.False(t, processed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
