package fluxetl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxetl/pkg/worker"
)

func TestRunner_ProcessesSubmittedSources(t *testing.T) {
	store := NewInMemoryStore()
	factory := func() (worker.Processor, error) {
		return NewPipeline(store).WithBuiltins(nil).Steps(DefaultPipeline...).Build()
	}

	var mu sync.Mutex
	imported := map[string]int{}
	done := make(chan struct{}, 3)
	runner := NewRunner(factory, func(o worker.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		if o.Err == nil {
			imported[o.Job.Source] = o.Result.Imported
		}
		done <- struct{}{}
	})

	ctx := context.Background()
	require.NoError(t, runner.StartWorkers(ctx, 2))
	assert.Error(t, runner.StartWorkers(ctx, 2))
	defer runner.Stop()

	sources := []string{writeCSV(t, 1), writeCSV(t, 2), writeCSV(t, 3)}
	for _, src := range sources {
		_, err := runner.Submit(ctx, src, nil)
		require.NoError(t, err)
	}

	for range sources {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, src := range sources {
		assert.Equal(t, i+1, imported[src])
	}
}

func TestRunner_StopIsIdempotent(t *testing.T) {
	runner := NewRunner(func() (worker.Processor, error) { return nil, nil }, nil)
	runner.Stop()
	require.NoError(t, runner.StartWorkers(context.Background(), 0))
	runner.Stop()
	runner.Stop()
}
