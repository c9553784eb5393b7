package fluxetl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxetl/pkg/etlctx"
)

func writeCSV(t *testing.T, rows int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("id;city\n")
	for i := 1; i <= rows; i++ {
		fmt.Fprintf(&b, "%d;city-%d\n", i, i)
	}
	path := filepath.Join(t.TempDir(), "cities.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestPipelineBuilder_BuiltinsAndCustomStep(t *testing.T) {
	ctx := context.Background()
	src := writeCSV(t, 5)

	var seenHeaders []string
	audit := Declared(StepFunc(func(ctx context.Context, in StepInput) StepResult {
		seenHeaders, _ = etlctx.Get[[]string](in.Context, "headers")
		return StepResult{Processed: etlctx.GetOr(in.Context, "row_count", 0)}
	}), StepKeys{Reads: []string{"headers", "row_count"}})

	metrics := &BasicMetrics{}
	eng, err := NewPipeline(NewInMemoryStore()).
		WithBuiltins(nil).
		Handle("audit", audit).
		Steps(DefaultPipeline...).
		Step("audit").
		Driver("sqlite", map[string]any{"table": "cities"}).
		Observer(metrics).
		Build()
	require.NoError(t, err)

	res, err := eng.Process(ctx, src, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 5, res.Imported)
	assert.Equal(t, []string{"id", "city"}, seenHeaders)
	assert.Equal(t, 5, res.Meta.TotalSteps)
	assert.Equal(t, int64(5), metrics.Snapshot().RowsImported)
}

func TestPipelineBuilder_RejectsInvalidPipelines(t *testing.T) {
	_, err := NewPipeline(NewInMemoryStore()).Step("nope").Build()
	assert.ErrorIs(t, err, ErrUnknownStep)

	reader := Declared(StepFunc(func(context.Context, StepInput) StepResult { return StepResult{} }),
		StepKeys{Reads: []string{"headers"}})
	_, err = NewPipeline(NewInMemoryStore()).
		WithBuiltins(nil).
		Handle("reader", reader).
		Steps("reader", "parse_headers").
		Build()
	assert.Error(t, err)

	_, err = NewPipeline(nil).Build()
	assert.Error(t, err)

	assert.Panics(t, func() { NewPipeline(NewInMemoryStore()).Handle("", reader) })
	assert.Panics(t, func() { NewPipeline(NewInMemoryStore()).Handle("x", nil) })
}

func TestPipelineBuilder_LenientUnknownStep(t *testing.T) {
	eng := NewPipeline(NewInMemoryStore()).
		Configure(func(c *EngineConfig) { c.LenientSteps = true }).
		Step("retired_step").
		MustBuild()

	res, err := eng.Process(context.Background(), writeCSV(t, 1), nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Meta.CompletedSteps)
}
