package api

import (
	"context"

	"github.com/petrijr/fluxetl/pkg/etlctx"
)

// StepInput is everything a step handler receives for one invocation.
type StepInput struct {
	// Source is the path of the data source being processed.
	Source string
	// Options are the caller options passed to Process.
	Options map[string]any
	// DriverConfig is the engine-level driver configuration.
	DriverConfig map[string]any
	// Context is the live execution context shared by all steps of the run.
	Context *etlctx.Context
	// Checkpoint persists the current context into the snapshot without
	// advancing the step index. Handlers use it for row-level resume inside
	// long steps. It is never nil when invoked by the engine.
	Checkpoint func(ctx context.Context) error
}

// StepResult is the value a step handler returns. A non-nil Err marks the
// step as failed; counts and Errors are still recorded.
//
// Errors holds partial, non-fatal problems (a malformed row, an empty source)
// that do not stop the run.
type StepResult struct {
	Processed int
	Imported  int
	Failed    int
	Errors    []string
	Err       error
}

// Fail returns a StepResult carrying err.
func Fail(err error) StepResult {
	return StepResult{Err: err}
}

// StepHandler executes one named pipeline step.
type StepHandler interface {
	Execute(ctx context.Context, in StepInput) StepResult
}

// StepFunc adapts a function to StepHandler.
type StepFunc func(ctx context.Context, in StepInput) StepResult

func (f StepFunc) Execute(ctx context.Context, in StepInput) StepResult {
	return f(ctx, in)
}

// StepKeys lists the context keys a step touches.
type StepKeys struct {
	Reads    []string
	Optional []string
	Writes   []string
}

// KeyDeclarer is implemented by handlers that declare the context keys they
// read and write, so the pipeline can be checked when it is assembled.
type KeyDeclarer interface {
	ContextKeys() StepKeys
}

// Declared wraps a handler with a context key declaration.
func Declared(h StepHandler, keys StepKeys) StepHandler {
	return declaredHandler{StepHandler: h, keys: keys}
}

type declaredHandler struct {
	StepHandler
	keys StepKeys
}

func (d declaredHandler) ContextKeys() StepKeys { return d.keys }
