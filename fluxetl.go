package fluxetl

import (
	"github.com/petrijr/fluxetl/internal/engine"
	"github.com/petrijr/fluxetl/internal/persistence"
	"github.com/petrijr/fluxetl/internal/steps"
	"github.com/petrijr/fluxetl/pkg/api"
	"github.com/petrijr/fluxetl/pkg/etlctx"
)

// Re-export key types so users don't need to dig into internal packages.

type (
	Engine               = engine.Engine
	EngineConfig         = engine.Config
	Registry             = engine.Registry
	StateRepository      = persistence.StateRepository
	Snapshot             = api.Snapshot
	Status               = api.Status
	StepRecord           = api.StepRecord
	Result               = api.Result
	Progress             = api.Progress
	StepHandler          = api.StepHandler
	StepFunc             = api.StepFunc
	StepInput            = api.StepInput
	StepResult           = api.StepResult
	StepKeys             = api.StepKeys
	StepError            = api.StepError
	Context              = etlctx.Context
	RowSink              = steps.RowSink
	SinkFactory          = steps.SinkFactory
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	Declared             = api.Declared
	Fail                 = api.Fail
)

// Re-export status values for convenience.

const (
	StatusStarted    = api.StatusStarted
	StatusProcessing = api.StatusProcessing
	StatusPaused     = api.StatusPaused
	StatusCompleted  = api.StatusCompleted
	StatusFailed     = api.StatusFailed
)

// Re-export sentinel errors.

var (
	ErrStepFailed       = api.ErrStepFailed
	ErrUnknownStep      = api.ErrUnknownStep
	ErrPaused           = api.ErrPaused
	ErrNotPausable      = api.ErrNotPausable
	ErrNoRun            = api.ErrNoRun
	ErrSnapshotNotFound = persistence.ErrSnapshotNotFound
)

// DefaultPipeline lists the built-in steps in their natural order.
var DefaultPipeline = append([]string(nil), steps.DefaultPipeline...)

// Constructors
// These wrap internal packages so external callers never need to import
// them.

// NewEngine creates an Engine from cfg.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	return engine.New(cfg)
}

// NewRegistry returns an empty step registry.
func NewRegistry() *Registry {
	return engine.NewRegistry()
}

// Builtins returns the built-in tabular steps. A nil sinks stores imported
// rows in SQLite.
func Builtins(sinks SinkFactory) map[string]StepHandler {
	return steps.Builtins(sinks)
}

// NewInMemoryStore returns a non-durable state store, mainly for tests.
func NewInMemoryStore() StateRepository {
	return persistence.NewInMemoryStore()
}

// NewFileStore returns a state store keeping one JSON document per run in
// dir.
func NewFileStore(dir string) (StateRepository, error) {
	s, err := persistence.NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	return s, nil
}
