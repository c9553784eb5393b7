package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// RunInfo identifies a run in observer callbacks.
type RunInfo struct {
	StateHash string
	RunID     string
	Source    string
}

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay pipeline execution.
type Observer interface {
	// OnRunStart is called when a fresh run is initialized.
	OnRunStart(ctx context.Context, run RunInfo)

	// OnRunResumed is called when Process continues a persisted run.
	// fromIndex is the step index execution continues from.
	OnRunResumed(ctx context.Context, run RunInfo, fromIndex int)

	// OnRunCompleted is called when every declared step has completed.
	OnRunCompleted(ctx context.Context, run RunInfo, res *Result)

	// OnRunFailed is called after a failure has been persisted.
	OnRunFailed(ctx context.Context, run RunInfo, err error)

	// OnStepStart is called before invoking a step handler.
	// stepIndex is the 0-based index into the declared pipeline.
	OnStepStart(ctx context.Context, run RunInfo, stepName string, stepIndex int)

	// OnStepCompleted is called after a step handler returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, run RunInfo, stepName string, stepIndex int, rec StepRecord, err error, duration time.Duration)

	// OnMemoryWarning is called when peak memory crosses the soft threshold.
	OnMemoryWarning(ctx context.Context, run RunInfo, w MemoryWarning)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run RunInfo)                          {}
func (NoopObserver) OnRunResumed(ctx context.Context, run RunInfo, fromIndex int)         {}
func (NoopObserver) OnRunCompleted(ctx context.Context, run RunInfo, res *Result)         {}
func (NoopObserver) OnRunFailed(ctx context.Context, run RunInfo, err error)              {}
func (NoopObserver) OnStepStart(ctx context.Context, run RunInfo, stepName string, i int) {}
func (NoopObserver) OnStepCompleted(ctx context.Context, run RunInfo, stepName string, i int, rec StepRecord, err error, d time.Duration) {
}
func (NoopObserver) OnMemoryWarning(ctx context.Context, run RunInfo, w MemoryWarning) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run RunInfo) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunResumed(ctx context.Context, run RunInfo, fromIndex int) {
	for _, o := range c.observers {
		o.OnRunResumed(ctx, run, fromIndex)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run RunInfo, res *Result) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run, res)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run RunInfo, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run RunInfo, stepName string, idx int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, stepName, idx)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run RunInfo, stepName string, idx int, rec StepRecord, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, stepName, idx, rec, err, d)
	}
}

func (c *CompositeObserver) OnMemoryWarning(ctx context.Context, run RunInfo, w MemoryWarning) {
	for _, o := range c.observers {
		o.OnMemoryWarning(ctx, run, w)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func runAttrs(run RunInfo) []any {
	return []any{
		slog.String("state_hash", run.StateHash),
		slog.String("run_id", run.RunID),
		slog.String("source", run.Source),
	}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run RunInfo) {
	o.Logger.InfoContext(ctx, "run_start", runAttrs(run)...)
}

func (o *LoggingObserver) OnRunResumed(ctx context.Context, run RunInfo, fromIndex int) {
	o.Logger.InfoContext(ctx, "run_resumed", append(runAttrs(run), slog.Int("from_step_index", fromIndex))...)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run RunInfo, res *Result) {
	o.Logger.InfoContext(ctx, "run_completed", append(runAttrs(run),
		slog.Bool("success", res.Success),
		slog.Int("processed", res.Processed),
		slog.Int("imported", res.Imported),
		slog.Int("failed", res.Failed),
	)...)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run RunInfo, err error) {
	o.Logger.ErrorContext(ctx, "run_failed", append(runAttrs(run), slog.Any("error", err))...)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run RunInfo, stepName string, idx int) {
	o.Logger.DebugContext(ctx, "step_start", append(runAttrs(run),
		slog.String("step", stepName),
		slog.Int("step_index", idx),
	)...)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run RunInfo, stepName string, idx int, rec StepRecord, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed", append(runAttrs(run),
		slog.String("step", stepName),
		slog.Int("step_index", idx),
		slog.Int("processed", rec.Processed),
		slog.Int("imported", rec.Imported),
		slog.Int("failed", rec.Failed),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)...)
}

func (o *LoggingObserver) OnMemoryWarning(ctx context.Context, run RunInfo, w MemoryWarning) {
	o.Logger.WarnContext(ctx, "memory_warning", append(runAttrs(run),
		slog.String("step", w.Step),
		slog.Uint64("peak", w.Peak),
		slog.Uint64("limit", w.Limit),
	)...)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsResumed       atomic.Int64
	runsCompleted     atomic.Int64
	runsFailed        atomic.Int64
	stepsCompleted    atomic.Int64
	rowsImported      atomic.Int64
	memoryWarnings    atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsResumed   int64
	RunsCompleted int64
	RunsFailed    int64

	StepsCompleted  int64
	RowsImported    int64
	MemoryWarnings  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run RunInfo) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunResumed(ctx context.Context, run RunInfo, fromIndex int) {
	m.runsResumed.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, run RunInfo, res *Result) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run RunInfo, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run RunInfo, stepName string, idx int, rec StepRecord, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.rowsImported.Add(int64(rec.Imported))
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnMemoryWarning(ctx context.Context, run RunInfo, w MemoryWarning) {
	m.memoryWarnings.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     m.runsStarted.Load(),
		RunsResumed:     m.runsResumed.Load(),
		RunsCompleted:   m.runsCompleted.Load(),
		RunsFailed:      m.runsFailed.Load(),
		StepsCompleted:  steps,
		RowsImported:    m.rowsImported.Load(),
		MemoryWarnings:  m.memoryWarnings.Load(),
		AvgStepDuration: avg,
	}
}
