package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/fluxetl/internal/cleanup"
	"github.com/petrijr/fluxetl/internal/memory"
	"github.com/petrijr/fluxetl/internal/persistence"
	"github.com/petrijr/fluxetl/internal/statehash"
	"github.com/petrijr/fluxetl/pkg/api"
	"github.com/petrijr/fluxetl/pkg/etlctx"
)

// Config describes how to construct an Engine.
type Config struct {
	// Store persists snapshots. Required.
	Store persistence.StateRepository
	// Registry resolves step names. Defaults to an empty registry.
	Registry *Registry
	// Driver and DriverConfig describe the import target; both are part of
	// the state hash and are passed to every handler.
	Driver       string
	DriverConfig map[string]any
	// MemoryLimit is a human readable ceiling such as "512MB". Empty means
	// unlimited.
	MemoryLimit string
	// Sampler overrides the process memory sampler.
	Sampler memory.Sampler
	// Retention is how long a completed snapshot is kept.
	Retention time.Duration
	// LenientSteps accepts step names without a registered handler and runs
	// them as no-ops, for pipelines restored under a newer configuration.
	LenientSteps bool
	Observer     api.Observer
	Logger       *slog.Logger
	Clock        func() time.Time
}

// Engine runs a declared, ordered list of steps against a source and
// checkpoints after every step.
//
// Process is synchronous and an Engine drives one run at a time; callers that
// process several sources concurrently use one Engine per source. The
// status methods (Pause, IsPaused, GetProgress, ...) are safe to call from
// other goroutines while Process runs.
type Engine struct {
	store        persistence.StateRepository
	registry     *Registry
	driver       string
	driverConfig map[string]any
	governor     *memory.Governor
	scheduler    *cleanup.Scheduler
	lenient      bool
	observer     api.Observer
	logger       *slog.Logger
	now          func() time.Time

	mu    sync.Mutex
	steps []string
	hash  string
}

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: a state store is required")
	}
	e := &Engine{
		store:        cfg.Store,
		registry:     cfg.Registry,
		driver:       cfg.Driver,
		driverConfig: cfg.DriverConfig,
		lenient:      cfg.LenientSteps,
		observer:     cfg.Observer,
		logger:       cfg.Logger,
		now:          cfg.Clock,
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}

	gov, err := memory.NewGovernor(cfg.MemoryLimit, memory.WithSampler(cfg.Sampler), memory.WithClock(e.now))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.governor = gov
	e.scheduler = cleanup.New(cfg.Store, cfg.Retention, cleanup.WithClock(e.now), cleanup.WithLogger(e.logger))
	return e, nil
}

// Registry returns the dispatch table of the engine.
func (e *Engine) Registry() *Registry { return e.registry }

// Scheduler returns the cleanup scheduler sharing the engine's store.
func (e *Engine) Scheduler() *cleanup.Scheduler { return e.scheduler }

// AddStep appends name to the pipeline. Steps run in insertion order. A name
// without a registered handler is rejected with api.ErrUnknownStep unless the
// engine is lenient.
func (e *Engine) AddStep(name string) error {
	if name == "" {
		return errors.New("step name is required")
	}
	if _, ok := e.registry.Lookup(name); !ok && !e.lenient {
		return fmt.Errorf("%w: %q", api.ErrUnknownStep, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps = append(e.steps, name)
	return nil
}

// Steps returns the declared pipeline.
func (e *Engine) Steps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.steps...)
}

// Validate checks the context keys declared by handlers: every key a step
// reads must be written by an earlier step.
func (e *Engine) Validate() error {
	written := make(map[string]bool)
	var errs []error
	for i, name := range e.Steps() {
		h, ok := e.registry.Lookup(name)
		if !ok {
			continue
		}
		kd, ok := h.(api.KeyDeclarer)
		if !ok {
			continue
		}
		keys := kd.ContextKeys()
		for _, k := range keys.Reads {
			if !written[k] {
				errs = append(errs, fmt.Errorf("step %q (#%d) reads %q before any step writes it", name, i, k))
			}
		}
		for _, k := range keys.Writes {
			written[k] = true
		}
	}
	return errors.Join(errs...)
}

// Process runs the pipeline against source. It resumes the persisted run for
// the same (source, options, driver) when the source is unchanged, and starts
// fresh otherwise.
//
// A step failure is persisted and returned as an error wrapping
// api.ErrStepFailed together with a Result describing the run. A paused run
// returns api.ErrPaused until Resume is called.
func (e *Engine) Process(ctx context.Context, source string, options map[string]any) (*api.Result, error) {
	steps := e.Steps()

	fp, err := statehash.Fingerprint(source)
	if err != nil {
		return nil, err
	}
	h, err := statehash.Compute(fp, options, e.driver, e.driverConfig)
	if err != nil {
		return nil, err
	}
	hash := h.String()
	e.governor.Reset()

	snap, resumed, err := e.openRun(ctx, hash, fp, options)
	if err != nil {
		return nil, err
	}
	ectx := etlctx.New()
	if len(snap.Context) > 0 {
		if err := json.Unmarshal(snap.Context, ectx); err != nil {
			// An undecodable context is treated like any other corruption:
			// the run restarts rather than continuing with missing state.
			e.logger.WarnContext(ctx, "context_unreadable", slog.String("state_hash", hash), slog.Any("error", err))
			if snap, err = e.initialize(ctx, hash, fp, options); err != nil {
				return nil, err
			}
			resumed = false
		}
	}
	defer func() {
		if err := ectx.Close(); err != nil {
			e.logger.WarnContext(ctx, "context_close_failed", slog.String("state_hash", hash), slog.Any("error", err))
		}
	}()

	run := api.RunInfo{StateHash: hash, RunID: snap.RunID, Source: fp.Path}
	e.mu.Lock()
	e.hash = hash
	e.mu.Unlock()

	if snap.Status == api.StatusPaused {
		return e.result(snap, steps, resumed), fmt.Errorf("%w: %s", api.ErrPaused, hash)
	}

	if resumed {
		e.observer.OnRunResumed(ctx, run, snap.CurrentStepIndex)
	} else {
		e.observer.OnRunStart(ctx, run)
	}

	for i := snap.CurrentStepIndex; i < len(steps); i++ {
		if err := ctx.Err(); err != nil {
			return e.result(snap, steps, resumed), err
		}
		name := steps[i]

		paused := false
		snap, err = e.store.Update(ctx, hash, func(s *api.Snapshot) {
			if s.Status == api.StatusPaused {
				paused = true
				return
			}
			s.Status = api.StatusProcessing
			s.CurrentStep = name
			s.CurrentStepIndex = i
			s.Error = ""
		})
		if err != nil {
			return nil, fmt.Errorf("checkpoint before step %q: %w", name, err)
		}
		if paused {
			e.logger.InfoContext(ctx, "run_paused", slog.String("state_hash", hash), slog.Int("step_index", i))
			return e.result(snap, steps, resumed), fmt.Errorf("%w: %s", api.ErrPaused, hash)
		}

		snap, err = e.executeStep(ctx, run, hash, i, name, source, options, ectx)
		if err != nil {
			return e.result(snap, steps, resumed), err
		}
	}

	paused := false
	snap, err = e.store.Update(ctx, hash, func(s *api.Snapshot) {
		// A pause requested during the last step holds the run until Resume.
		if s.Status == api.StatusPaused {
			paused = true
			return
		}
		s.Status = api.StatusCompleted
		s.CurrentStepIndex = len(steps)
		s.Error = ""
	})
	if err != nil {
		return nil, fmt.Errorf("record completion: %w", err)
	}
	if paused {
		e.logger.InfoContext(ctx, "run_paused", slog.String("state_hash", hash), slog.Int("step_index", len(steps)))
		return e.result(snap, steps, resumed), fmt.Errorf("%w: %s", api.ErrPaused, hash)
	}
	if _, err := e.scheduler.Schedule(ctx, hash); err != nil {
		return nil, err
	}

	res := e.result(snap, steps, resumed)
	e.observer.OnRunCompleted(ctx, run, res)
	return res, nil
}

// openRun loads the snapshot for hash when it can be resumed, and initializes
// a fresh one otherwise.
func (e *Engine) openRun(ctx context.Context, hash string, fp statehash.SourceFingerprint, options map[string]any) (*api.Snapshot, bool, error) {
	exists, err := e.store.Exists(ctx, hash)
	if err != nil {
		return nil, false, fmt.Errorf("check state %s: %w", hash, err)
	}
	if exists {
		snap, err := e.store.Load(ctx, hash)
		if err != nil && !errors.Is(err, persistence.ErrSnapshotNotFound) {
			return nil, false, err
		}
		if err == nil && statehash.IsValid(snap, fp.Path) {
			if snap.Status == api.StatusFailed {
				e.logger.InfoContext(ctx, "retrying_failed_run",
					slog.String("state_hash", hash),
					slog.String("step", snap.CurrentStep),
				)
			}
			return snap, true, nil
		}
		if err == nil {
			e.logger.InfoContext(ctx, "snapshot_not_resumable", slog.String("state_hash", hash))
		}
	}

	snap, err := e.initialize(ctx, hash, fp, options)
	return snap, false, err
}

func (e *Engine) initialize(ctx context.Context, hash string, fp statehash.SourceFingerprint, options map[string]any) (*api.Snapshot, error) {
	ms := e.now().UnixMilli()
	snap := &api.Snapshot{
		StateHash:    hash,
		RunID:        uuid.NewString(),
		Status:       api.StatusStarted,
		StepProgress: make(map[string]api.StepRecord),
		Context:      json.RawMessage("{}"),
		Source:       fp.Path,
		SourceMTime:  fp.ModTime,
		SourceSize:   fp.Size,
		Driver:       e.driver,
		Options:      options,
		CreatedAt:    ms,
		UpdatedAt:    ms,
	}
	if err := e.store.Initialize(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// executeStep runs one step and persists its outcome. The returned error is
// non-nil when the step failed or its outcome could not be persisted.
func (e *Engine) executeStep(
	ctx context.Context,
	run api.RunInfo,
	hash string,
	index int,
	name string,
	source string,
	options map[string]any,
	ectx *etlctx.Context,
) (*api.Snapshot, error) {
	started := e.now()
	e.observer.OnStepStart(ctx, run, name, index)

	var warnings []*api.MemoryWarning
	res, err := e.invoke(ctx, hash, name, source, options, ectx, &warnings)
	if err == nil {
		err = res.Err
	}

	finished := e.now()
	duration := finished.Sub(started)
	rec := api.StepRecord{
		Status:      api.StepCompleted,
		Processed:   res.Processed,
		Imported:    res.Imported,
		Failed:      res.Failed,
		Errors:      res.Errors,
		StartedAt:   started.UnixMilli(),
		CompletedAt: finished.UnixMilli(),
		DurationMS:  duration.Milliseconds(),
		Memory:      e.governor.Stats(),
	}
	var warning *api.MemoryWarning
	for _, w := range warnings {
		if w != nil {
			w.Step = name
			warning = w
			e.observer.OnMemoryWarning(ctx, run, *w)
		}
	}

	contextJSON, encErr := json.Marshal(ectx)
	if encErr != nil && err == nil {
		err = fmt.Errorf("serialize context: %w", encErr)
	}

	if err != nil {
		rec.Status = api.StepFailed
		rec.Errors = append(rec.Errors, err.Error())
		snap, perr := e.store.Update(ctx, hash, func(s *api.Snapshot) {
			s.Status = api.StatusFailed
			s.CurrentStep = name
			s.CurrentStepIndex = index
			s.Error = err.Error()
			s.StepProgress[name] = rec
			if encErr == nil {
				s.Context = contextJSON
			}
			if warning != nil {
				s.MemoryWarning = warning
			}
		})
		stepErr := &api.StepError{Step: name, Index: index, Err: err}
		e.observer.OnStepCompleted(ctx, run, name, index, rec, stepErr, duration)
		if perr != nil {
			return nil, errors.Join(stepErr, fmt.Errorf("record failure of step %q: %w", name, perr))
		}
		e.observer.OnRunFailed(ctx, run, stepErr)
		return snap, stepErr
	}

	snap, err := e.store.Update(ctx, hash, func(s *api.Snapshot) {
		s.StepProgress[name] = rec
		s.Context = contextJSON
		s.CurrentStep = name
		s.CurrentStepIndex = index + 1
		if warning != nil {
			s.MemoryWarning = warning
		}
	})
	e.observer.OnStepCompleted(ctx, run, name, index, rec, nil, duration)
	if err != nil {
		return nil, fmt.Errorf("checkpoint after step %q: %w", name, err)
	}
	return snap, nil
}

// invoke checks memory around the handler call. A memory error is returned
// as err; a handler failure is reported through StepResult.Err.
func (e *Engine) invoke(
	ctx context.Context,
	hash string,
	name string,
	source string,
	options map[string]any,
	ectx *etlctx.Context,
	warnings *[]*api.MemoryWarning,
) (api.StepResult, error) {
	w, err := e.governor.CheckMemoryUsage(ctx)
	*warnings = append(*warnings, w)
	if err != nil {
		return api.StepResult{}, err
	}

	h, ok := e.registry.Lookup(name)
	if !ok {
		e.logger.WarnContext(ctx, "unknown_step_skipped", slog.String("state_hash", hash), slog.String("step", name))
		return api.StepResult{}, nil
	}

	in := api.StepInput{
		Source:       source,
		Options:      options,
		DriverConfig: e.driverConfig,
		Context:      ectx,
		Checkpoint: func(ctx context.Context) error {
			data, err := json.Marshal(ectx)
			if err != nil {
				return fmt.Errorf("serialize context: %w", err)
			}
			_, err = e.store.Update(ctx, hash, func(s *api.Snapshot) {
				s.Context = data
			})
			return err
		},
	}
	res := h.Execute(ctx, in)

	w, err = e.governor.CheckMemoryUsage(ctx)
	*warnings = append(*warnings, w)
	if err != nil {
		return res, err
	}
	return res, nil
}

// result builds a Result from the persisted step progress so that counts of
// steps completed before a resume are included exactly once.
func (e *Engine) result(snap *api.Snapshot, steps []string, resumed bool) *api.Result {
	res := &api.Result{Errors: []string{}}
	if snap == nil {
		res.Meta.TotalSteps = len(steps)
		return res
	}

	for _, name := range orderedSteps(snap, steps) {
		rec := snap.StepProgress[name]
		res.Processed += rec.Processed
		res.Imported += rec.Imported
		res.Failed += rec.Failed
		res.Errors = append(res.Errors, rec.Errors...)
	}
	res.Success = len(res.Errors) == 0 && snap.Status != api.StatusFailed

	progress := make(map[string]api.StepRecord, len(snap.StepProgress))
	for k, v := range snap.StepProgress {
		progress[k] = v
	}
	res.Meta = api.ResultMeta{
		StateHash:      snap.StateHash,
		RunID:          snap.RunID,
		Status:         snap.Status,
		Resumed:        resumed,
		TotalSteps:     len(steps),
		CompletedSteps: completedSteps(snap, steps),
		StepProgress:   progress,
	}
	return res
}

// orderedSteps lists recorded steps in pipeline order, followed by any
// recorded step that is no longer declared.
func orderedSteps(snap *api.Snapshot, steps []string) []string {
	seen := make(map[string]bool, len(steps))
	out := make([]string, 0, len(snap.StepProgress))
	for _, name := range steps {
		if _, ok := snap.StepProgress[name]; ok && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	var extra []string
	for name := range snap.StepProgress {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// completedSteps counts the declared steps recorded as completed. Records of
// steps that are no longer declared do not count, so completed never exceeds
// len(steps).
func completedSteps(snap *api.Snapshot, steps []string) int {
	seen := make(map[string]bool, len(steps))
	n := 0
	for _, name := range steps {
		if seen[name] {
			continue
		}
		seen[name] = true
		if rec, ok := snap.StepProgress[name]; ok && rec.Status == api.StepCompleted {
			n++
		}
	}
	return n
}
