package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/petrijr/fluxetl/internal/persistence"
	"github.com/petrijr/fluxetl/internal/statehash"
	"github.com/petrijr/fluxetl/pkg/api"
)

// Select makes the run for (source, options) the engine's current run
// without executing anything, so status queries can target a run that was
// started by another process. It returns the state hash.
func (e *Engine) Select(source string, options map[string]any) (string, error) {
	fp, err := statehash.Fingerprint(source)
	if err != nil {
		return "", err
	}
	h, err := statehash.Compute(fp, options, e.driver, e.driverConfig)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hash = h.String()
	return e.hash, nil
}

// StateHash returns the hash of the current run, or "" before Process or
// Select.
func (e *Engine) StateHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hash
}

func (e *Engine) currentHash() (string, error) {
	hash := e.StateHash()
	if hash == "" {
		return "", api.ErrNoRun
	}
	return hash, nil
}

// Pause persists status=paused for a started or processing run. The executor
// stops before the next step, and later Process calls return api.ErrPaused
// until Resume. Pausing a paused run is a no-op; a completed or failed run
// cannot be paused and yields api.ErrNotPausable.
func (e *Engine) Pause(ctx context.Context) error {
	hash, err := e.currentHash()
	if err != nil {
		return err
	}
	var status api.Status
	_, err = e.store.Update(ctx, hash, func(s *api.Snapshot) {
		status = s.Status
		if s.Status == api.StatusStarted || s.Status == api.StatusProcessing {
			s.Status = api.StatusPaused
		}
	})
	if err != nil {
		return fmt.Errorf("pause %s: %w", hash, err)
	}
	if status == api.StatusCompleted || status == api.StatusFailed {
		return fmt.Errorf("%w: %s is %s", api.ErrNotPausable, hash, status)
	}
	e.logger.InfoContext(ctx, "pause_requested", slog.String("state_hash", hash))
	return nil
}

// Resume flips a paused run back to processing. Resuming a run that is not
// paused is a no-op.
func (e *Engine) Resume(ctx context.Context) error {
	hash, err := e.currentHash()
	if err != nil {
		return err
	}
	_, err = e.store.Update(ctx, hash, func(s *api.Snapshot) {
		if s.Status == api.StatusPaused {
			s.Status = api.StatusProcessing
		}
	})
	if err != nil {
		return fmt.Errorf("resume %s: %w", hash, err)
	}
	return nil
}

// IsPaused reports whether the current run is persisted as paused.
func (e *Engine) IsPaused(ctx context.Context) (bool, error) {
	return e.hasStatus(ctx, api.StatusPaused)
}

// IsCompleted reports whether the current run is persisted as completed.
func (e *Engine) IsCompleted(ctx context.Context) (bool, error) {
	return e.hasStatus(ctx, api.StatusCompleted)
}

// IsFailed reports whether the current run is persisted as failed.
func (e *Engine) IsFailed(ctx context.Context) (bool, error) {
	return e.hasStatus(ctx, api.StatusFailed)
}

func (e *Engine) hasStatus(ctx context.Context, want api.Status) (bool, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, persistence.ErrSnapshotNotFound) {
			return false, nil
		}
		return false, err
	}
	return snap.Status == want, nil
}

// Snapshot returns the persisted snapshot of the current run.
func (e *Engine) Snapshot(ctx context.Context) (*api.Snapshot, error) {
	hash, err := e.currentHash()
	if err != nil {
		return nil, err
	}
	return e.store.Load(ctx, hash)
}

// Restart re-initializes the snapshot of the current run: index 0, empty
// progress and context. The next Process call starts from the first step.
func (e *Engine) Restart(ctx context.Context) error {
	hash, err := e.currentHash()
	if err != nil {
		return err
	}
	prev, err := e.store.Load(ctx, hash)
	if err != nil {
		return fmt.Errorf("restart %s: %w", hash, err)
	}

	ms := e.now().UnixMilli()
	snap := &api.Snapshot{
		StateHash:    hash,
		RunID:        uuid.NewString(),
		Status:       api.StatusStarted,
		StepProgress: make(map[string]api.StepRecord),
		Context:      json.RawMessage("{}"),
		Source:       prev.Source,
		SourceMTime:  prev.SourceMTime,
		SourceSize:   prev.SourceSize,
		Driver:       prev.Driver,
		Options:      prev.Options,
		CreatedAt:    ms,
		UpdatedAt:    ms,
	}
	if err := e.store.Initialize(ctx, snap); err != nil {
		return fmt.Errorf("restart %s: %w", hash, err)
	}
	e.logger.InfoContext(ctx, "run_restarted", slog.String("state_hash", hash), slog.String("run_id", snap.RunID))
	return nil
}

// GetProgress returns a read-only view of the current run for polling. Before
// any run, or when the snapshot cannot be read, it reports the declared steps
// with nothing completed.
func (e *Engine) GetProgress(ctx context.Context) api.Progress {
	steps := e.Steps()
	p := api.Progress{
		TotalSteps:  len(steps),
		StepDetails: map[string]api.StepRecord{},
		Memory:      e.governor.Stats(),
	}

	snap, err := e.Snapshot(ctx)
	if err != nil {
		if !errors.Is(err, api.ErrNoRun) && !errors.Is(err, persistence.ErrSnapshotNotFound) {
			e.logger.WarnContext(ctx, "progress_unavailable", slog.Any("error", err))
		}
		return p
	}

	for name, rec := range snap.StepProgress {
		p.StepDetails[name] = rec
	}
	p.CompletedSteps = completedSteps(snap, steps)
	p.Status = snap.Status
	p.CurrentStep = snap.CurrentStep
	p.Percentage = api.Percentage(p.CompletedSteps, p.TotalSteps)
	return p
}
