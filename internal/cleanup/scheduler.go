// Package cleanup schedules and reaps the snapshots of completed runs.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/fluxetl/internal/persistence"
	"github.com/petrijr/fluxetl/pkg/api"
)

// DefaultRetention is used when a non-positive retention is configured.
const DefaultRetention = 24 * time.Hour

// Scheduler marks completed runs for deferred deletion and deletes them once
// their retention window has passed.
type Scheduler struct {
	store     persistence.StateRepository
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used to report sweep problems.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a Scheduler over store.
func New(store persistence.StateRepository, retention time.Duration, opts ...Option) *Scheduler {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &Scheduler{
		store:     store,
		retention: retention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retention returns the configured retention window.
func (s *Scheduler) Retention() time.Duration { return s.retention }

// Schedule writes now+retention as the deletion time of the snapshot.
func (s *Scheduler) Schedule(ctx context.Context, hash string) (time.Time, error) {
	at := s.now().Add(s.retention)
	_, err := s.store.Update(ctx, hash, func(snap *api.Snapshot) {
		snap.CleanupScheduledAt = at.UnixMilli()
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule cleanup of %s: %w", hash, err)
	}
	return at, nil
}

// Sweep deletes every snapshot whose scheduled deletion time has passed and
// returns how many were deleted. Problems with a single snapshot are logged
// and skipped; only a failure to list the store is returned.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	hashes, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: list snapshots: %w", err)
	}

	now := s.now().UnixMilli()
	deleted := 0
	for _, hash := range hashes {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}
		snap, err := s.store.Load(ctx, hash)
		if err != nil {
			if !errors.Is(err, persistence.ErrSnapshotNotFound) {
				s.logger.WarnContext(ctx, "sweep_load_failed",
					slog.String("state_hash", hash),
					slog.Any("error", err),
				)
			}
			continue
		}
		if snap.CleanupScheduledAt == 0 || snap.CleanupScheduledAt > now {
			continue
		}
		if err := s.store.Delete(ctx, hash); err != nil {
			s.logger.WarnContext(ctx, "sweep_delete_failed",
				slog.String("state_hash", hash),
				slog.Any("error", err),
			)
			continue
		}
		deleted++
		s.logger.DebugContext(ctx, "snapshot_reaped", slog.String("state_hash", hash))
	}
	return deleted, nil
}

// Run sweeps every interval until ctx is cancelled. Sweep errors are logged.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "sweep_failed", slog.Any("error", err))
		} else if n > 0 {
			s.logger.InfoContext(ctx, "sweep_completed", slog.Int("deleted", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
