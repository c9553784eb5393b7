package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/fluxetl/pkg/api"
)

// rawBackend is the byte-level surface a store provides. Loading, merging
// and corruption recovery are shared on top of it.
type rawBackend interface {
	// read returns ErrSnapshotNotFound when nothing is stored for hash.
	read(ctx context.Context, hash string) ([]byte, error)
	// write replaces the stored document atomically.
	write(ctx context.Context, hash string, data []byte) error
	// backup keeps a copy of a corrupt document next to the original.
	backup(ctx context.Context, hash string, data []byte, at time.Time) error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithClock overrides time.Now for snapshot timestamps and backup names.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger used to report recovered snapshots.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func initializeSnapshot(ctx context.Context, b rawBackend, o options, snap *api.Snapshot) error {
	if snap.StateHash == "" {
		return errors.New("initialize snapshot: empty state hash")
	}
	ms := o.now().UnixMilli()
	if snap.CreatedAt == 0 {
		snap.CreatedAt = ms
	}
	snap.UpdatedAt = ms
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := b.write(ctx, snap.StateHash, data); err != nil {
		return fmt.Errorf("initialize snapshot %s: %w", snap.StateHash, err)
	}
	return nil
}

func loadSnapshot(ctx context.Context, b rawBackend, o options, hash string) (*api.Snapshot, error) {
	data, err := b.read(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load snapshot %s: %w", hash, err)
	}

	snap, err := DecodeSnapshot(data)
	if err == nil {
		return snap, nil
	}
	var corrupt *CorruptSnapshotError
	if !errors.As(err, &corrupt) {
		return nil, err
	}
	return recoverSnapshot(ctx, b, o, hash, data, corrupt)
}

// recoverSnapshot backs up a corrupt document, writes a minimal recovery
// snapshot in its place and reads it back.
func recoverSnapshot(ctx context.Context, b rawBackend, o options, hash string, data []byte, cause error) (*api.Snapshot, error) {
	at := o.now()
	if err := b.backup(ctx, hash, data, at); err != nil {
		return nil, fmt.Errorf("back up corrupt snapshot %s: %w", hash, err)
	}

	rec, err := EncodeSnapshot(api.NewRecoverySnapshot(hash, at))
	if err != nil {
		return nil, err
	}
	if err := b.write(ctx, hash, rec); err != nil {
		return nil, fmt.Errorf("write recovery snapshot %s: %w", hash, err)
	}

	o.logger.WarnContext(ctx, "snapshot_recovered",
		slog.String("state_hash", hash),
		slog.Any("cause", cause),
	)

	data, err = b.read(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("re-read recovery snapshot %s: %w", hash, err)
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("re-read recovery snapshot %s: %w", hash, err)
	}
	return snap, nil
}

func updateSnapshot(ctx context.Context, b rawBackend, o options, hash string, mutate func(*api.Snapshot)) (*api.Snapshot, error) {
	snap, err := loadSnapshot(ctx, b, o, hash)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(snap)
	}
	snap.StateHash = hash
	snap.UpdatedAt = o.now().UnixMilli()

	data, err := EncodeSnapshot(snap)
	if err != nil {
		return nil, err
	}
	if err := b.write(ctx, hash, data); err != nil {
		return nil, fmt.Errorf("update snapshot %s: %w", hash, err)
	}
	return snap, nil
}
