package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/fluxetl/pkg/api"
)

var (
	// ErrSnapshotNotFound is returned when no snapshot exists for a hash.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// StateRepository stores run snapshots keyed by state hash.
//
// Implementations must make every write atomic from a reader's point of view
// and must never fail Load because of a corrupt payload: a corrupt snapshot
// is backed up and replaced by api.NewRecoverySnapshot.
type StateRepository interface {
	// Initialize writes snap, replacing any existing snapshot for
	// snap.StateHash. It is used for the first write of a run and for
	// explicit restarts.
	Initialize(ctx context.Context, snap *api.Snapshot) error

	// Update loads the snapshot for hash, applies mutate and writes the
	// result back. It returns the written snapshot.
	Update(ctx context.Context, hash string, mutate func(*api.Snapshot)) (*api.Snapshot, error)

	// Load returns the snapshot for hash, or ErrSnapshotNotFound.
	Load(ctx context.Context, hash string) (*api.Snapshot, error)

	// Exists reports whether a snapshot is stored for hash.
	Exists(ctx context.Context, hash string) (bool, error)

	// Delete removes the snapshot for hash. Deleting a missing snapshot is
	// not an error.
	Delete(ctx context.Context, hash string) error

	// List returns the hashes of all stored snapshots.
	List(ctx context.Context) ([]string, error)
}
