package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/fluxetl/pkg/api"
)

// InMemoryStore is a goroutine-safe StateRepository backed by maps.
//
// It keeps encoded documents rather than Go values so that callers never
// share snapshot memory with the store, and so that corruption recovery
// behaves exactly as it does for the durable backends.
type InMemoryStore struct {
	mu      sync.Mutex
	docs    map[string][]byte
	backups map[string][][]byte
	opts    options
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	return &InMemoryStore{
		docs:    make(map[string][]byte),
		backups: make(map[string][][]byte),
		opts:    newOptions(opts),
	}
}

// Ensure InMemoryStore implements the interface.
var _ StateRepository = (*InMemoryStore)(nil)

func (s *InMemoryStore) Initialize(ctx context.Context, snap *api.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return initializeSnapshot(ctx, s, s.opts, snap)
}

func (s *InMemoryStore) Update(ctx context.Context, hash string, mutate func(*api.Snapshot)) (*api.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateSnapshot(ctx, s, s.opts, hash, mutate)
}

func (s *InMemoryStore) Load(ctx context.Context, hash string) (*api.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return loadSnapshot(ctx, s, s.opts, hash)
}

func (s *InMemoryStore) Exists(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[hash]
	return ok, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, hash)
	return nil
}

func (s *InMemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.docs))
	for h := range s.docs {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}

// PutRaw stores data as the document for hash without validation. Tests use
// it to plant corrupt snapshots.
func (s *InMemoryStore) PutRaw(hash string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[hash] = append([]byte(nil), data...)
}

// Backups returns the corrupt documents backed up for hash.
func (s *InMemoryStore) Backups(hash string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.backups[hash]...)
}

func (s *InMemoryStore) read(_ context.Context, hash string) ([]byte, error) {
	data, ok := s.docs[hash]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *InMemoryStore) write(_ context.Context, hash string, data []byte) error {
	s.docs[hash] = append([]byte(nil), data...)
	return nil
}

func (s *InMemoryStore) backup(_ context.Context, hash string, data []byte, _ time.Time) error {
	s.backups[hash] = append(s.backups[hash], append([]byte(nil), data...))
	return nil
}
