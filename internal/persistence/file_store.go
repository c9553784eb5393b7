package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/petrijr/fluxetl/pkg/api"
)

const (
	snapshotExt = ".json"
	lockExt     = ".lock"
	tmpExt      = ".tmp"
	corruptTag  = ".corrupt-"
)

// FileStore keeps one JSON document per state hash in a directory:
//
//	<dir>/<hash>.json                   current snapshot
//	<dir>/<hash>.lock                   advisory lock file
//	<dir>/<hash>.json.corrupt-<nanos>   backups of corrupt snapshots
//
// Every operation holds an exclusive flock on the lock file, and writes go
// to a temporary file that is synced and renamed over the snapshot, so a
// reader never observes a partially written document. The lock is advisory
// and local; it is not a distributed lock.
type FileStore struct {
	dir  string
	opts options
}

var _ StateRepository = (*FileStore)(nil)

// NewFileStore creates dir if needed and returns a FileStore rooted there.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir, opts: newOptions(opts)}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the snapshot path for hash.
func (s *FileStore) Path(hash string) string {
	return filepath.Join(s.dir, hash+snapshotExt)
}

func (s *FileStore) Initialize(ctx context.Context, snap *api.Snapshot) error {
	unlock, err := s.lock(snap.StateHash)
	if err != nil {
		return err
	}
	defer unlock()
	return initializeSnapshot(ctx, s, s.opts, snap)
}

func (s *FileStore) Update(ctx context.Context, hash string, mutate func(*api.Snapshot)) (*api.Snapshot, error) {
	unlock, err := s.lock(hash)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return updateSnapshot(ctx, s, s.opts, hash, mutate)
}

func (s *FileStore) Load(ctx context.Context, hash string) (*api.Snapshot, error) {
	unlock, err := s.lock(hash)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return loadSnapshot(ctx, s, s.opts, hash)
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := os.Stat(s.Path(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("file store: stat %s: %w", hash, err)
}

func (s *FileStore) Delete(ctx context.Context, hash string) error {
	unlock, err := s.lock(hash)
	if err != nil {
		return err
	}
	err = os.Remove(s.Path(hash))
	unlock()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file store: delete %s: %w", hash, err)
	}
	if err := os.Remove(s.lockPath(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file store: delete lock %s: %w", hash, err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("file store: list %s: %w", s.dir, err)
	}
	var hashes []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		hashes = append(hashes, strings.TrimSuffix(name, snapshotExt))
	}
	return hashes, nil
}

// Backups returns the paths of corrupt-snapshot backups kept for hash.
func (s *FileStore) Backups(hash string) ([]string, error) {
	return filepath.Glob(filepath.Join(s.dir, hash+snapshotExt+corruptTag+"*"))
}

func (s *FileStore) lockPath(hash string) string {
	return filepath.Join(s.dir, hash+lockExt)
}

// lock takes an exclusive flock for hash and returns the release func.
func (s *FileStore) lock(hash string) (func(), error) {
	if hash == "" || strings.ContainsAny(hash, `/\`) {
		return nil, fmt.Errorf("file store: invalid state hash %q", hash)
	}
	f, err := os.OpenFile(s.lockPath(hash), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("file store: open lock %s: %w", hash, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("file store: lock %s: %w", hash, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func (s *FileStore) read(_ context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) write(_ context.Context, hash string, data []byte) error {
	path := s.Path(hash)
	tmp := path + tmpExt

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) backup(_ context.Context, hash string, data []byte, at time.Time) error {
	path := s.Path(hash) + corruptTag + strconv.FormatInt(at.UnixNano(), 10)
	return os.WriteFile(path, data, 0o644)
}
