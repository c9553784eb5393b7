package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/fluxetl/pkg/api"
)

// SQLiteStore is a StateRepository backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// Snapshots are stored as JSON documents so that external tools read the
// same layout as the file backend. Every write is a single upsert statement.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex // serializes read-modify-write in this process
	opts options
}

// Ensure SQLiteStore implements StateRepository.
var _ StateRepository = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given
// database and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, opts: newOptions(opts)}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			state_hash TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshot_backups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			state_hash TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) Initialize(ctx context.Context, snap *api.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return initializeSnapshot(ctx, s, s.opts, snap)
}

func (s *SQLiteStore) Update(ctx context.Context, hash string, mutate func(*api.Snapshot)) (*api.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateSnapshot(ctx, s, s.opts, hash, mutate)
}

func (s *SQLiteStore) Load(ctx context.Context, hash string) (*api.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return loadSnapshot(ctx, s, s.opts, hash)
}

func (s *SQLiteStore) Exists(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM snapshots WHERE state_hash = ?`, hash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check snapshot %s: %w", hash, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE state_hash = ?`, hash); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", hash, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT state_hash FROM snapshots ORDER BY state_hash`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return hashes, nil
}

// PutRaw stores data as the document for hash without validation.
func (s *SQLiteStore) PutRaw(ctx context.Context, hash string, data []byte) error {
	return s.write(ctx, hash, data)
}

// BackupCount returns how many corrupt documents were backed up for hash.
func (s *SQLiteStore) BackupCount(ctx context.Context, hash string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM snapshot_backups WHERE state_hash = ?`, hash).Scan(&n)
	return n, err
}

func (s *SQLiteStore) read(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE state_hash = ?`, hash).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *SQLiteStore) write(ctx context.Context, hash string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (state_hash, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(state_hash) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		hash, data, s.opts.now().UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) backup(ctx context.Context, hash string, data []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshot_backups (state_hash, payload, created_at) VALUES (?, ?, ?)`,
		hash, data, at.UnixNano(),
	)
	return err
}
