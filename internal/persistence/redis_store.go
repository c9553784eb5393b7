package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/fluxetl/pkg/api"
)

// RedisStore is a StateRepository backed by Redis.
// It uses a simple key structure:
//
//	<prefix>snap:<hash>             => JSON snapshot document
//	<prefix>idx:all                 => SET of all stored hashes
//	<prefix>corrupt:<hash>:<nanos>  => backups of corrupt documents
//
// The index is updated in the same MULTI/EXEC as the document.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.Mutex // serializes read-modify-write in this process
	opts   options
}

var _ StateRepository = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "fluxetl:").
func NewRedisStore(client *redis.Client, prefix string, opts ...Option) *RedisStore {
	if prefix == "" {
		prefix = "fluxetl:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		opts:   newOptions(opts),
	}
}

func (s *RedisStore) keySnapshot(hash string) string {
	return s.prefix + "snap:" + hash
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyBackup(hash string, at time.Time) string {
	return s.prefix + "corrupt:" + hash + ":" + strconv.FormatInt(at.UnixNano(), 10)
}

func (s *RedisStore) Initialize(ctx context.Context, snap *api.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return initializeSnapshot(ctx, s, s.opts, snap)
}

func (s *RedisStore) Update(ctx context.Context, hash string, mutate func(*api.Snapshot)) (*api.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateSnapshot(ctx, s, s.opts, hash, mutate)
}

func (s *RedisStore) Load(ctx context.Context, hash string) (*api.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return loadSnapshot(ctx, s, s.opts, hash)
}

func (s *RedisStore) Exists(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.client.Exists(ctx, s.keySnapshot(hash)).Result()
	if err != nil {
		return false, fmt.Errorf("check snapshot %s: %w", hash, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.keySnapshot(hash))
		p.SRem(ctx, s.keyAll(), hash)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", hash, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashes, err := s.client.SMembers(ctx, s.keyAll()).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.Strings(hashes)
	return hashes, nil
}

// PutRaw stores data as the document for hash without validation.
func (s *RedisStore) PutRaw(ctx context.Context, hash string, data []byte) error {
	return s.write(ctx, hash, data)
}

// BackupKeys returns the keys holding corrupt-document backups for hash.
func (s *RedisStore) BackupKeys(ctx context.Context, hash string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"corrupt:"+hash+":*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *RedisStore) read(ctx context.Context, hash string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.keySnapshot(hash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) write(ctx context.Context, hash string, data []byte) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.keySnapshot(hash), data, 0)
		p.SAdd(ctx, s.keyAll(), hash)
		return nil
	})
	return err
}

func (s *RedisStore) backup(ctx context.Context, hash string, data []byte, at time.Time) error {
	return s.client.Set(ctx, s.keyBackup(hash, at), data, 0).Err()
}
