package persistence

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/fluxetl/internal/testutil"
	"github.com/petrijr/fluxetl/pkg/api"
)

const prefix = "fluxetl:test:"

type RedisStoreTestSuite struct {
	suite.Suite
	endpoint string
	store    *RedisStore
	client   *redis.Client
	ctx      context.Context
}

func TestRedisTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("redis suite needs a container runtime")
	}
	testsuite := new(RedisStoreTestSuite)
	testsuite.endpoint = testutil.GetRedisAddress(t)
	initTestRedisStore(t, testsuite)
	suite.Run(t, testsuite)
}

func (r *RedisStoreTestSuite) SetupTest() {
	ctx := context.Background()

	// Clean up all keys with this prefix.
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		err := r.client.Del(ctx, iter.Val()).Err()
		r.NoErrorf(err, "redis DEL %q failed: %v", iter.Val(), err)
	}
	r.NoError(iter.Err(), "redis SCAN failed")
}

// initTestRedisStore connects to Redis using the address given in testSuite-argument.
// It fills the testSuite with a RedisStore using a test-specific prefix.
func initTestRedisStore(t *testing.T, ts *RedisStoreTestSuite) {
	t.Helper()

	if ts == nil {
		t.FailNow()
	}
	client := redis.NewClient(&redis.Options{
		Addr: ts.endpoint,
	})
	t.Cleanup(func() {
		_ = client.Close()
	})
	ts.client = client

	ctx := context.Background()
	ts.ctx = ctx
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	ts.store = NewRedisStore(client, prefix, WithClock(steppingClock()))
}

func (r *RedisStoreTestSuite) TestRedisStore_InitializeUpdateLoad() {
	err := r.store.Initialize(r.ctx, sampleSnapshot("redis-1"))
	r.NoError(err, "Initialize failed")

	_, err = r.store.Update(r.ctx, "redis-1", func(s *api.Snapshot) {
		s.Status = api.StatusCompleted
		s.CurrentStepIndex = 2
		s.StepProgress["import_rows"] = api.StepRecord{Status: api.StepCompleted, Imported: 10}
	})
	r.NoError(err, "Update failed")

	got, err := r.store.Load(r.ctx, "redis-1")
	r.NoError(err, "Load failed")
	r.Equal(api.StatusCompleted, got.Status)
	r.Equal(2, got.CurrentStepIndex)
	r.Equal(10, got.StepProgress["import_rows"].Imported)
	r.Equal("run-1", got.RunID)
}

func (r *RedisStoreTestSuite) TestRedisStore_ListAndDelete() {
	for _, h := range []string{"redis-b", "redis-a"} {
		r.NoError(r.store.Initialize(r.ctx, sampleSnapshot(h)))
	}

	hashes, err := r.store.List(r.ctx)
	r.NoError(err)
	r.Equal([]string{"redis-a", "redis-b"}, hashes)

	r.NoError(r.store.Delete(r.ctx, "redis-a"))
	ok, err := r.store.Exists(r.ctx, "redis-a")
	r.NoError(err)
	r.False(ok)

	hashes, err = r.store.List(r.ctx)
	r.NoError(err)
	r.Equal([]string{"redis-b"}, hashes)
}

func (r *RedisStoreTestSuite) TestRedisStore_RecoversCorruptSnapshot() {
	r.NoError(r.store.PutRaw(r.ctx, "redis-bad", []byte("{{{")))

	got, err := r.store.Load(r.ctx, "redis-bad")
	r.NoError(err)
	r.Equal(api.StatusStarted, got.Status)
	r.Empty(got.StepProgress)

	keys, err := r.store.BackupKeys(r.ctx, "redis-bad")
	r.NoError(err)
	r.Len(keys, 1)
}

func (r *RedisStoreTestSuite) TestRedisStore_LoadMissing() {
	_, err := r.store.Load(r.ctx, "redis-missing")
	r.ErrorIs(err, ErrSnapshotNotFound)
}
