package fluxetl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/petrijr/fluxetl/internal/config"
	"github.com/petrijr/fluxetl/internal/persistence"
)

// Bundle wires a state store and engine settings from a config.Config. It
// owns the connections it opens; Close releases them.
//
// Typical usage:
//
//	cfg, _ := config.Load("fluxetl.yaml")
//	bundle, err := fluxetl.Open(ctx, cfg, logger)
//	defer bundle.Close()
//	eng, err := bundle.NewEngine(cfg.Steps, nil)
type Bundle struct {
	Config *config.Config
	Store  StateRepository
	Logger *slog.Logger

	// RedisConnectTimeout bounds the retries of the initial Redis ping.
	RedisConnectTimeout time.Duration

	closers []func() error
}

// Open creates the state store selected by cfg.Backend.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Bundle, error) {
	if cfg == nil {
		return nil, errors.New("fluxetl: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bundle{Config: cfg, Logger: logger, RedisConnectTimeout: 30 * time.Second}
	opts := []persistence.Option{persistence.WithLogger(logger)}

	switch cfg.Backend {
	case config.BackendMemory:
		b.Store = persistence.NewInMemoryStore(opts...)

	case config.BackendFile:
		s, err := persistence.NewFileStore(cfg.StateDir, opts...)
		if err != nil {
			return nil, err
		}
		b.Store = s

	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.SQLiteDSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite state store: %w", err)
		}
		// One connection keeps read-modify-write cycles on a single SQLite
		// handle.
		db.SetMaxOpenConns(1)
		s, err := persistence.NewSQLiteStore(db, opts...)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		b.Store = s
		b.closers = append(b.closers, db.Close)

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := b.pingRedis(ctx, client); err != nil {
			_ = client.Close()
			return nil, err
		}
		b.Store = persistence.NewRedisStore(client, cfg.RedisPrefix, opts...)
		b.closers = append(b.closers, client.Close)

	default:
		return nil, fmt.Errorf("fluxetl: unknown backend %q", cfg.Backend)
	}
	return b, nil
}

// pingRedis waits for Redis with exponential backoff.
func (b *Bundle) pingRedis(ctx context.Context, client *redis.Client) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	expBackoff.MaxElapsedTime = b.RedisConnectTimeout

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if err := client.Ping(ctx).Err(); err != nil {
			b.Logger.WarnContext(ctx, "redis_ping_failed", slog.String("addr", b.Config.RedisAddr), slog.Any("error", err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(operation, expBackoff); err != nil {
		return fmt.Errorf("failed to connect to Redis after retries: %w", err)
	}
	return nil
}

// NewEngine builds an engine over the bundle's store with the built-in steps
// registered, extra handlers added, and steps declared. An empty steps uses
// DefaultPipeline.
func (b *Bundle) NewEngine(steps []string, obs Observer, extra ...map[string]StepHandler) (*Engine, error) {
	if len(steps) == 0 {
		steps = DefaultPipeline
	}
	if obs == nil {
		obs = NewLoggingObserver(b.Logger)
	}
	cfg := b.Config

	pb := NewPipeline(b.Store)
	for _, handlers := range extra {
		for name, h := range handlers {
			pb.Handle(name, h)
		}
	}
	return pb.WithBuiltins(nil).
		Driver(cfg.Driver, cfg.DriverConfig).
		MemoryLimit(cfg.MemoryLimit).
		Observer(obs).
		Logger(b.Logger).
		Configure(func(ec *EngineConfig) {
			ec.Retention = cfg.Retention
			ec.LenientSteps = cfg.LenientSteps
		}).
		Steps(steps...).
		Build()
}

// Close releases every connection opened by Open.
func (b *Bundle) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
