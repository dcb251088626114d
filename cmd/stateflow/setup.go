package main

import (
	"context"
	"fmt"
	"io"

	"github.com/smallnest/stateflow/config"
	"github.com/smallnest/stateflow/engine"
	"github.com/smallnest/stateflow/log"
	"github.com/smallnest/stateflow/secret"
	"github.com/smallnest/stateflow/store"
	"github.com/smallnest/stateflow/store/memory"
	"github.com/smallnest/stateflow/store/postgres"
	"github.com/smallnest/stateflow/store/redis"
	"github.com/smallnest/stateflow/store/sqlite"
)

// openStore connects the backend selected by cfg. Secrets live in the same
// backend as the states.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, secret.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memory.NewMemoryStore(), secret.NewMemoryStore(), nil
	case config.DriverSQLite:
		s, err := sqlite.NewSqliteStore(sqlite.SqliteOptions{
			Path:        cfg.Store.SQLite.Path,
			TablePrefix: cfg.Store.SQLite.TablePrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Secrets(), nil
	case config.DriverPostgres:
		s, err := postgres.NewPostgresStore(ctx, postgres.PostgresOptions{
			ConnString:  cfg.Store.Postgres.ConnString,
			TablePrefix: cfg.Store.Postgres.TablePrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := s.InitSchema(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s.Secrets(), nil
	case config.DriverRedis:
		s := redis.NewRedisStore(redis.RedisOptions{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		})
		return s, s.Secrets(), nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newLogger(out io.Writer, cfg *config.Config) (log.Logger, error) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return log.New(out, level), nil
}

func retryPolicy(cfg *config.Config) *engine.RetryPolicy {
	r := cfg.Engine.Retry
	return &engine.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		Strategy:    engine.BackoffStrategy(r.Strategy),
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Jitter:      r.Jitter,
	}
}

// newEngine loads the configuration and builds an engine over the configured
// store. The returned close function releases the store.
func newEngine(ctx context.Context, logOut io.Writer, configPath string) (*engine.Engine, *config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := newLogger(logOut, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	s, secrets, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	e := engine.New(s,
		engine.WithLogger(logger),
		engine.WithSecretStore(secrets),
		engine.WithRetryPolicy(retryPolicy(cfg)),
		engine.WithLeaseDuration(cfg.Engine.LeaseDuration),
	)
	closeFn := func() {
		if err := s.Close(); err != nil {
			logger.Warn("failed to close store: %v", err)
		}
	}
	return e, cfg, closeFn, nil
}
