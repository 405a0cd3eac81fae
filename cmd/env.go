package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/alphascore/internal/config"
	"github.com/sells-group/alphascore/internal/engine"
	"github.com/sells-group/alphascore/internal/resilience"
	"github.com/sells-group/alphascore/internal/scorer"
	"github.com/sells-group/alphascore/internal/store"
)

// appEnv holds the wired dependencies shared by the commands.
type appEnv struct {
	Store    store.Store
	Engine   *engine.Engine
	Registry *prometheus.Registry
	Breaker  *store.GuardedRepository

	redis *redis.Client
}

// initEnv opens the store and builds the engine from cfg.
func initEnv(ctx context.Context) (*appEnv, error) {
	policy, err := loadPolicy(cfg.Engine)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	env := &appEnv{Store: st, Registry: prometheus.NewRegistry()}
	env.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var repo store.Repository = st
	if cfg.Redis.Addr != "" {
		env.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := env.redis.Ping(ctx).Err(); err != nil {
			zap.L().Warn("redis unavailable, archive cache disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			_ = env.redis.Close()
			env.redis = nil
		} else {
			cache := store.NewCachedArchive(st, env.redis, secs(cfg.Redis.TTLSecs), cfg.Redis.Prefix)
			repo = store.WithArchive(st, cache)
		}
	}

	env.Breaker = store.NewGuardedRepository(repo, store.BreakerConfig{
		ConsecutiveFailures: uint32(max(cfg.Store.BreakerFailures, 1)),
		Timeout:             secs(cfg.Store.BreakerTimeoutSecs),
	})

	var metrics *engine.Metrics
	if cfg.Metrics.Enabled {
		metrics = engine.NewMetrics(env.Registry, "")
	}

	retry := resilience.DefaultRetryConfig()
	if cfg.Store.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.Store.RetryAttempts
	}

	env.Engine, err = engine.New(env.Breaker, policy, engine.Options{
		StoreTimeout:  secs(cfg.Store.TimeoutSecs),
		Retry:         retry,
		BatchSize:     cfg.Batch.Size,
		RatePerSec:    cfg.Batch.RatePerSec,
		FallbackScore: cfg.Engine.FallbackScore,
		Metrics:       metrics,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// Close releases the store and cache connections.
func (e *appEnv) Close() {
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			zap.L().Warn("close redis", zap.Error(err))
		}
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required (ALPHASCORE_STORE_DATABASE_URL)")
		}
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// loadPolicy builds the scoring policy from config, then applies the
// optional policy file on top.
func loadPolicy(ec config.EngineConfig) (scorer.Policy, error) {
	p := scorer.DefaultPolicy()
	p.Weights.Spotter = ec.Weights.Spotter
	p.Weights.Community = ec.Weights.Community
	p.Weights.Velocity = ec.Weights.Velocity
	p.Weights.Platform = ec.Weights.Platform
	p.Weights.Similarity = ec.Weights.Similarity
	if ec.HistoryWindowDays > 0 {
		p.History.Window = time.Duration(ec.HistoryWindowDays) * 24 * time.Hour
	}
	if ec.HistoryLimit > 0 {
		p.History.Limit = ec.HistoryLimit
	}

	if ec.PolicyFile != "" {
		return scorer.LoadPolicyFile(ec.PolicyFile, p)
	}
	if err := p.Validate(); err != nil {
		return scorer.Policy{}, err
	}
	return p, nil
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
