// Package bootstrap assembles a checkpoint store, planning engine and
// retention sweeper from config.Settings.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/passage/pkg/passage"
	"github.com/randalmurphal/passage/pkg/passage/cache"
	"github.com/randalmurphal/passage/pkg/passage/checkpoint"
	"github.com/randalmurphal/passage/pkg/passage/checkpoint/postgres"
	"github.com/randalmurphal/passage/pkg/passage/config"
	"github.com/randalmurphal/passage/pkg/passage/observability"
	"github.com/randalmurphal/passage/pkg/passage/retention"
)

// App is a wired passage deployment.
type App struct {
	Settings config.Settings
	Logger   *slog.Logger
	Store    *checkpoint.TieredStore
	Engine   *passage.Engine
	// Sweeper is nil when retention is disabled.
	Sweeper *retention.Sweeper

	closers []func() error
}

type options struct {
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	engine  []passage.Option
}

// Option configures Open.
type Option func(*options)

// WithLogger replaces the logger built from Settings.Logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTelemetry records OpenTelemetry metrics and spans through the global
// providers.
func WithTelemetry() Option {
	return func(o *options) {
		o.metrics = observability.NewMetricsRecorder()
		o.spans = observability.NewSpanManager()
	}
}

// WithEngineOptions passes extra options to passage.New. They are applied
// after the ones derived from Settings.
func WithEngineOptions(opts ...passage.Option) Option {
	return func(o *options) { o.engine = append(o.engine, opts...) }
}

// Open validates s and connects every configured component. On error,
// anything already opened is closed.
func Open(ctx context.Context, s config.Settings, opts ...Option) (_ *App, err error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	o := options{
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = observability.NewLogger(os.Stderr, s.Logging)
	}

	app := &App{Settings: s, Logger: o.logger}
	defer func() {
		if err != nil {
			_ = app.closeAll()
		}
	}()

	backend, err := openBackend(ctx, s.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", s.Store.Backend, err)
	}

	c, err := app.openCache(ctx, s)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("open %s cache: %w", s.Cache.Backend, err)
	}

	storeOpts := []checkpoint.Option{
		checkpoint.WithCache(c),
		checkpoint.WithCacheTTL(s.Store.CacheTTL),
		checkpoint.WithCompression(s.Store.Compression),
		checkpoint.WithCleanupConcurrency(s.Retention.Concurrency),
		checkpoint.WithLogger(o.logger),
		checkpoint.WithMetrics(o.metrics),
	}
	if s.Store.KeyPrefix != "" {
		storeOpts = append(storeOpts, checkpoint.WithKeyPrefix(s.Store.KeyPrefix))
	}
	if s.Retention.Enabled {
		storeOpts = append(storeOpts, checkpoint.WithRetention(checkpoint.Retention{
			MaxAge:         s.Retention.MaxAge,
			MaxCheckpoints: s.Retention.MaxCheckpoints,
		}))
	}

	store, err := checkpoint.NewTieredStore(backend, storeOpts...)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("create store: %w", err)
	}
	app.Store = store
	// The store closes the durable backend; close it before the caches.
	app.closers = append([]func() error{store.Close}, app.closers...)

	engineOpts := append([]passage.Option{
		passage.WithLogger(o.logger),
		passage.WithMaxSteps(s.Workflow.MaxSteps),
		passage.WithCostApprovalThreshold(s.Workflow.CostApprovalThreshold),
		passage.WithMetrics(o.metrics),
		passage.WithTracing(o.spans),
	}, o.engine...)
	app.Engine, err = passage.New(store, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	if s.Retention.Enabled {
		app.Sweeper, err = retention.New(store, s.Retention.Schedule, retention.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
	}

	o.logger.Info("passage opened",
		slog.String("store", s.Store.Backend),
		slog.String("cache", s.Cache.Backend),
		slog.Bool("retention", s.Retention.Enabled),
	)
	return app, nil
}

func openBackend(ctx context.Context, s config.Store) (checkpoint.Backend, error) {
	switch s.Backend {
	case config.BackendMemory:
		return checkpoint.NewMemoryBackend(), nil
	case config.BackendSQLite:
		return checkpoint.NewSQLiteBackend(s.SQLitePath)
	case config.BackendPostgres:
		return postgres.Open(ctx, s.Postgres)
	default:
		return nil, fmt.Errorf("unknown store backend %q", s.Backend)
	}
}

// openCache builds the configured cache tier and registers its closers.
func (a *App) openCache(ctx context.Context, s config.Settings) (cache.Cache, error) {
	switch s.Cache.Backend {
	case config.CacheNone:
		return cache.Nop{}, nil
	case config.CacheRistretto:
		return a.openRistretto(s.Cache)
	case config.CacheRedis:
		return a.openRedis(ctx, s.Cache)
	case config.CacheNATSKV:
		return a.openNATSKV(ctx, s)
	case config.CacheLayered:
		l1, err := a.openRistretto(s.Cache)
		if err != nil {
			return nil, err
		}
		var l2 cache.Cache
		if s.Cache.Remote == config.CacheNATSKV {
			l2, err = a.openNATSKV(ctx, s)
		} else {
			l2, err = a.openRedis(ctx, s.Cache)
		}
		if err != nil {
			return nil, err
		}
		return cache.NewLayered(l1, l2, s.Cache.L1TTL), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", s.Cache.Backend)
	}
}

func (a *App) openRistretto(c config.Cache) (*cache.Ristretto, error) {
	r, err := cache.NewRistretto(c.MaxCostBytes)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { r.Close(); return nil })
	return r, nil
}

func (a *App) openRedis(ctx context.Context, c config.Cache) (*cache.Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr, DB: c.RedisDB})
	a.closers = append(a.closers, client.Close)

	r := cache.NewRedis(client, cache.WithRedisLogger(a.Logger))
	if err := r.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", c.RedisAddr, err)
	}
	return r, nil
}

func (a *App) openNATSKV(ctx context.Context, s config.Settings) (*cache.NATSKV, error) {
	nc, err := nats.Connect(s.Cache.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	a.closers = append(a.closers, func() error { nc.Close(); return nil })

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	kv, err := cache.OpenNATSKV(ctx, js, s.Cache.NATSBucket, s.Store.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("nats kv bucket %s: %w", s.Cache.NATSBucket, err)
	}
	return kv, nil
}

// Start launches the retention sweeper, if any.
func (a *App) Start() error {
	if a.Sweeper == nil {
		return nil
	}
	return a.Sweeper.Start()
}

// Close stops the sweeper and releases the store and caches.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Sweeper != nil {
		errs = append(errs, a.Sweeper.Stop(ctx))
	}
	errs = append(errs, a.closeAll())
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}
