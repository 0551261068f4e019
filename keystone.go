package keystone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/keystone/internal/config"
	"github.com/aretw0/keystone/internal/logging"
	"github.com/aretw0/keystone/pkg/adapters/memory"
	"github.com/aretw0/keystone/pkg/adapters/redis"
	"github.com/aretw0/keystone/pkg/adapters/s3"
	"github.com/aretw0/keystone/pkg/adapters/sql"
	"github.com/aretw0/keystone/pkg/identity"
	"github.com/aretw0/keystone/pkg/observability"
	"github.com/aretw0/keystone/pkg/persistence/middleware"
	"github.com/aretw0/keystone/pkg/ports"
	"github.com/aretw0/keystone/pkg/registry"
	"github.com/aretw0/keystone/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	backend "github.com/redis/go-redis/v9"
)

// Version is set at build time with -ldflags "-X github.com/aretw0/keystone.Version=...".
var Version = "0.1.0-dev"

// Config is the operator configuration accepted by Open.
type Config = config.Config

// DefaultConfig returns an all in-memory configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a YAML file (optional) plus KEYSTONE_* environment overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Store is a configured backend, shared cache and session factory.
type Store struct {
	cfg      Config
	registry *registry.Registry
	factory  *session.Factory
	backend  ports.Backend
	shared   ports.SharedCache
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	closers  []func() error
}

// Option configures Open.
type Option func(*Store)

// WithLogger overrides the logger built from the configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithRegistry supplies the kind registry. Kinds may still be registered after Open.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Store) {
		s.registry = r
	}
}

// WithBackend bypasses the configured backend driver.
func WithBackend(b ports.Backend) Option {
	return func(s *Store) {
		s.backend = b
	}
}

// Open builds a Store from cfg. When cfg.Backend.EncryptionKey is set, payloads are sealed
// before they reach the backend, including one supplied through WithBackend.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		s.logger = logging.New(level, cfg.Log.Format)
	}
	if s.registry == nil {
		s.registry = registry.NewRegistry()
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		s.metrics = observability.NewMetrics(reg)
		s.gatherer = reg
	}

	var lockClient *backend.Client
	if err := s.openSharedCache(cfg.SharedCache, &lockClient); err != nil {
		_ = s.Close()
		return nil, err
	}
	if s.backend == nil {
		if err := s.openBackend(ctx, cfg.Backend, lockClient); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	if cfg.Backend.EncryptionKey != "" {
		mw, err := encryption(cfg.Backend)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.backend = middleware.Chain(s.backend, mw)
	}

	factoryOpts := []session.Option{session.WithLogger(s.logger), session.WithMetrics(s.metrics)}
	if s.shared != nil {
		factoryOpts = append(factoryOpts, session.WithSharedCache(s.shared))
	}
	s.factory = session.NewFactory(s.backend, identity.NewResolver(s.registry), factoryOpts...)
	s.logger.Debug("Store opened", "backend", cfg.Backend.Driver, "shared_cache", cfg.SharedCache.Driver)
	return s, nil
}

func (s *Store) openSharedCache(cfg config.SharedCacheConfig, client **backend.Client) error {
	switch cfg.Driver {
	case config.DriverMemory:
		cache, err := memory.NewSharedCache(cfg.Size)
		if err != nil {
			return fmt.Errorf("shared cache: %w", err)
		}
		s.shared = cache
	case config.DriverRedis:
		rdb := backend.NewClient(&backend.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
		s.closers = append(s.closers, rdb.Close)
		opts := []redis.Option{redis.WithTTL(cfg.TTL)}
		if cfg.GenerationTTL > 0 {
			opts = append(opts, redis.WithGenerationTTL(cfg.GenerationTTL))
		}
		if cfg.Prefix != "" {
			opts = append(opts, redis.WithPrefix(cfg.Prefix))
		}
		s.shared = redis.NewSharedCache(rdb, opts...)
		*client = rdb
	}
	return nil
}

func (s *Store) openBackend(ctx context.Context, cfg config.BackendConfig, lockClient *backend.Client) error {
	switch cfg.Driver {
	case config.DriverMemory:
		s.backend = memory.NewBackend()
	case config.DriverSQLite, config.DriverPostgres:
		var opts []sql.Option
		if cfg.Prefix != "" {
			opts = append(opts, sql.WithTablePrefix(cfg.Prefix))
		}
		var (
			b   *sql.Backend
			err error
		)
		if cfg.Driver == config.DriverSQLite {
			b, err = sql.OpenSQLite(ctx, cfg.Path, opts...)
		} else {
			b, err = sql.OpenPostgres(ctx, cfg.DSN, opts...)
		}
		if err != nil {
			return err
		}
		s.closers = append(s.closers, b.Close)
		s.backend = b
	case config.DriverRedis:
		var opts []redis.Option
		if cfg.Prefix != "" {
			opts = append(opts, redis.WithPrefix(cfg.Prefix))
		}
		b := redis.New(cfg.Addr, cfg.Password, cfg.DB, opts...)
		s.closers = append(s.closers, b.Close)
		s.backend = b
	case config.DriverS3:
		opts := []s3.Option{s3.WithLogger(s.logger)}
		if cfg.Prefix != "" {
			opts = append(opts, s3.WithPrefix(cfg.Prefix))
		}
		if cfg.Lock && lockClient != nil {
			opts = append(opts, s3.WithLocker(redis.NewLocker(lockClient, redis.DefaultPrefix)))
		}
		b, err := s3.New(ctx, s3.Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		}, opts...)
		if err != nil {
			return err
		}
		s.backend = b
	}
	return nil
}

func encryption(cfg config.BackendConfig) (middleware.Middleware, error) {
	active, err := middleware.ParseKey(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("backend.encryption_key: %w", err)
	}
	ec := middleware.EncryptionConfig{ActiveKey: active}
	for i, raw := range cfg.FallbackKeys {
		k, err := middleware.ParseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("backend.fallback_keys[%d]: %w", i, err)
		}
		ec.FallbackKeys = append(ec.FallbackKeys, k)
	}
	return middleware.NewEncryptionMiddleware(ec)
}

// Config returns the configuration the store was opened with.
func (s *Store) Config() Config { return s.cfg }

// Registry is where entity kinds are registered.
func (s *Store) Registry() *registry.Registry { return s.registry }

// Factory creates execution contexts.
func (s *Store) Factory() *session.Factory { return s.factory }

// Begin returns a fresh root transactionless context.
func (s *Store) Begin() *session.Context { return s.factory.Begin() }

// Transact runs fn in a new transaction, committing on success.
func (s *Store) Transact(ctx context.Context, fn func(context.Context, *session.Context) error) error {
	return s.factory.Transact(ctx, fn)
}

// Backend is the authoritative store.
func (s *Store) Backend() ports.Backend { return s.backend }

// Gatherer exposes the metrics registry, or nil when metrics are disabled.
func (s *Store) Gatherer() prometheus.Gatherer { return s.gatherer }

// Logger is the store's logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

// Close releases database and Redis connections.
func (s *Store) Close() error {
	var errs []error
	for n := len(s.closers) - 1; n >= 0; n-- {
		errs = append(errs, s.closers[n]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
