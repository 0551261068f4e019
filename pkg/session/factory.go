package session

import (
	"context"
	"log/slog"

	"github.com/aretw0/keystone/internal/logging"
	"github.com/aretw0/keystone/pkg/identity"
	"github.com/aretw0/keystone/pkg/observability"
	"github.com/aretw0/keystone/pkg/ports"
	"golang.org/x/sync/singleflight"
)

// Factory creates execution contexts over one backend.
type Factory struct {
	backend  ports.Backend
	resolver *identity.Resolver
	shared   ports.SharedCache
	logger   *slog.Logger
	metrics  *observability.Metrics
	guard    Guard

	// loads collapses concurrent transactionless reads of one identity into one backend get.
	loads singleflight.Group
}

// Option configures the Factory.
type Option func(*Factory)

// WithSharedCache layers a process-wide read cache beneath every transactionless context.
func WithSharedCache(cache ports.SharedCache) Option {
	return func(f *Factory) {
		f.shared = cache
	}
}

// WithLogger configures a logger for the Factory and its contexts.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithMetrics records cache and commit metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(f *Factory) {
		f.metrics = m
	}
}

// NewFactory creates a Factory reading and writing through backend.
func NewFactory(backend ports.Backend, resolver *identity.Resolver, opts ...Option) *Factory {
	f := &Factory{
		backend:  backend,
		resolver: resolver,
		logger:   logging.NewNop(), // Default to no-op
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Begin returns a new root context. It has no backend transaction: its writes apply
// immediately.
func (f *Factory) Begin() *Context {
	return newContext(f, nil, ports.NoTx, false)
}

// Transact runs fn in a new transaction begun from a fresh root context.
// See Context.Transact.
func (f *Factory) Transact(ctx context.Context, fn func(context.Context, *Context) error) error {
	return f.Begin().Transact(ctx, fn)
}

// Backend returns the backend contexts operate on.
func (f *Factory) Backend() ports.Backend { return f.backend }

// Resolver returns the identity resolver.
func (f *Factory) Resolver() *identity.Resolver { return f.resolver }

// SharedCache returns the shared cache, or nil.
func (f *Factory) SharedCache() ports.SharedCache { return f.shared }
