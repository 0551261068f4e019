package cli

import (
	"context"
	"fmt"

	"github.com/aretw0/keystone"
)

// StoreOptions are the flags shared by every command that opens a store.
type StoreOptions struct {
	ConfigPath string
	LogLevel   string
	Backend    string
}

// OpenStore loads the configuration and opens the store. Flags win over the file and the
// environment.
func OpenStore(ctx context.Context, opts StoreOptions) (*keystone.Store, error) {
	cfg, err := keystone.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.Backend != "" {
		cfg.Backend.Driver = opts.Backend
	}
	store, err := keystone.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("error opening store: %w", err)
	}
	return store, nil
}
