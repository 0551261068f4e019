package main

import (
	"github.com/aretw0/keystone/internal/cli"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	opts := &cli.StoreOptions{}
	rootCmd := &cobra.Command{
		Use:   "keystone",
		Short: "Keystone is a transactional entity store with a coherent session cache",
		Long: `Keystone reads and writes entities addressed by kind, id or name, and parent chain,
against a configured backend (memory, sqlite, postgres, redis, s3).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to keystone.yaml")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "Override the configured backend driver")

	rootCmd.AddCommand(
		newGetCmd(opts),
		newPutCmd(opts),
		newDeleteCmd(opts),
		newServeCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}
