package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aretw0/keystone/internal/cli"
	keystonehttp "github.com/aretw0/keystone/pkg/adapters/http"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *cli.StoreOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP entity API",
		Long:  `Serves /entities/{kind}/{key}, /healthz and /metrics over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := cli.OpenStore(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			logger := store.Logger()

			handlerOpts := []keystonehttp.Option{keystonehttp.WithLogger(logger)}
			if g := store.Gatherer(); g != nil {
				handlerOpts = append(handlerOpts, keystonehttp.WithMetrics(g))
			}
			if listen == "" {
				listen = store.Config().Metrics.Listen
			}
			srv := &http.Server{
				Addr:              listen,
				Handler:           keystonehttp.NewHandler(store.Factory(), handlerOpts...),
				ReadHeaderTimeout: 10 * time.Second,
			}

			// Channel to listen for errors coming from the listener.
			serverErrors := make(chan error, 1)
			go func() {
				logger.Info("Starting Keystone server", "addr", srv.Addr)
				serverErrors <- srv.ListenAndServe()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			select {
			case err := <-serverErrors:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				logger.Info("Start shutdown")
				// Give outstanding requests a deadline for completion.
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Graceful shutdown did not complete", "timeout", shutdownTimeout, "err", err)
					return srv.Close()
				}
				logger.Info("Keystone server stopped gracefully")
				return nil
			}
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Address to listen on (default from config metrics.listen)")
	return cmd
}
