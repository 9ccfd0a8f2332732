package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/ride-negotiation/internal/config"
	"github.com/example/ride-negotiation/internal/logging"
	"github.com/example/ride-negotiation/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ride-negotiation",
		Short:         "Ride price negotiation API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newSweepCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required to serve")
			}
			logger := logging.NewLogger(cfg.LogLevel)
			ctx := cmd.Context()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			go func() {
				if err := a.hub.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("live bridge stopped", "err", err)
				}
			}()
			go a.sweeper.Run(ctx)

			srv := &http.Server{
				Addr:         cfg.HTTPAddr,
				Handler:      a.handler(),
				ReadTimeout:  cfg.ReadTimeout,
				WriteTimeout: cfg.WriteTimeout,
				IdleTimeout:  cfg.IdleTimeout,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("ride-negotiation listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("http shutdown", "err", err)
				}
			}
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.LogLevel)
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			sqlStore, ok := store.(*storage.SQLStore)
			if !ok {
				return fmt.Errorf("store driver %q has no schema", cfg.StoreDriver)
			}
			if err := sqlStore.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("migrations applied", "store", cfg.StoreDriver)
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry and timeout pass, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.LogLevel)
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			stats, err := a.sweeper.SweepOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d orphaned=%d timed_out=%d\n", stats.Expired, stats.Orphaned, stats.TimedOut)
			return err
		},
	}
}
