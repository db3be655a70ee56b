package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"expertflow/config"
	"expertflow/db"
)

const appName = "expertflow"

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Proposal lifecycle and expert reliability service",
		Long: `expertflow runs the proposal lifecycle API: recruiters send proposals,
experts answer them within one hour, and unanswered proposals turn into
strikes that freeze the expert's public profile.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(opts),
		migrateCmd(opts),
		sweepCmd(opts),
		relayCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

// load reads configuration and installs the default logger.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// setup is load plus the checks needed to run the services.
func (o *rootOptions) setup(inMemory bool) (*config.Config, *slog.Logger, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(inMemory); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}

func serveCmd(opts *rootOptions) *cobra.Command {
	var inMemory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the outbox relay and the overdue sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup(inMemory)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger, inMemory)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(ctx, a)
		},
	}
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "Keep all data in process memory (no PostgreSQL or Redis)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	g, gctx := errgroup.WithContext(ctx)
	srv := a.httpServer(gctx)

	g.Go(func() error {
		a.logger.Info("http server listening", "addr", srv.Addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.sessions.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(a.relay.Run(gctx))
	})
	if a.cfg.Sweeper.Enabled {
		g.Go(func() error {
			return ignoreCanceled(a.sweeper.Run(gctx))
		})
	}
	return g.Wait()
}

func migrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded SQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			pool, err := db.NewPool(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool, logger)
			if err != nil {
				return err
			}
			logger.Info("migrations complete", "applied", len(applied))
			return nil
		},
	}
}

func sweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue proposals and lift elapsed freezes once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup(false)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.close()

			started := time.Now()
			res, err := a.sweeper.RunOnce(cmd.Context())
			logger.Info("sweep finished", "expired", res.Expired, "unfrozen", res.Unfrozen, "took", time.Since(started))
			if err != nil {
				return err
			}
			// Deliver what the sweep queued without waiting for a serve process.
			drained, err := a.relay.Drain(cmd.Context())
			logger.Info("outbox drained", "delivered", drained.Delivered, "retried", drained.Retried, "dead", drained.Dead)
			return err
		},
	}
}

func relayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Deliver every due outbox message once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup(false)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.relay.Drain(cmd.Context())
			logger.Info("outbox drained",
				"claimed", res.Claimed, "delivered", res.Delivered, "retried", res.Retried, "dead", res.Dead)
			return err
		},
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
