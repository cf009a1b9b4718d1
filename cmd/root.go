// Package cmd defines the CLI commands for the episode-sync executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/catalog"
	"github.com/JakeFAU/episode-sync/internal/config"
	"github.com/JakeFAU/episode-sync/internal/logging"
	"github.com/JakeFAU/episode-sync/internal/proxy"
	"github.com/JakeFAU/episode-sync/internal/server"
)

// envKeyType is the key for storing the loaded Env in the context.
type envKeyType string

const envKey envKeyType = "env"

// Env is what the root command loads before any subcommand runs.
type Env struct {
	Config *config.Config
	Logger *zap.Logger
}

// App defines the application interface that commands use.
// Tests replace newApp to inject a fake.
type App interface {
	RunSync(ctx context.Context) (catalog.RunSummary, error)
	Serve(ctx context.Context, addr string) error
	Close(ctx context.Context) error
}

// ProxyPool is the part of the proxy manager the proxies command reports on.
type ProxyPool interface {
	Stats() proxy.Stats
}

var newApp = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (App, error) {
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return app, nil
}

var newProxyPool = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ProxyPool, error) {
	pool, err := server.BuildProxyPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

var newLogger = func(cfg config.LoggingConfig) (*zap.Logger, error) {
	return logging.New(logging.Options{Development: cfg.Development, Level: cfg.Level})
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "episode-sync",
		Short: "Synchronizes series and episode streaming sources into a catalog store.",
		Long: `episode-sync discovers the latest episodes on the source site, resolves every
embedded server down to a playable URL through the proxy pool, and upserts the
results into the catalog store. Items with too few servers are retried later.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &Env{Config: &cfg, Logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if env, err := resolveEnv(cmd.Context()); err == nil {
				_ = env.Logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env EPISODESYNC_* overrides)")

	cmd.AddCommand(newSyncCmd(), newServeCmd(), newProxiesCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*Env, error) {
	if ctx == nil {
		return nil, errors.New("command context is nil")
	}
	env, ok := ctx.Value(envKey).(*Env)
	if !ok || env == nil {
		return nil, errors.New("configuration was not loaded")
	}
	return env, nil
}

// Execute is the main entry point.
func Execute(ctx context.Context) int {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "episode-sync:", err)
		return 1
	}
	return 0
}
