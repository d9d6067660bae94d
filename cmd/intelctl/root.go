package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"intelligence-substrate/core/internal/app"
	"intelligence-substrate/core/internal/config"
)

const closeTimeout = 10 * time.Second

type rootOptions struct {
	envFile string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "intelctl",
		Short:         "Drive the intelligence substrate from the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "env file to load; variables in the environment win")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newGenerateCmd(opts),
		newStreamCmd(opts),
		newVideoCmd(opts),
		newCreditsCmd(opts),
		newStateCmd(opts),
		newResetCmd(opts),
		newTelemetryCmd(opts),
		newTrackCmd(opts),
		newFlushCmd(opts),
		newHealthCmd(opts),
	)
	return rootCmd
}

func newLogger(cfg *config.Config, verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// withApp builds and starts the app, runs fn, then closes the app. SIGINT/SIGTERM hand queued telemetry to
// the beacon path and cancel ctx.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) (err error) {
	cfg, err := config.LoadFile(opts.envFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts.verbose)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := a.Close(cctx); cerr != nil {
			logger.Warn("intelctl: close", zap.Error(cerr))
		}
	}()

	ctx := a.Hooks.WatchSignals(cmd.Context())
	a.Start(ctx)
	return fn(ctx, a)
}
