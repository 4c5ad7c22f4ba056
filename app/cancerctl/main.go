// Command cancerctl trains, evaluates and applies the cancer detection models.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/cancer-detection/config"
	"github.com/tsawler/cancer-detection/logging"
	"github.com/tsawler/cancer-detection/tracker"
)

// env is what every command needs: the configuration, a logger and, for
// commands that record runs, the tracker.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *tracker.Store
}

func (e *env) close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("closing tracker", zap.Error(err))
		}
	}
	_ = e.logger.Sync()
}

var configDir string

func setup(ctx context.Context, withTracker bool) (*env, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger}
	if withTracker {
		store, err := tracker.Open(ctx, cfg.Paths.MLRunsDir, tracker.DefaultExperiment, logger)
		if err != nil {
			return nil, err
		}
		e.store = store
	}
	return e, nil
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cancerctl",
		Short:         "train, evaluate and run the histopathology cancer classifiers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "configs", "directory holding paths/train/metrics/models/logging configuration")

	root.AddCommand(
		trainCmd(),
		trainManyCmd(),
		evaluateCmd(),
		predictCmd(),
		splitsCmd(),
		runsCmd(),
		reportCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
