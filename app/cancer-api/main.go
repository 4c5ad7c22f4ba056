// Command cancer-api serves the best checkpoint of the configured model over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/cancer-detection/checkpoints"
	"github.com/tsawler/cancer-detection/config"
	"github.com/tsawler/cancer-detection/device"
	"github.com/tsawler/cancer-detection/engine"
	"github.com/tsawler/cancer-detection/logging"
	"github.com/tsawler/cancer-detection/server"
)

type options struct {
	configDir       string
	addr            string
	model           string
	weights         string
	device          string
	amp             bool
	shutdownTimeout time.Duration
}

func main() {
	var o options
	defaults := server.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "cancer-api",
		Short:         "HTTP API for cancer detection on histopathology patches",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), o)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&o.configDir, "config", "configs", "configuration directory")
	fs.StringVar(&o.addr, "addr", defaults.Addr, "listen address")
	fs.StringVar(&o.model, "model", "", "architecture to serve (default from train config)")
	fs.StringVar(&o.weights, "weights", "", "checkpoint path (default <checkpoints_dir>/best_<model>.ckpt)")
	fs.StringVar(&o.device, "device", "auto", "cuda, cpu or auto")
	fs.BoolVar(&o.amp, "amp", false, "half precision inference on CUDA")
	fs.DurationVar(&o.shutdownTimeout, "shutdown-timeout", 15*time.Second, "grace period for in-flight requests")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func serve(ctx context.Context, o options) error {
	cfg, err := config.Load(o.configDir)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	model := o.model
	if model == "" {
		model = cfg.Train.ModelName
	}
	weights := o.weights
	if weights == "" {
		weights = checkpoints.BestPath(cfg.Paths.CheckpointsDir, model)
	}

	kind, err := device.Select(o.device, engine.CUDAAvailable(), logger)
	if err != nil {
		return err
	}
	logger.Info("loading model", zap.String("model", model), zap.String("weights", weights), zap.String("device", string(kind)))
	predictor, err := engine.Load(engine.LoadOptions{
		ModelName:   model,
		WeightsPath: weights,
		ImageSize:   cfg.Train.ImageSize,
		Device:      kind,
		AMP:         o.amp,
	}, logger)
	if err != nil {
		return err
	}

	svc, err := server.NewService(predictor, logger)
	if err != nil {
		predictor.Close()
		return err
	}
	defer svc.Close()

	scfg := server.DefaultConfig()
	scfg.Addr = o.addr
	httpServer := server.New(svc, logger).HTTPServer(scfg)

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", scfg.Addr))
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
