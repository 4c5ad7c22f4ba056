package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/cancer-detection/checkpoints"
	"github.com/tsawler/cancer-detection/engine"
	"github.com/tsawler/cancer-detection/evaluation"
	"github.com/tsawler/cancer-detection/metrics"
	"github.com/tsawler/cancer-detection/vision/dataset"
)

func evaluateCmd() *cobra.Command {
	var (
		opts       evaluation.Options
		withReport bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "score a checkpoint on the validation split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer e.close()

			cfg := e.cfg
			if opts.WeightsPath == "" {
				opts.WeightsPath = checkpoints.BestPath(cfg.Paths.CheckpointsDir, opts.ModelName)
			}
			if opts.ImageSize == 0 {
				opts.ImageSize = cfg.Train.ImageSize
			}
			if opts.BatchSize == 0 {
				opts.BatchSize = cfg.Train.BatchSize
			}
			if !cmd.Flags().Changed("device") {
				opts.Device = cfg.Train.Device
			}
			opts.NumWorkers = cfg.Train.NumWorkers
			opts.Threshold = cfg.Metrics.Threshold

			_, val, err := dataset.LoadSplits(cfg.Paths.TrainImages, cfg.Paths.SplitsDir)
			if err != nil {
				return fmt.Errorf("loading validation split: %w", err)
			}

			runner := &evaluation.Runner{
				Load:          engine.ScorerLoader(e.logger),
				Tracker:       e.store,
				CUDAAvailable: engine.CUDAAvailable(),
				Logger:        e.logger,
			}
			res, err := runner.Run(ctx, val, opts)
			if err != nil {
				return err
			}

			m := res.Metrics.Map()
			for _, name := range metrics.Names {
				fmt.Printf("%-10s %.4f\n", name, m[name])
			}
			cm := metrics.NewConfusionMatrix(res.Labels, res.Probabilities, opts.Threshold)
			fmt.Printf("confusion  TP=%d FP=%d TN=%d FN=%d specificity=%.4f\n", cm.TP, cm.FP, cm.TN, cm.FN, cm.Specificity())

			if withReport {
				path, err := writeRunReport(ctx, e, res.RunID, res.ROC)
				if err != nil {
					return err
				}
				fmt.Println("report:", path)
			}
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&opts.ModelName, "model", "", "architecture of the checkpoint")
	fs.StringVar(&opts.WeightsPath, "weights", "", "checkpoint path (default <checkpoints_dir>/best_<model>.ckpt)")
	fs.IntVar(&opts.ImageSize, "img-size", 0, "network input size (default from train config)")
	fs.IntVar(&opts.BatchSize, "batch-size", 0, "inference batch size")
	fs.StringVar(&opts.Device, "device", "", "cuda, cpu or auto")
	fs.StringVar(&opts.OutJSON, "out-json", "", "write the metrics as JSON to this path")
	fs.BoolVar(&withReport, "report", false, "also write an HTML report with the ROC curve")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}
