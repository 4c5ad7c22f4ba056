package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/cancer-detection/engine"
	"github.com/tsawler/cancer-detection/prediction"
)

func predictCmd() *cobra.Command {
	var (
		opts  prediction.Options
		noAMP bool
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "score the test images and write a submission CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer e.close()

			if !cmd.Flags().Changed("num-workers") {
				opts.NumWorkers = e.cfg.Train.NumWorkers
			}
			opts.FillDefaults(e.cfg)
			opts.AMP = !noAMP

			runner := &prediction.Runner{
				Load:          engine.ScorerLoader(e.logger),
				CUDAAvailable: engine.CUDAAvailable(),
				Logger:        e.logger,
			}
			res, err := runner.Run(ctx, opts)
			if err != nil {
				return err
			}
			s := res.Summary
			fmt.Printf("%s: %d rows, mean %.4f, median %.4f, p95 %.4f, positive %.1f%%\n",
				res.Path, s.Count, s.Mean, s.Median, s.P95, 100*s.PositiveRate)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&opts.ModelName, "model", "", "architecture of the checkpoint")
	fs.StringVar(&opts.WeightsPath, "weights", "", "checkpoint path (default <checkpoints_dir>/best_<model>.ckpt)")
	fs.IntVar(&opts.ImageSize, "img-size", 0, "network input size (default from train config)")
	fs.IntVar(&opts.BatchSize, "batch-size", 0, "inference batch size (default from train config, else 256)")
	fs.IntVar(&opts.NumWorkers, "num-workers", 0, "image decoding workers")
	fs.StringVar(&opts.Device, "device", "", "cuda or cpu (auto when empty)")
	fs.BoolVar(&noAMP, "no-amp", false, "disable half precision on CUDA")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}
