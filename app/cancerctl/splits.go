package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/cancer-detection/vision/dataset"
)

func splitsCmd() *cobra.Command {
	var (
		ratio       float64
		seed        int64
		fromFolders bool
	)
	cmd := &cobra.Command{
		Use:   "splits",
		Short: "write stratified train/val split files from the label CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.close()

			cfg := e.cfg
			if !cmd.Flags().Changed("val-ratio") {
				ratio = cfg.Train.ValRatio
			}
			if !cmd.Flags().Changed("seed") {
				seed = cfg.Train.Seed
			}

			var rows []dataset.LabelRow
			if fromFolders {
				rows, err = dataset.ScanClassFolders(cfg.Paths.TrainImages)
			} else {
				rows, err = dataset.ReadLabels(cfg.Paths.LabelsCSV)
			}
			if err != nil {
				return err
			}
			train, val, err := dataset.Split(rows, ratio, seed)
			if err != nil {
				return err
			}
			if err := dataset.WriteSplits(cfg.Paths.SplitsDir, train, val); err != nil {
				return err
			}

			trainPath, valPath := dataset.SplitFiles(cfg.Paths.SplitsDir)
			e.logger.Info("splits written",
				zap.Int("train", len(train)),
				zap.Int("val", len(val)),
				zap.Float64("val_ratio", ratio),
				zap.Int64("seed", seed))
			fmt.Printf("%s (%d rows)\n%s (%d rows)\n", trainPath, len(train), valPath, len(val))
			return nil
		},
	}
	cmd.Flags().Float64Var(&ratio, "val-ratio", 0, "share of each class held out for validation (default from train config)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "shuffle seed (default from train config)")
	cmd.Flags().BoolVar(&fromFolders, "from-folders", false, "take labels from 0/ and 1/ class folders under train_images instead of the label CSV")
	return cmd
}
