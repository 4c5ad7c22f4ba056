package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/cancer-detection/config"
	"github.com/tsawler/cancer-detection/device"
	"github.com/tsawler/cancer-detection/engine"
	"github.com/tsawler/cancer-detection/models"
	"github.com/tsawler/cancer-detection/models/zoo"
	"github.com/tsawler/cancer-detection/tracker"
	"github.com/tsawler/cancer-detection/training"
	"github.com/tsawler/cancer-detection/vision/dataloader"
	"github.com/tsawler/cancer-detection/vision/dataset"
)

// trainFlags are the command-line overrides of the train section.
type trainFlags struct {
	model      string
	epochs     int
	batchSize  int
	imageSize  int
	lr         float64
	pretrained bool
	device     string
}

func (f *trainFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVar(&f.epochs, "epochs", 0, "number of epochs")
	fs.IntVar(&f.batchSize, "batch-size", 0, "training batch size")
	fs.IntVar(&f.imageSize, "img-size", 0, "side of the square network input")
	fs.Float64Var(&f.lr, "lr", 0, "learning rate")
	fs.BoolVar(&f.pretrained, "pretrained", false, "initialize the backbone from ImageNet weights")
	fs.StringVar(&f.device, "device", "", "cuda, cpu or auto")
}

// overrides turns the flags that were set into config overrides.
func (f *trainFlags) overrides(cmd *cobra.Command) config.Overrides {
	var o config.Overrides
	fs := cmd.Flags()
	if fs.Changed("model") {
		o.ModelName = &f.model
	}
	if fs.Changed("epochs") {
		o.Epochs = &f.epochs
	}
	if fs.Changed("batch-size") {
		o.BatchSize = &f.batchSize
	}
	if fs.Changed("img-size") {
		o.ImageSize = &f.imageSize
	}
	if fs.Changed("lr") {
		o.LearningRate = &f.lr
	}
	if f.pretrained {
		o.Pretrained = &f.pretrained
	}
	if fs.Changed("device") {
		o.Device = &f.device
	}
	return o
}

func trainCmd() *cobra.Command {
	var flags trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "train one model and keep its best checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer e.close()

			cfg := e.cfg.WithOverrides(flags.overrides(cmd))
			if err := cfg.Validate(); err != nil {
				return err
			}
			res, err := trainModel(ctx, e, cfg)
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.model, "model", "", "architecture to train (default from train config)")
	flags.register(cmd)
	return cmd
}

func trainManyCmd() *cobra.Command {
	var (
		flags trainFlags
		list  string
	)
	cmd := &cobra.Command{
		Use:   "train-many",
		Short: "train several models in turn; a failing model does not stop the others",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer e.close()

			base := e.cfg.WithOverrides(flags.overrides(cmd))
			names := training.ParseModelList(list, base.Models.Available)
			if len(names) == 0 {
				return errors.New("no model to train")
			}

			results := training.Sweep(ctx, names, func(ctx context.Context, name string) (*training.Result, error) {
				cfg := base.WithOverrides(config.Overrides{ModelName: &name})
				if err := cfg.Validate(); err != nil {
					return nil, err
				}
				return trainModel(ctx, e, cfg)
			}, e.logger)

			for _, r := range results {
				if r.Err != nil {
					fmt.Printf("%-16s FAILED  %v\n", r.ModelName, r.Err)
					continue
				}
				fmt.Printf("%-16s best AUC %.4f (epoch %d)\n", r.ModelName, r.Result.BestAUC, r.Result.BestEpoch)
			}
			if failed := training.Failed(results); len(failed) == len(results) {
				return fmt.Errorf("all %d models failed", len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&list, "models", "resnet18", "comma-separated model names or \"all\"")
	flags.register(cmd)
	return cmd
}

// trainModel runs one complete training run of cfg.Train.ModelName under a
// tracker run named after the model.
func trainModel(ctx context.Context, e *env, cfg *config.Config) (res *training.Result, err error) {
	tc := cfg.Train
	logger := e.logger.With(zap.String("model", tc.ModelName))

	training.SetRandomSeed(tc.Seed)
	kind, err := device.Select(tc.Device, engine.CUDAAvailable(), logger)
	if err != nil {
		return nil, err
	}
	logger.Info("training device", zap.String("device", string(kind)))

	trainSet, valSet, err := dataset.LoadSplits(cfg.Paths.TrainImages, cfg.Paths.SplitsDir)
	if err != nil {
		return nil, fmt.Errorf("loading splits (run \"cancerctl splits\" first): %w", err)
	}
	logger.Info("datasets", zap.Stringer("train", trainSet), zap.Stringer("val", valSet))

	trainDL, valDL, err := dataloader.CreateSharedDataLoaders(trainSet, valSet, dataloader.Config{
		BatchSize:    tc.BatchSize,
		Augment:      true,
		Seed:         tc.Seed,
		MaxCacheSize: tc.CacheSize,
		ImageSize:    tc.ImageSize,
		NumWorkers:   tc.NumWorkers,
	})
	if err != nil {
		return nil, err
	}

	model, err := zoo.Build(tc.ModelName, models.Options{
		NumClasses:    1,
		Pretrained:    tc.Pretrained,
		Dropout:       tc.Dropout,
		PretrainedDir: cfg.Paths.PretrainedDir,
	})
	if err != nil {
		return nil, err
	}
	total := model.ParameterCount()
	training.PrintModelSummary(os.Stderr, tc.ModelName, total, total, tc.ImageSize)

	eng, err := engine.NewTrainingEngine(model, trainDL, valDL, engine.TrainingConfig{
		LearningRate: tc.LearningRate,
		WeightDecay:  tc.WeightDecay,
		Device:       kind,
	}, logger)
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	run, err := e.store.StartRun(ctx, tc.ModelName)
	if err != nil {
		return nil, err
	}
	defer func() {
		status := tracker.StatusFinished
		if err != nil {
			status = tracker.StatusFailed
		}
		if endErr := run.End(context.WithoutCancel(ctx), status); endErr != nil {
			err = errors.Join(err, endErr)
		}
	}()

	loop, err := training.NewLoop(eng, run, training.TrainingConfig{
		ModelName:     tc.ModelName,
		Epochs:        tc.Epochs,
		Patience:      tc.EarlyStopping,
		Threshold:     cfg.Metrics.Threshold,
		LearningRate:  tc.LearningRate,
		ImageSize:     tc.ImageSize,
		CheckpointDir: cfg.Paths.CheckpointsDir,
		Params:        tc.Params(),
		Progress:      os.Stderr,
	}, logger)
	if err != nil {
		return nil, err
	}
	return loop.Run(ctx)
}

func printResult(res *training.Result) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: best AUC %.4f at epoch %d of %d", res.ModelName, res.BestAUC, res.BestEpoch, res.Epochs)
	if res.StoppedEarly {
		b.WriteString(" (stopped early)")
	}
	fmt.Fprintf(&b, "\ncheckpoint: %s\n", res.CheckpointPath)
	fmt.Print(b.String())
}
