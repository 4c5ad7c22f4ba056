// Package evaluation scores a trained checkpoint on the validation split and
// records the result as an "eval-<model>" tracker run.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/tsawler/cancer-detection/device"
	"github.com/tsawler/cancer-detection/metrics"
	"github.com/tsawler/cancer-detection/models"
	"github.com/tsawler/cancer-detection/tracker"
	"github.com/tsawler/cancer-detection/vision/dataloader"
)

// Options select the model, weights and outputs of one evaluation.
type Options struct {
	ModelName   string
	WeightsPath string
	ImageSize   int
	BatchSize   int
	NumWorkers  int
	Threshold   float64
	Device      string // "cuda", "cpu" or ""/"auto"
	OutJSON     string // optional metrics report; parent directories are created
}

// Result is the outcome of an evaluation.
type Result struct {
	Metrics       metrics.Record
	Labels        []int
	Probabilities []float64
	ROC           []metrics.ROCPoint
	RunID         string
}

// Runner evaluates checkpoints. Tracker may be nil.
type Runner struct {
	Load          models.ScorerLoader
	Tracker       *tracker.Store
	CUDAAvailable bool
	Logger        *zap.Logger
}

// Run scores the validation dataset in order and computes the metrics record.
func (r *Runner) Run(ctx context.Context, val dataloader.Dataset, opts Options) (*Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := models.ParseArchitecture(opts.ModelName); err != nil {
		return nil, err
	}
	if opts.Threshold == 0 {
		opts.Threshold = metrics.DefaultThreshold
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}

	kind, err := device.Select(opts.Device, r.CUDAAvailable, logger)
	if err != nil {
		return nil, err
	}
	scorer, err := r.Load(models.LoadRequest{
		ModelName:   opts.ModelName,
		WeightsPath: opts.WeightsPath,
		ImageSize:   opts.ImageSize,
		Device:      string(kind),
	})
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", opts.ModelName, err)
	}
	if c, ok := scorer.(interface{ Close() }); ok {
		defer c.Close()
	}

	dl, err := dataloader.NewDataLoader(val, dataloader.Config{
		BatchSize:  opts.BatchSize,
		ImageSize:  opts.ImageSize,
		NumWorkers: opts.NumWorkers,
	})
	if err != nil {
		return nil, err
	}

	scored, err := models.ScoreLoader(ctx, scorer, dl)
	if err != nil {
		return nil, fmt.Errorf("scoring validation split: %w", err)
	}
	record, err := metrics.Binary(scored.Labels, scored.Probabilities, opts.Threshold)
	if err != nil {
		return nil, err
	}
	logger.Info("evaluation finished",
		zap.String("model", opts.ModelName),
		zap.Float64("auc", record.AUC),
		zap.Float64("accuracy", record.Accuracy),
		zap.Float64("precision", record.Precision),
		zap.Float64("recall", record.Recall),
		zap.Float64("f1", record.F1))

	result := &Result{
		Metrics:       record,
		Labels:        scored.Labels,
		Probabilities: scored.Probabilities,
		ROC:           metrics.ROCCurve(scored.Labels, scored.Probabilities),
	}

	if r.Tracker != nil {
		id, err := track(ctx, r.Tracker, opts, record)
		if err != nil {
			return nil, err
		}
		result.RunID = id
	}

	if opts.OutJSON != "" {
		if err := WriteJSON(opts.OutJSON, record); err != nil {
			return nil, err
		}
		logger.Info("metrics JSON written", zap.String("path", opts.OutJSON))
	}
	return result, nil
}

// RunName is the tracker run name of an evaluation.
func RunName(modelName string) string {
	return "eval-" + modelName
}

func track(ctx context.Context, store *tracker.Store, opts Options, record metrics.Record) (string, error) {
	run, err := store.StartRun(ctx, RunName(opts.ModelName))
	if err != nil {
		return "", err
	}
	err = run.LogParams(ctx, map[string]any{
		"eval_model": opts.ModelName,
		"weights":    opts.WeightsPath,
		"img_size":   opts.ImageSize,
	})
	for _, name := range metrics.Names {
		if err != nil {
			break
		}
		err = run.LogMetric(ctx, "eval_"+name, record.Map()[name], 0)
	}
	status := tracker.StatusFinished
	if err != nil {
		status = tracker.StatusFailed
	}
	if endErr := run.End(ctx, status); endErr != nil {
		err = errors.Join(err, endErr)
	}
	return run.ID, err
}

// WriteJSON writes the record as an indented JSON object keyed auc, accuracy,
// precision, recall, f1.
func WriteJSON(path string, record metrics.Record) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
