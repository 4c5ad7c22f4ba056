// Package prediction scores the unlabeled test set and writes a submission CSV.
package prediction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"github.com/tsawler/cancer-detection/checkpoints"
	"github.com/tsawler/cancer-detection/config"
	"github.com/tsawler/cancer-detection/device"
	"github.com/tsawler/cancer-detection/metrics"
	"github.com/tsawler/cancer-detection/models"
	"github.com/tsawler/cancer-detection/vision/dataloader"
	"github.com/tsawler/cancer-detection/vision/dataset"
)

// ErrImageNotFound is returned when no file matches a test id.
var ErrImageNotFound = dataset.ErrImageNotFound

// Record is one line of the submission: the positive-class probability of an id.
type Record struct {
	ID          string  `csv:"id"`
	Probability float64 `csv:"label"`
}

// Options select the model, the inputs and the output directory.
type Options struct {
	ModelName   string
	WeightsPath string
	TemplateCSV string // submission template; its id column fixes the output order
	TestImages  string
	ImageSize   int
	BatchSize   int
	NumWorkers  int
	Device      string // "cuda", "cpu" or ""/"auto"
	AMP         bool   // half precision; ignored off CUDA
	OutDir      string
}

// DefaultBatchSize applies when neither the caller nor the train config sets one.
const DefaultBatchSize = 256

// FillDefaults sets every empty option that the configuration can supply. The
// batch size falls back to the training batch size, then DefaultBatchSize.
func (o *Options) FillDefaults(cfg *config.Config) {
	if o.WeightsPath == "" {
		o.WeightsPath = checkpoints.BestPath(cfg.Paths.CheckpointsDir, o.ModelName)
	}
	if o.ImageSize == 0 {
		o.ImageSize = cfg.Train.ImageSize
	}
	if o.BatchSize == 0 {
		o.BatchSize = cfg.Train.BatchSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.TemplateCSV == "" {
		o.TemplateCSV = cfg.Paths.SampleSubCSV
	}
	if o.TestImages == "" {
		o.TestImages = cfg.Paths.TestImages
	}
	if o.OutDir == "" {
		o.OutDir = cfg.Paths.SubmissionsDir
	}
}

// Summary describes the distribution of predicted probabilities.
type Summary struct {
	Count        int
	Mean         float64
	Median       float64
	P95          float64
	PositiveRate float64 // share of probabilities at or above 0.5
}

// Result of a prediction run.
type Result struct {
	Path    string
	Records []Record
	Summary Summary
}

// Runner produces submissions.
type Runner struct {
	Load          models.ScorerLoader
	CUDAAvailable bool
	Logger        *zap.Logger
}

// SubmissionPath returns <outDir>/submission_<model>.csv.
func SubmissionPath(outDir, modelName string) string {
	return filepath.Join(outDir, "submission_"+modelName+".csv")
}

// Run reads the template ids, scores the matching test images in fixed-size
// batches and writes one row per id in template order. Any id without an image
// aborts the run with ErrImageNotFound before scoring starts.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := models.ParseArchitecture(opts.ModelName); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	ids, err := dataset.ReadIDs(opts.TemplateCSV)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := dataset.FindImage(opts.TestImages, id); err != nil {
			return nil, err
		}
	}
	logger.Info("test images to predict", zap.Int("count", len(ids)))

	kind, err := device.Select(opts.Device, r.CUDAAvailable, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("inference device", zap.String("device", string(kind)), zap.Bool("amp", device.UseAMP(opts.AMP, kind)))

	scorer, err := r.Load(models.LoadRequest{
		ModelName:   opts.ModelName,
		WeightsPath: opts.WeightsPath,
		ImageSize:   opts.ImageSize,
		Device:      string(kind),
		AMP:         opts.AMP,
	})
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", opts.ModelName, err)
	}
	if c, ok := scorer.(interface{ Close() }); ok {
		defer c.Close()
	}

	dl, err := dataloader.NewDataLoader(dataset.NewTestDataset(opts.TestImages, ids), dataloader.Config{
		BatchSize:  opts.BatchSize,
		ImageSize:  opts.ImageSize,
		NumWorkers: opts.NumWorkers,
	})
	if err != nil {
		return nil, err
	}

	scored, err := models.ScoreLoader(ctx, scorer, dl)
	if err != nil {
		return nil, err
	}

	records := make([]Record, len(scored.IDs))
	for i, id := range scored.IDs {
		records[i] = Record{ID: id, Probability: scored.Probabilities[i]}
	}

	path := SubmissionPath(opts.OutDir, opts.ModelName)
	if err := WriteSubmission(path, records); err != nil {
		return nil, err
	}

	summary := Summarize(scored.Probabilities)
	logger.Info("submission saved",
		zap.String("path", path),
		zap.Int("rows", summary.Count),
		zap.Float64("mean", summary.Mean),
		zap.Float64("median", summary.Median),
		zap.Float64("p95", summary.P95),
		zap.Float64("positive_rate", summary.PositiveRate))

	return &Result{Path: path, Records: records, Summary: summary}, nil
}

// WriteSubmission writes the records with header id,label, creating the
// directory.
func WriteSubmission(path string, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create submission directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	if err := gocsv.MarshalFile(&records, f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write submission: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close submission: %w", err)
	}
	return nil
}

// Summarize computes distribution statistics of probabilities. An empty input
// yields a zero Summary.
func Summarize(probs []float64) Summary {
	if len(probs) == 0 {
		return Summary{}
	}
	data := stats.Float64Data(probs)
	mean, _ := data.Mean()
	median, _ := data.Median()
	p95, _ := data.Percentile(95)

	positive := 0
	for _, p := range probs {
		if p >= metrics.DefaultThreshold {
			positive++
		}
	}
	return Summary{
		Count:        len(probs),
		Mean:         mean,
		Median:       median,
		P95:          p95,
		PositiveRate: float64(positive) / float64(len(probs)),
	}
}
