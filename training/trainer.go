// Package training runs the epoch loop: train, validate, keep the best
// checkpoint and stop early when validation AUC stops improving.
package training

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tsawler/cancer-detection/checkpoints"
	"github.com/tsawler/cancer-detection/metrics"
)

// StepFunc is called after every training batch with the 1-based step and the
// batch loss.
type StepFunc func(step int, loss float64)

// Engine performs the numeric work of a run. Implementations own the model,
// optimizer and data loaders.
type Engine interface {
	// StepsPerEpoch is the number of training batches in one epoch.
	StepsPerEpoch() int
	// TrainEpoch runs one pass of gradient updates and returns the mean
	// per-sample training loss.
	TrainEpoch(ctx context.Context, epoch int, onStep StepFunc) (float64, error)
	// Validate runs one no-grad pass over the validation split and returns the
	// labels and positive-class probabilities in loader order.
	Validate(ctx context.Context) ([]int, []float64, error)
	// Snapshot serializes the current parameters.
	Snapshot() ([]checkpoints.WeightTensor, error)
}

// Recorder receives run parameters, metrics and artifacts. *tracker.Run
// implements it.
type Recorder interface {
	LogParams(ctx context.Context, params map[string]any) error
	LogMetric(ctx context.Context, key string, value float64, step int) error
	LogArtifact(ctx context.Context, path string) error
}

// TrainingConfig holds configuration for one training run
type TrainingConfig struct {
	ModelName     string
	Epochs        int
	Patience      int     // Epochs without improvement before stopping; 0 disables
	Threshold     float64 // Decision threshold for the validation metrics
	LearningRate  float64
	ImageSize     int
	CheckpointDir string
	Format        checkpoints.CheckpointFormat
	Params        map[string]any // Logged once at the start of the run
	Progress      io.Writer      // Progress bars; nil disables them
}

// EpochMetrics holds metrics for a single epoch
type EpochMetrics struct {
	Epoch         int
	TrainLoss     float64
	Validation    metrics.Record
	Improved      bool
	EpochDuration time.Duration
}

// Result summarises a finished run.
type Result struct {
	ModelName      string
	Epochs         int // epochs actually run
	BestAUC        float64
	BestEpoch      int
	StoppedEarly   bool
	CheckpointPath string
	History        []EpochMetrics
}

// Loop drives an Engine through the epoch state machine.
type Loop struct {
	engine   Engine
	recorder Recorder
	config   TrainingConfig
	logger   *zap.Logger
	ckpt     *CheckpointManager
}

// NewLoop creates a training loop. recorder may be nil.
func NewLoop(engine Engine, recorder Recorder, config TrainingConfig, logger *zap.Logger) (*Loop, error) {
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.Patience < 0 {
		return nil, fmt.Errorf("early stopping patience must not be negative, got %d", config.Patience)
	}
	if config.Threshold == 0 {
		config.Threshold = metrics.DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		engine:   engine,
		recorder: recorder,
		config:   config,
		logger:   logger.With(zap.String("model", config.ModelName)),
		ckpt: NewCheckpointManager(CheckpointConfig{
			SaveDirectory: config.CheckpointDir,
			ModelName:     config.ModelName,
			ImageSize:     config.ImageSize,
			Format:        config.Format,
		}),
	}, nil
}

// Run trains for the configured number of epochs, or until the validation AUC
// has failed to strictly improve for Patience consecutive epochs. The best
// checkpoint is overwritten on every improvement. The context is checked
// between epochs.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	cfg := l.config
	result := &Result{ModelName: cfg.ModelName, BestAUC: -1, CheckpointPath: l.ckpt.Path()}

	if l.recorder != nil && len(cfg.Params) > 0 {
		if err := l.recorder.LogParams(ctx, cfg.Params); err != nil {
			return nil, err
		}
	}

	misses := 0
	step := 0
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		l.logger.Info("epoch started", zap.Int("epoch", epoch), zap.Int("epochs", cfg.Epochs))
		start := time.Now()

		trainLoss, err := l.trainEpoch(ctx, epoch)
		if err != nil {
			return result, fmt.Errorf("epoch %d training: %w", epoch, err)
		}
		step += l.engine.StepsPerEpoch()

		labels, probs, err := l.engine.Validate(ctx)
		if err != nil {
			return result, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}
		val, err := metrics.Binary(labels, probs, cfg.Threshold)
		if err != nil {
			return result, fmt.Errorf("epoch %d validation metrics: %w", epoch, err)
		}

		em := EpochMetrics{Epoch: epoch, TrainLoss: trainLoss, Validation: val}
		l.logger.Info("epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("train_loss", trainLoss),
			zap.Float64("val_auc", val.AUC),
			zap.Float64("val_accuracy", val.Accuracy),
			zap.Float64("val_precision", val.Precision),
			zap.Float64("val_recall", val.Recall),
			zap.Float64("val_f1", val.F1))

		if err := l.logEpoch(ctx, epoch, trainLoss, val); err != nil {
			return result, err
		}

		if l.ckpt.Improves(val.AUC) {
			if err := l.saveBest(ctx, epoch, step, val.AUC, trainLoss); err != nil {
				return result, err
			}
			em.Improved = true
			result.BestAUC = val.AUC
			result.BestEpoch = epoch
			misses = 0
		} else {
			misses++
		}

		em.EpochDuration = time.Since(start)
		result.History = append(result.History, em)
		result.Epochs = epoch

		if cfg.Patience > 0 && misses >= cfg.Patience {
			l.logger.Info("early stopping", zap.Int("epoch", epoch), zap.Int("patience", cfg.Patience))
			result.StoppedEarly = true
			break
		}
	}

	l.logger.Info("training finished", zap.Float64("best_auc", result.BestAUC), zap.Int("best_epoch", result.BestEpoch))
	if l.recorder != nil {
		if err := l.recorder.LogMetric(ctx, "best_val_auc", result.BestAUC, 0); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (l *Loop) trainEpoch(ctx context.Context, epoch int) (float64, error) {
	if l.config.Progress == nil {
		return l.engine.TrainEpoch(ctx, epoch, nil)
	}
	desc := fmt.Sprintf("Epoch %d/%d (Training)", epoch, l.config.Epochs)
	pb := NewProgressBarTo(l.config.Progress, desc, l.engine.StepsPerEpoch())
	loss, err := l.engine.TrainEpoch(ctx, epoch, func(step int, loss float64) {
		pb.Update(step, map[string]float64{"loss": loss})
	})
	pb.Finish()
	return loss, err
}

func (l *Loop) logEpoch(ctx context.Context, epoch int, trainLoss float64, val metrics.Record) error {
	if l.recorder == nil {
		return nil
	}
	if err := l.recorder.LogMetric(ctx, "train_loss", trainLoss, epoch); err != nil {
		return err
	}
	for _, name := range metrics.Names {
		if err := l.recorder.LogMetric(ctx, "val_"+name, val.Map()[name], epoch); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) saveBest(ctx context.Context, epoch, step int, auc, trainLoss float64) error {
	weights, err := l.engine.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot at epoch %d: %w", epoch, err)
	}
	state := checkpoints.TrainingState{
		Epoch:        epoch,
		Step:         step,
		LearningRate: l.config.LearningRate,
		BestAUC:      auc,
		BestLoss:     trainLoss,
		TotalSteps:   l.engine.StepsPerEpoch() * l.config.Epochs,
	}
	if err := l.ckpt.SaveBest(weights, state); err != nil {
		return err
	}
	l.logger.Info("new best AUC", zap.Float64("auc", auc), zap.String("checkpoint", l.ckpt.Path()))
	if l.recorder == nil {
		return nil
	}
	if err := l.recorder.LogMetric(ctx, "best_val_auc", auc, epoch); err != nil {
		return err
	}
	return l.recorder.LogArtifact(ctx, l.ckpt.Path())
}

// Seeder seeds one source of randomness.
type Seeder func(seed int64)

var (
	seedersMu sync.Mutex
	seeders   []Seeder
)

// RegisterSeeder adds a generator to be seeded by SetRandomSeed.
func RegisterSeeder(s Seeder) {
	seedersMu.Lock()
	defer seedersMu.Unlock()
	seeders = append(seeders, s)
}

// SetRandomSeed seeds every registered generator (libtorch initialisation,
// dropout masks). Loader shuffling is seeded through its own config. Call it
// before building the model.
func SetRandomSeed(seed int64) {
	seedersMu.Lock()
	defer seedersMu.Unlock()
	for _, s := range seeders {
		s(seed)
	}
}
