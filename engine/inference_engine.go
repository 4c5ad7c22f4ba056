package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"go.uber.org/zap"

	"github.com/tsawler/cancer-detection/checkpoints"
	"github.com/tsawler/cancer-detection/device"
	"github.com/tsawler/cancer-detection/models"
	"github.com/tsawler/cancer-detection/models/zoo"
)

// InferenceEngine scores preprocessed images with a classifier in evaluation
// mode. It implements models.Scorer and is safe for concurrent use; forward
// passes are serialized.
type InferenceEngine struct {
	mu     sync.Mutex
	model  *zoo.Classifier
	device torch.Device
	dtype  int8
	info   models.Info
}

var _ models.Scorer = (*InferenceEngine)(nil)

// LoadOptions select the checkpoint and runtime of an inference engine.
type LoadOptions struct {
	ModelName   string
	WeightsPath string
	ImageSize   int
	Device      device.Kind
	AMP         bool // half precision, honoured on CUDA only
}

// Load builds the architecture, restores the checkpoint and prepares the model
// for inference. A missing checkpoint wraps checkpoints.ErrNotFound; a
// checkpoint from another architecture is a *checkpoints.IncompatibleError.
func Load(opts LoadOptions, logger *zap.Logger) (*InferenceEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	model, err := zoo.Build(opts.ModelName, models.DefaultOptions(0))
	if err != nil {
		return nil, err
	}

	ckpt, err := checkpoints.Load(opts.WeightsPath)
	if err != nil {
		return nil, err
	}
	if name := ckpt.Metadata.ModelName; name != "" && name != model.Arch.String() {
		logger.Warn("checkpoint was written for another model",
			zap.String("checkpoint_model", name), zap.String("model", model.Arch.String()))
	}
	if err := model.ImportWeights(ckpt); err != nil {
		return nil, errors.Wrapf(err, "loading %s", opts.WeightsPath)
	}

	return newInferenceEngine(model, opts, logger), nil
}

// NewInferenceEngine wraps an already built classifier.
func NewInferenceEngine(model *zoo.Classifier, opts LoadOptions, logger *zap.Logger) *InferenceEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newInferenceEngine(model, opts, logger)
}

func newInferenceEngine(model *zoo.Classifier, opts LoadOptions, logger *zap.Logger) *InferenceEngine {
	dtype := torch.Float
	if device.UseAMP(opts.AMP, opts.Device) {
		dtype = torch.Half
	} else if opts.AMP {
		logger.Debug("mixed precision needs CUDA, using full precision", zap.String("device", string(opts.Device)))
	}

	dev := TorchDevice(opts.Device)
	model.To(dev, dtype)
	model.Train(false)

	total := model.ParameterCount()
	return &InferenceEngine{
		model:  model,
		device: dev,
		dtype:  dtype,
		info: models.Info{
			Architecture:        model.Arch,
			TotalParameters:     total,
			TrainableParameters: total,
			ImageSize:           opts.ImageSize,
			Device:              string(opts.Device),
			Checkpoint:          opts.WeightsPath,
		},
	}
}

// Info describes the loaded model.
func (e *InferenceEngine) Info() models.Info { return e.info }

// Score returns the positive-class probability of each of the n images.
func (e *InferenceEngine) Score(ctx context.Context, images []float32, n, size int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, errors.New("no images to score")
	}
	if len(images) != n*3*size*size {
		return nil, fmt.Errorf("expected %d values for %d images of %dpx, got %d", n*3*size*size, n, size, len(images))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	torch.GC()
	x := inputTensor(images, n, size, e.device, e.dtype)
	return probabilities(e.model.Forward(x), n), nil
}

// Close releases tensors still held by the runtime.
func (e *InferenceEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	torch.FinishGC()
}

// ScorerLoader adapts Load to models.ScorerLoader for the evaluation and
// prediction runners.
func ScorerLoader(logger *zap.Logger) models.ScorerLoader {
	return func(req models.LoadRequest) (models.Scorer, error) {
		return Load(LoadOptions{
			ModelName:   req.ModelName,
			WeightsPath: req.WeightsPath,
			ImageSize:   req.ImageSize,
			Device:      device.Kind(req.Device),
			AMP:         req.AMP,
		}, logger)
	}
}
