package engine

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	F "github.com/wangkuiyi/gotorch/nn/functional"
	"go.uber.org/zap"

	"github.com/tsawler/cancer-detection/checkpoints"
	"github.com/tsawler/cancer-detection/device"
	"github.com/tsawler/cancer-detection/models/zoo"
	"github.com/tsawler/cancer-detection/training"
	"github.com/tsawler/cancer-detection/vision/dataloader"
)

// TrainingConfig holds the optimizer settings of a run.
type TrainingConfig struct {
	LearningRate float64
	WeightDecay  float64
	Device       device.Kind
}

// TrainingEngine trains a classifier with binary cross-entropy on its logit
// and Adam with weight decay. It implements training.Engine.
type TrainingEngine struct {
	model     *zoo.Classifier
	optimizer torch.Optimizer
	train     *dataloader.DataLoader
	val       *dataloader.DataLoader
	device    torch.Device
	logger    *zap.Logger
}

var _ training.Engine = (*TrainingEngine)(nil)

// NewTrainingEngine moves the model to the configured device and attaches an
// optimizer to its parameters.
func NewTrainingEngine(model *zoo.Classifier, train, val *dataloader.DataLoader, cfg TrainingConfig, logger *zap.Logger) (*TrainingEngine, error) {
	if model == nil || train == nil || val == nil {
		return nil, errors.New("training engine needs a model and both loaders")
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", cfg.LearningRate)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dev := TorchDevice(cfg.Device)
	model.To(dev, torch.Float)

	opt := torch.Adam(cfg.LearningRate, 0.9, 0.999, cfg.WeightDecay)
	opt.AddParameters(model.Parameters())

	return &TrainingEngine{
		model:     model,
		optimizer: opt,
		train:     train,
		val:       val,
		device:    dev,
		logger:    logger,
	}, nil
}

// StepsPerEpoch returns the number of training batches.
func (e *TrainingEngine) StepsPerEpoch() int {
	return e.train.NumBatches()
}

// TrainEpoch runs one shuffled pass over the training loader and returns the
// per-sample mean loss.
func (e *TrainingEngine) TrainEpoch(ctx context.Context, epoch int, onStep training.StepFunc) (float64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.model.Train(true)
	e.train.Reset()

	var total float64
	samples, step := 0, 0
	for r := range e.train.Stream(ctx) {
		if r.Err != nil {
			return 0, r.Err
		}
		torch.GC()
		b := r.Batch
		x := inputTensor(b.Images, b.Size, e.train.ImageSize(), e.device, torch.Float)
		y := targetTensor(b.Labels, e.device)

		e.optimizer.ZeroGrad()
		logits := e.model.Forward(x)
		loss := bceWithLogits(logits, y, e.device)
		loss.Backward()
		e.optimizer.Step()

		value := float64(loss.Item().(float32))
		total += value * float64(b.Size)
		samples += b.Size
		step++
		if onStep != nil {
			onStep(step, value)
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if samples == 0 {
		return 0, fmt.Errorf("epoch %d: training split is empty", epoch)
	}
	e.logger.Debug("epoch trained", zap.Int("epoch", epoch), zap.Int("samples", samples))
	return total / float64(samples), nil
}

// Validate scores the validation loader in order with dropout and batch-norm
// updates disabled.
func (e *TrainingEngine) Validate(ctx context.Context) ([]int, []float64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.model.Train(false)
	defer e.model.Train(true)
	e.val.Reset()

	labels := make([]int, 0, e.val.Len())
	probs := make([]float64, 0, e.val.Len())
	for r := range e.val.Stream(ctx) {
		if r.Err != nil {
			return nil, nil, r.Err
		}
		torch.GC()
		b := r.Batch
		x := inputTensor(b.Images, b.Size, e.val.ImageSize(), e.device, torch.Float)
		probs = append(probs, probabilities(e.model.Forward(x), b.Size)...)
		labels = append(labels, b.Labels...)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return labels, probs, nil
}

// Snapshot exports the current weights.
func (e *TrainingEngine) Snapshot() ([]checkpoints.WeightTensor, error) {
	return e.model.ExportWeights()
}

// Close releases the optimizer state.
func (e *TrainingEngine) Close() {
	e.optimizer.Close()
	torch.FinishGC()
}

// probEps bounds the probabilities fed to the loss away from 0 and 1.
const probEps = 1e-7

// bceWithLogits is the mean binary cross-entropy of sigmoid(logits) against
// 0/1 targets. The binding has no exp or log to build the log-sum-exp form, so
// the probabilities are squeezed into [probEps, 1-probEps]; the loss then stays
// finite and keeps a gradient when the sigmoid saturates.
func bceWithLogits(logits, targets torch.Tensor, dev torch.Device) torch.Tensor {
	scale := torch.Full([]int64{1}, 1-2*probEps, false).To(dev, logits.Dtype())
	shift := torch.Full([]int64{1}, probEps, false).To(dev, logits.Dtype())
	probs := torch.Add(torch.Mul(torch.Sigmoid(logits), scale), shift, 1)
	return F.BinaryCrossEntropy(probs, targets, torch.Tensor{}, "mean")
}
