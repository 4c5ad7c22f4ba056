//go:build torch

package engine

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	torch "github.com/wangkuiyi/gotorch"

	"github.com/tsawler/cancer-detection/checkpoints"
	"github.com/tsawler/cancer-detection/device"
	"github.com/tsawler/cancer-detection/models"
	"github.com/tsawler/cancer-detection/models/zoo"
	"github.com/tsawler/cancer-detection/vision/dataloader"
	"github.com/tsawler/cancer-detection/vision/dataset"
)

func writePatches(t *testing.T, dir string, n int) []dataset.LabelRow {
	t.Helper()
	rows := make([]dataset.LabelRow, n)
	for i := range rows {
		id := string(rune('a' + i))
		img := image.NewRGBA(image.Rect(0, 0, 32, 32))
		shade := uint8(40 + 200*(i%2))
		for y := 0; y < 32; y++ {
			for x := 0; x < 32; x++ {
				img.Set(x, y, color.RGBA{shade, shade / 2, 255 - shade, 255})
			}
		}
		f, err := os.Create(filepath.Join(dir, id+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
		rows[i] = dataset.LabelRow{ID: id, Label: i % 2}
	}
	return rows
}

// TestTrainingEngineEpoch tests one epoch of training, validation and snapshot on CPU
func TestTrainingEngineEpoch(t *testing.T) {
	defer torch.FinishGC()
	dir := t.TempDir()
	ds := dataset.NewPatchDataset(dir, writePatches(t, dir, 6))

	cfg := dataloader.Config{BatchSize: 4, ImageSize: 32, Shuffle: true, Seed: 1}
	train, val, err := dataloader.CreateSharedDataLoaders(ds, ds, cfg)
	require.NoError(t, err)

	model, err := zoo.Build("ibracancermodel", models.DefaultOptions(0.2))
	require.NoError(t, err)

	eng, err := NewTrainingEngine(model, train, val, TrainingConfig{LearningRate: 1e-3, WeightDecay: 1e-4, Device: device.CPU}, nil)
	require.NoError(t, err)
	defer eng.Close()

	assert.Equal(t, 2, eng.StepsPerEpoch())
	steps := 0
	loss, err := eng.TrainEpoch(context.Background(), 1, func(int, float64) { steps++ })
	require.NoError(t, err)
	assert.Equal(t, 2, steps)
	assert.Greater(t, loss, 0.0)

	labels, probs, err := eng.Validate(context.Background())
	require.NoError(t, err)
	assert.Len(t, labels, 6)
	require.Len(t, probs, 6)
	for _, p := range probs {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}

	weights, err := eng.Snapshot()
	require.NoError(t, err)
	assert.NotEmpty(t, weights)
}

// TestLoadAndScore tests restoring a checkpoint into an inference engine
func TestLoadAndScore(t *testing.T) {
	defer torch.FinishGC()
	model, err := zoo.Build("ibracancermodel", models.DefaultOptions(0))
	require.NoError(t, err)
	weights, err := model.ExportWeights()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "best_ibracancermodel.ckpt")
	require.NoError(t, checkpoints.Save(&checkpoints.Checkpoint{Weights: weights}, path))

	eng, err := Load(LoadOptions{ModelName: "ibracancermodel", WeightsPath: path, ImageSize: 32, Device: device.CPU, AMP: true}, nil)
	require.NoError(t, err)
	defer eng.Close()

	probs, err := eng.Score(context.Background(), make([]float32, 2*3*32*32), 2, 32)
	require.NoError(t, err)
	assert.Len(t, probs, 2)
	assert.Equal(t, "cpu", eng.Info().Device)

	_, err = eng.Score(context.Background(), make([]float32, 10), 2, 32)
	assert.Error(t, err)

	_, err = Load(LoadOptions{ModelName: "resnet18", WeightsPath: path, ImageSize: 32, Device: device.CPU}, nil)
	var incompatible *checkpoints.IncompatibleError
	assert.ErrorAs(t, err, &incompatible)

	_, err = Load(LoadOptions{ModelName: "ibracancermodel", WeightsPath: path + ".missing", Device: device.CPU}, nil)
	assert.ErrorIs(t, err, checkpoints.ErrNotFound)
}

// TestBCEWithLogitsSaturated tests that the loss stays finite when the sigmoid saturates
func TestBCEWithLogitsSaturated(t *testing.T) {
	defer torch.FinishGC()
	cpu := TorchDevice(device.CPU)

	tests := []struct {
		name   string
		logit  float32
		target int
		min    float64
		max    float64
	}{
		{"confident and right", 200, 1, 0, 1e-6},
		{"confident and wrong", -200, 1, 15, 17},
		{"undecided", 0, 0, 0.69, 0.70},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logits := torch.NewTensor([]float32{tt.logit}).View(1, 1)
			loss := bceWithLogits(logits, targetTensor([]int{tt.target}, cpu), cpu)
			value := float64(loss.Item().(float32))
			assert.GreaterOrEqual(t, value, tt.min)
			assert.LessOrEqual(t, value, tt.max)
		})
	}
}
