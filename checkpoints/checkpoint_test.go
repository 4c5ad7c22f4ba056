package checkpoints

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCheckpoint() *Checkpoint {
	return &Checkpoint{
		Weights: []WeightTensor{
			{
				Name:  "stem.conv.weight",
				Shape: []int64{32, 3, 3, 3},
				Data:  []byte{0x80, 0x02, 0x01, 0xff, 0x00},
				Layer: "stem.conv",
				Type:  "weight",
			},
			{
				Name:  "head.linear.bias",
				Shape: []int64{1},
				Data:  []byte{0x01},
				Layer: "head.linear",
				Type:  "bias",
			},
		},
		TrainingState: TrainingState{
			Epoch:        3,
			Step:         1200,
			LearningRate: 0.001,
			BestAUC:      0.9312,
			BestLoss:     0.281,
			TotalSteps:   1200,
		},
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "libtorch",
			ModelName:   "ibracancermodel",
			ImageSize:   96,
			CreatedAt:   time.Unix(1760000000, 123),
			Description: "best validation AUC",
			Tags:        []string{"best", "ibracancermodel"},
		},
	}
}

// TestCheckpointSaveLoad tests writing and reading back both formats
func TestCheckpointSaveLoad(t *testing.T) {
	tests := []struct {
		name string
		file string
	}{
		{"binary", "best_ibracancermodel.ckpt"},
		{"json", "best_ibracancermodel.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", tt.file)
			original := testCheckpoint()

			require.NoError(t, Save(original, path))

			loaded, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, original.Weights, loaded.Weights)
			assert.Equal(t, original.TrainingState, loaded.TrainingState)
			assert.Equal(t, original.Metadata.ModelName, loaded.Metadata.ModelName)
			assert.Equal(t, original.Metadata.ImageSize, loaded.Metadata.ImageSize)
			assert.Equal(t, original.Metadata.Tags, loaded.Metadata.Tags)
			assert.True(t, original.Metadata.CreatedAt.Equal(loaded.Metadata.CreatedAt))
		})
	}
}

// TestCheckpointOverwrite tests that saving twice leaves only the latest checkpoint
func TestCheckpointOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := BestPath(dir, "ResNet18")
	assert.Equal(t, filepath.Join(dir, "best_resnet18.ckpt"), path)

	first := testCheckpoint()
	first.TrainingState.BestAUC = 0.8
	require.NoError(t, Save(first, path))

	second := testCheckpoint()
	second.TrainingState.BestAUC = 0.85
	require.NoError(t, Save(second, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.85, loaded.TrainingState.BestAUC)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

// TestCheckpointDefaultsMetadata tests that missing metadata is filled in on save
func TestCheckpointDefaultsMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.ckpt")
	ckpt := &Checkpoint{}
	require.NoError(t, Save(ckpt, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "libtorch", loaded.Metadata.Framework)
	assert.Equal(t, formatVersion, loaded.Metadata.Version)
	assert.False(t, loaded.Metadata.CreatedAt.IsZero())
}

// TestLoadMissing tests the not-found error
func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "best_vgg16.ckpt"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

// TestLoadCorrupt tests that garbage is rejected
func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()

	noMagic := filepath.Join(dir, "a.ckpt")
	require.NoError(t, os.WriteFile(noMagic, []byte("hello"), 0644))
	_, err := Load(noMagic)
	assert.Error(t, err)

	truncated := filepath.Join(dir, "b.ckpt")
	data, err := marshalBinary(testCheckpoint())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(truncated, data[:len(data)-4], 0644))
	_, err = Load(truncated)
	assert.Error(t, err)
}

// TestCheckCompatible tests shape comparison against a model state dict
func TestCheckCompatible(t *testing.T) {
	ckpt := testCheckpoint()

	tests := []struct {
		name     string
		expected map[string][]int64
		ok       bool
	}{
		{
			name: "exact match",
			expected: map[string][]int64{
				"stem.conv.weight": {32, 3, 3, 3},
				"head.linear.bias": {1},
			},
			ok: true,
		},
		{
			name: "shape mismatch",
			expected: map[string][]int64{
				"stem.conv.weight": {64, 3, 3, 3},
				"head.linear.bias": {1},
			},
		},
		{
			name: "missing parameter",
			expected: map[string][]int64{
				"stem.conv.weight":   {32, 3, 3, 3},
				"head.linear.bias":   {1},
				"head.linear.weight": {1, 128},
			},
		},
		{
			name: "different architecture",
			expected: map[string][]int64{
				"conv1.weight": {64, 3, 7, 7},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ckpt.CheckCompatible(tt.expected)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var incompatible *IncompatibleError
			require.True(t, errors.As(err, &incompatible), "expected IncompatibleError, got %v", err)
			assert.Contains(t, err.Error(), "incompatible")
		})
	}
}

// TestSplitParamName tests layer/type extraction from state dict keys
func TestSplitParamName(t *testing.T) {
	layer, kind := SplitParamName("layer1.0.bn1.running_mean")
	assert.Equal(t, "layer1.0.bn1", layer)
	assert.Equal(t, "running_mean", kind)

	layer, kind = SplitParamName("scale")
	assert.Equal(t, "", layer)
	assert.Equal(t, "scale", kind)
}
