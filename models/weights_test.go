package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/cancer-detection/checkpoints"
)

type fakeSink struct {
	shapes   map[string][]int64
	assigned []string
	failOn   string
}

func (s *fakeSink) Shapes() map[string][]int64 { return s.shapes }

func (s *fakeSink) Assign(name string, data []byte) error {
	if name == s.failOn {
		return errors.New("corrupt tensor")
	}
	s.assigned = append(s.assigned, name)
	return nil
}

// TestIsHeadParam tests that only the logit layer under the network root counts as head
func TestIsHeadParam(t *testing.T) {
	tests := []struct {
		name     string
		expected bool
	}{
		{"AttentionNet.Head.Linear.Weight", true},
		{"ResNet.Head.Linear.Bias", true},
		{"VGG.Classifier.Weight", true},
		{"VGG.FC1.Weight", false},
		{"ResNet.Stem.Conv.Weight", false},
		{"ResNet.Layers[0].Conv1.Conv.Weight", false},
		{"EfficientNet.Blocks[3].SE.Head.Weight", false},
		{"Head.Linear.Weight", false},
		{"Head", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsHeadParam(tt.name))
		})
	}
}

// TestImportWeights tests the compatibility check in front of tensor assignment
func TestImportWeights(t *testing.T) {
	shapes := map[string][]int64{
		"Net.Conv.Weight":        {8, 3, 3, 3},
		"Net.Head.Linear.Weight": {1, 8},
	}
	weight := func(name string, shape ...int64) checkpoints.WeightTensor {
		return checkpoints.WeightTensor{Name: name, Shape: shape, Data: []byte{1}}
	}

	tests := []struct {
		name         string
		weights      []checkpoints.WeightTensor
		failOn       string
		incompatible bool
		wantErr      bool
		assigned     []string
	}{
		{
			name:     "exact match",
			weights:  []checkpoints.WeightTensor{weight("Net.Conv.Weight", 8, 3, 3, 3), weight("Net.Head.Linear.Weight", 1, 8)},
			assigned: []string{"Net.Conv.Weight", "Net.Head.Linear.Weight"},
		},
		{
			name:         "missing tensor",
			weights:      []checkpoints.WeightTensor{weight("Net.Conv.Weight", 8, 3, 3, 3)},
			incompatible: true,
			wantErr:      true,
		},
		{
			name:         "shape mismatch",
			weights:      []checkpoints.WeightTensor{weight("Net.Conv.Weight", 16, 3, 3, 3), weight("Net.Head.Linear.Weight", 1, 8)},
			incompatible: true,
			wantErr:      true,
		},
		{
			name:         "unexpected tensor",
			weights:      []checkpoints.WeightTensor{weight("Net.Conv.Weight", 8, 3, 3, 3), weight("Net.Head.Linear.Weight", 1, 8), weight("Net.Extra.Weight", 4)},
			incompatible: true,
			wantErr:      true,
		},
		{
			name:     "decode failure",
			weights:  []checkpoints.WeightTensor{weight("Net.Conv.Weight", 8, 3, 3, 3), weight("Net.Head.Linear.Weight", 1, 8)},
			failOn:   "Net.Head.Linear.Weight",
			wantErr:  true,
			assigned: []string{"Net.Conv.Weight"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{shapes: shapes, failOn: tt.failOn}
			err := ImportWeights(&checkpoints.Checkpoint{Weights: tt.weights}, sink)

			if !tt.wantErr {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
			var incompatible *checkpoints.IncompatibleError
			assert.Equal(t, tt.incompatible, errors.As(err, &incompatible))
			assert.Equal(t, tt.assigned, sink.assigned)
		})
	}
}

// TestPretrainedNames tests that head and reshaped tensors are never copied
func TestPretrainedNames(t *testing.T) {
	target := map[string][]int64{
		"ResNet.Stem.Conv.Weight":   {64, 3, 7, 7},
		"ResNet.Stem.BN.Weight":     {64},
		"ResNet.Head.Linear.Weight": {1, 512},
		"ResNet.Head.Linear.Bias":   {1},
	}
	source := map[string][]int64{
		"ResNet.Stem.Conv.Weight":   {64, 3, 7, 7},
		"ResNet.Stem.BN.Weight":     {32},
		"ResNet.Head.Linear.Weight": {1, 512},
		"ResNet.Head.Linear.Bias":   {1},
		"ResNet.Unused.Weight":      {3},
	}

	assert.Equal(t, []string{"ResNet.Stem.Conv.Weight"}, PretrainedNames(target, source))
	assert.Empty(t, PretrainedNames(target, map[string][]int64{}))
}
