package training

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseModelList tests splitting and the "all" expansion
func TestParseModelList(t *testing.T) {
	available := []string{"resnet18", "vgg16"}
	tests := []struct {
		input    string
		expected []string
	}{
		{"resnet18", []string{"resnet18"}},
		{" resnet18 , ibracancermodel ,", []string{"resnet18", "ibracancermodel"}},
		{"ALL", available},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseModelList(tt.input, available))
		})
	}
}

// TestSweepIsolatesFailures tests that errors and panics do not stop the remaining models
func TestSweepIsolatesFailures(t *testing.T) {
	var ran []string
	run := func(_ context.Context, name string) (*Result, error) {
		ran = append(ran, name)
		switch name {
		case "vgg16":
			return nil, errors.New("pretrained weights missing")
		case "densenet121":
			panic("cuda error")
		}
		return &Result{ModelName: name, BestAUC: 0.9}, nil
	}

	results := Sweep(context.Background(), []string{"resnet18", "vgg16", "densenet121", "ibracancermodel"}, run, nil)
	require.Len(t, results, 4)
	assert.Equal(t, []string{"resnet18", "vgg16", "densenet121", "ibracancermodel"}, ran)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, 0.9, results[0].Result.BestAUC)
	assert.EqualError(t, results[1].Err, "pretrained weights missing")
	assert.Contains(t, results[2].Err.Error(), "panicked")
	assert.Nil(t, results[2].Result)
	assert.NoError(t, results[3].Err)

	failed := Failed(results)
	require.Len(t, failed, 2)
	assert.Equal(t, "vgg16", failed[0].ModelName)
}

// TestSweepCancelled tests that remaining models are marked cancelled without running
func TestSweepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	run := func(_ context.Context, name string) (*Result, error) {
		calls++
		cancel()
		return &Result{ModelName: name}, nil
	}
	results := Sweep(ctx, []string{"a", "b"}, run, nil)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, results[1].Err, context.Canceled)
}
