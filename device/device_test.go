package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestSelect tests the device policy for every request
func TestSelect(t *testing.T) {
	tests := []struct {
		requested string
		available bool
		expected  Kind
		warns     bool
	}{
		{"", true, CUDA, false},
		{"", false, CPU, false},
		{"auto", true, CUDA, false},
		{"AUTO", false, CPU, false},
		{"cpu", true, CPU, false},
		{"cuda", true, CUDA, false},
		{"cuda", false, CPU, true},
		{"gpu", false, CPU, true},
	}

	for _, tt := range tests {
		t.Run(tt.requested, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			kind, err := Select(tt.requested, tt.available, zap.New(core))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, kind)
			assert.Equal(t, tt.warns, logs.Len() > 0)
		})
	}
}

// TestSelectUnknown tests that an unknown device name is an error
func TestSelectUnknown(t *testing.T) {
	_, err := Select("tpu", true, zap.NewNop())
	assert.Error(t, err)
}

// TestUseAMP tests that half precision only applies on CUDA
func TestUseAMP(t *testing.T) {
	assert.True(t, UseAMP(true, CUDA))
	assert.False(t, UseAMP(true, CPU))
	assert.False(t, UseAMP(false, CUDA))
}
