package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestProgressBar tests the basic progress bar functionality
func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBarTo(&buf, "Epoch 1/2", 10)

	for i := 1; i <= 5; i++ {
		pb.Update(i, map[string]float64{"loss": 1.0 - float64(i)*0.1})
	}
	line := pb.Line()
	assert.True(t, strings.HasPrefix(line, "Epoch 1/2:  50%|"))
	assert.Contains(t, line, "5/10")
	assert.Contains(t, line, "loss=0.5000")

	pb.Finish()
	assert.Contains(t, pb.Line(), "10/10")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

// TestProgressBarMetricOrder tests that metrics are rendered in a stable order
func TestProgressBarMetricOrder(t *testing.T) {
	pb := NewProgressBarTo(&bytes.Buffer{}, "Val", 1)
	pb.Update(1, map[string]float64{"recall": 1, "auc": 0.5, "f1": 0.25})
	line := pb.Line()
	assert.Less(t, strings.Index(line, "auc="), strings.Index(line, "f1="))
	assert.Less(t, strings.Index(line, "f1="), strings.Index(line, "recall="))
}

// TestProgressBarZeroTotal tests that an empty epoch renders as complete
func TestProgressBarZeroTotal(t *testing.T) {
	pb := NewProgressBarTo(&bytes.Buffer{}, "Train", 0)
	assert.Contains(t, pb.Line(), "100%")
}

// TestFormatDuration tests the MM:SS rendering
func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{0, "00:00"},
		{59 * time.Second, "00:59"},
		{61 * time.Second, "01:01"},
		{12*time.Minute + 5*time.Second, "12:05"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.d))
		})
	}
}

// TestFormatParameterCount tests the SI suffixes of parameter counts
func TestFormatParameterCount(t *testing.T) {
	assert.Equal(t, "999", formatParameterCount(999))
	assert.Equal(t, "11.2M", formatParameterCount(11_176_512))
	assert.Equal(t, "1.5k", formatParameterCount(1_500))
}

// TestPrintModelSummary tests the summary header
func TestPrintModelSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintModelSummary(&buf, "resnet18", 11_176_512, 11_176_512, 96)
	assert.Contains(t, buf.String(), "Model: resnet18")
	assert.Contains(t, buf.String(), "Total parameters: 11.2M")
	assert.Contains(t, buf.String(), "Non-trainable parameters: 0")
}
