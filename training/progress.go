package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to stderr
func NewProgressBar(description string, total int) *ProgressBar {
	return NewProgressBarTo(os.Stderr, description, total)
}

// NewProgressBarTo creates a progress bar writing to out
func NewProgressBarTo(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// Line returns the current progress line without the leading carriage return.
func (pb *ProgressBar) Line() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(", %s=%.4f", k, pb.metrics[k])
	}
	return line + "]"
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.Line())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// formatParameterCount formats a parameter count with SI suffixes (11.2M, 845k)
func formatParameterCount(count int64) string {
	value, suffix := humanize.ComputeSI(float64(count))
	if suffix == "" {
		return fmt.Sprintf("%d", count)
	}
	return fmt.Sprintf("%.1f%s", value, suffix)
}

// PrintModelSummary writes the parameter summary shown before training starts.
func PrintModelSummary(out io.Writer, modelName string, totalParams, trainableParams int64, imageSize int) {
	fmt.Fprintf(out, "Model: %s\n", modelName)
	fmt.Fprintf(out, "Total parameters: %s\n", formatParameterCount(totalParams))
	fmt.Fprintf(out, "Trainable parameters: %s\n", formatParameterCount(trainableParams))
	fmt.Fprintf(out, "Non-trainable parameters: %s\n", formatParameterCount(totalParams-trainableParams))
	inputBytes := uint64(3 * imageSize * imageSize * 4)
	fmt.Fprintf(out, "Input size: %s\n", humanize.IBytes(inputBytes))
	fmt.Fprintf(out, "Params size: %s\n\n", humanize.IBytes(uint64(totalParams)*4))
}
