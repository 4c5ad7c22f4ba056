// Package report renders tracked runs as standalone HTML pages of charts.
package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/tsawler/cancer-detection/metrics"
	"github.com/tsawler/cancer-detection/tracker"
)

// Report is the data behind one HTML page.
type Report struct {
	Title   string
	RunID   string
	Params  map[string]string
	Metrics map[string][]tracker.MetricPoint
	ROC     []metrics.ROCPoint
}

// Config controls chart appearance.
type Config struct {
	Width  string
	Height string
	Theme  string
	Smooth bool
}

// DefaultConfig returns default chart configuration.
func DefaultConfig() Config {
	return Config{
		Width:  "900px",
		Height: "450px",
		Theme:  "light",
		Smooth: true,
	}
}

// FromRun loads a run's params and metric history from the tracker.
func FromRun(ctx context.Context, store *tracker.Store, idOrName string) (Report, error) {
	run, err := store.FindRun(ctx, idOrName)
	if err != nil {
		return Report{}, err
	}
	params, err := store.Params(ctx, run.ID)
	if err != nil {
		return Report{}, err
	}
	history, err := store.Metrics(ctx, run.ID)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Title:   run.Name,
		RunID:   run.ID,
		Params:  params,
		Metrics: history,
	}, nil
}

// Render writes the report page. Metrics logged at several steps become line
// charts (losses and the rest on separate charts); single values are summarised
// in a bar chart; the ROC curve is drawn when present.
func Render(w io.Writer, r Report, cfg Config) error {
	page := components.NewPage()
	page.PageTitle = r.Title

	var losses, curves, summary []string
	for _, name := range sortedKeys(r.Metrics) {
		switch {
		case len(r.Metrics[name]) <= 1:
			summary = append(summary, name)
		case strings.HasSuffix(name, "loss"):
			losses = append(losses, name)
		default:
			curves = append(curves, name)
		}
	}

	if len(losses) > 0 {
		page.AddCharts(historyChart(r, losses, "Loss", cfg))
	}
	if len(curves) > 0 {
		page.AddCharts(historyChart(r, curves, "Validation metrics", cfg))
	}
	if len(summary) > 0 {
		page.AddCharts(summaryChart(r, summary, cfg))
	}
	if len(r.ROC) > 0 {
		page.AddCharts(rocChart(r, cfg))
	}

	if err := page.Render(w); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}

// WriteFile renders the report to path, creating parent directories.
func WriteFile(path string, r Report, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()
	return Render(f, r, cfg)
}

func globalOptions(title, subtitle string, cfg Config) []charts.GlobalOpts {
	return []charts.GlobalOpts{
		charts.WithInitializationOpts(opts.Initialization{
			Width:  cfg.Width,
			Height: cfg.Height,
			Theme:  cfg.Theme,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    title,
			Subtitle: subtitle,
		}),
		charts.WithTooltipOpts(opts.Tooltip{
			Show:    opts.Bool(true),
			Trigger: "axis",
		}),
		charts.WithLegendOpts(opts.Legend{
			Show: opts.Bool(true),
			Top:  "bottom",
		}),
	}
}

// historyChart plots each named metric against its step.
func historyChart(r Report, names []string, title string, cfg Config) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(globalOptions(title, r.Title, cfg)...)

	steps := map[int]bool{}
	for _, name := range names {
		for _, p := range r.Metrics[name] {
			steps[p.Step] = true
		}
	}
	axis := make([]int, 0, len(steps))
	for s := range steps {
		axis = append(axis, s)
	}
	sort.Ints(axis)

	labels := make([]string, len(axis))
	index := make(map[int]int, len(axis))
	for i, s := range axis {
		labels[i] = strconv.Itoa(s)
		index[s] = i
	}
	line.SetXAxis(labels)

	for _, name := range names {
		data := make([]opts.LineData, len(axis))
		for i := range data {
			data[i] = opts.LineData{Value: "-"}
		}
		for _, p := range r.Metrics[name] {
			data[index[p.Step]] = opts.LineData{Value: p.Value}
		}
		line.AddSeries(name, data)
	}
	line.SetSeriesOptions(
		charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(cfg.Smooth)}),
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(false)}),
	)
	return line
}

func summaryChart(r Report, names []string, cfg Config) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(globalOptions("Summary", r.Title, cfg)...)

	data := make([]opts.BarData, len(names))
	for i, name := range names {
		points := r.Metrics[name]
		data[i] = opts.BarData{Value: points[len(points)-1].Value}
	}
	bar.SetXAxis(names).AddSeries("value", data)
	bar.SetSeriesOptions(charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))
	return bar
}

func rocChart(r Report, cfg Config) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(append(globalOptions("ROC curve", r.Title, cfg),
		charts.WithXAxisOpts(opts.XAxis{Name: "FPR", Type: "value", Min: 0, Max: 1}),
		charts.WithYAxisOpts(opts.YAxis{Name: "TPR", Type: "value", Min: 0, Max: 1}),
	)...)

	curve := make([]opts.LineData, len(r.ROC))
	for i, p := range r.ROC {
		curve[i] = opts.LineData{Value: []float64{p.FPR, p.TPR}}
	}
	chance := []opts.LineData{{Value: []float64{0, 0}}, {Value: []float64{1, 1}}}
	line.AddSeries("ROC", curve).AddSeries("chance", chance)
	return line
}

func sortedKeys(m map[string][]tracker.MetricPoint) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if len(m[k]) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
