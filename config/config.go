// Package config loads the pipeline configuration bundle from the configs/ directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the configuration bundle shared by every command of the pipeline.
// It is loaded once per process and treated as immutable; use WithOverrides to
// derive a modified copy before a training run.
type Config struct {
	Paths   PathsConfig   `yaml:"paths"`
	Train   TrainConfig   `yaml:"train"`
	Metrics MetricsConfig `yaml:"metrics"`
	Models  ModelsConfig  `yaml:"models"`
	Logging LoggingConfig `yaml:"logging"`
}

// PathsConfig holds dataset, artifact and tracker locations.
// Values may reference each other with ${key} and fall back to environment variables.
type PathsConfig struct {
	DataDir        string `yaml:"data_dir"`
	TrainImages    string `yaml:"train_images"`
	TestImages     string `yaml:"test_images"`
	LabelsCSV      string `yaml:"labels_csv"`
	SplitsDir      string `yaml:"splits_dir"`
	SampleSubCSV   string `yaml:"sample_sub_csv"`
	CheckpointsDir string `yaml:"checkpoints_dir"`
	PretrainedDir  string `yaml:"pretrained_dir"`
	MLRunsDir      string `yaml:"mlruns_dir"`
	SubmissionsDir string `yaml:"submissions_dir"`
	ReportsDir     string `yaml:"reports_dir"`
}

// TrainConfig holds the training hyperparameters.
type TrainConfig struct {
	ModelName     string  `yaml:"model_name"`
	Epochs        int     `yaml:"epochs"`
	BatchSize     int     `yaml:"batch_size"`
	ImageSize     int     `yaml:"img_size"`
	LearningRate  float64 `yaml:"lr"`
	WeightDecay   float64 `yaml:"weight_decay"`
	Pretrained    bool    `yaml:"pretrained"`
	EarlyStopping int     `yaml:"early_stopping"` // patience in epochs, 0 disables
	NumWorkers    int     `yaml:"num_workers"`
	Device        string  `yaml:"device"` // "cuda", "cpu" or "auto"
	Dropout       float64 `yaml:"dropout"`
	Seed          int64   `yaml:"seed"`
	ValRatio      float64 `yaml:"val_ratio"`
	CacheSize     int     `yaml:"cache_size"` // preprocessed images kept in memory, 0 disables
}

// MetricsConfig holds evaluation settings.
type MetricsConfig struct {
	Threshold float64 `yaml:"threshold"`
}

// ModelsConfig lists the architectures offered by the CLI.
type ModelsConfig struct {
	Available []string `yaml:"available"`
}

// LoggingConfig mirrors configs/logging.yaml.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
	File   string `yaml:"file"`
}

// DefaultConfig returns the configuration used when a file or key is absent.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:        "data",
			TrainImages:    "${data_dir}/train",
			TestImages:     "${data_dir}/test",
			LabelsCSV:      "${data_dir}/train_labels.csv",
			SplitsDir:      "${data_dir}/splits",
			SampleSubCSV:   "${data_dir}/sample_submission.csv",
			CheckpointsDir: "checkpoints",
			PretrainedDir:  "pretrained",
			MLRunsDir:      "mlruns",
			SubmissionsDir: "submissions",
			ReportsDir:     "reports",
		},
		Train: TrainConfig{
			ModelName:     "resnet18",
			Epochs:        2,
			BatchSize:     64,
			ImageSize:     96,
			LearningRate:  1e-3,
			WeightDecay:   1e-4,
			Pretrained:    false,
			EarlyStopping: 0,
			NumWorkers:    2,
			Device:        "cuda",
			Dropout:       0.2,
			Seed:          1337,
			ValRatio:      0.1,
			CacheSize:     2048,
		},
		Metrics: MetricsConfig{
			Threshold: 0.5,
		},
		Models: ModelsConfig{
			Available: []string{"resnet18", "resnet50", "vgg16", "efficientnet_b0", "densenet121", "ibracancermodel"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			File:   "logs/pipeline.log",
		},
	}
}

// section names map to files under the configs directory
var sections = []string{"paths", "train", "metrics", "models", "logging"}

// Load reads every section of the bundle from dir. Each section lives in its own
// file (paths.yaml, train.yaml, ...); .yml and .toml files are accepted too.
// Missing sections keep their defaults. Path values are interpolated afterwards.
func Load(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, section := range sections {
		path, ok := findSectionFile(dir, section)
		if !ok {
			continue
		}

		raw, err := readDocument(path)
		if err != nil {
			return nil, err
		}

		if err := decodeSection(cfg, section, raw); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func findSectionFile(dir, section string) (string, bool) {
	for _, ext := range []string{".yaml", ".yml", ".toml"} {
		path := filepath.Join(dir, section+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// readDocument decodes a YAML or TOML file into a generic mapping.
func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	doc := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	return doc, nil
}

// decodeSection overlays a decoded document on the matching section of cfg.
// The document is re-encoded as YAML so both file formats share the yaml tags.
func decodeSection(cfg *Config, section string, doc map[string]any) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	var target any
	switch section {
	case "paths":
		target = &cfg.Paths
	case "train":
		target = &cfg.Train
	case "metrics":
		target = &cfg.Metrics
	case "models":
		target = &cfg.Models
	case "logging":
		target = &cfg.Logging
	default:
		return fmt.Errorf("unknown section %q", section)
	}

	return yaml.Unmarshal(data, target)
}

// resolvePaths expands ${...} references between path entries.
func (c *Config) resolvePaths() error {
	values := map[string]string{
		"data_dir":        c.Paths.DataDir,
		"train_images":    c.Paths.TrainImages,
		"test_images":     c.Paths.TestImages,
		"labels_csv":      c.Paths.LabelsCSV,
		"splits_dir":      c.Paths.SplitsDir,
		"sample_sub_csv":  c.Paths.SampleSubCSV,
		"checkpoints_dir": c.Paths.CheckpointsDir,
		"pretrained_dir":  c.Paths.PretrainedDir,
		"mlruns_dir":      c.Paths.MLRunsDir,
		"submissions_dir": c.Paths.SubmissionsDir,
		"reports_dir":     c.Paths.ReportsDir,
	}

	resolved, err := ResolveMapping(values)
	if err != nil {
		return err
	}

	c.Paths = PathsConfig{
		DataDir:        resolved["data_dir"],
		TrainImages:    resolved["train_images"],
		TestImages:     resolved["test_images"],
		LabelsCSV:      resolved["labels_csv"],
		SplitsDir:      resolved["splits_dir"],
		SampleSubCSV:   resolved["sample_sub_csv"],
		CheckpointsDir: resolved["checkpoints_dir"],
		PretrainedDir:  resolved["pretrained_dir"],
		MLRunsDir:      resolved["mlruns_dir"],
		SubmissionsDir: resolved["submissions_dir"],
		ReportsDir:     resolved["reports_dir"],
	}
	return nil
}

// Validate checks the hyperparameters a run cannot start without.
func (c *Config) Validate() error {
	if c.Train.ModelName == "" {
		return fmt.Errorf("train.model_name must be set")
	}
	if c.Train.Epochs <= 0 {
		return fmt.Errorf("train.epochs must be positive, got %d", c.Train.Epochs)
	}
	if c.Train.BatchSize <= 0 {
		return fmt.Errorf("train.batch_size must be positive, got %d", c.Train.BatchSize)
	}
	if c.Train.ImageSize <= 0 {
		return fmt.Errorf("train.img_size must be positive, got %d", c.Train.ImageSize)
	}
	if c.Train.EarlyStopping < 0 {
		return fmt.Errorf("train.early_stopping cannot be negative")
	}
	if c.Metrics.Threshold <= 0 || c.Metrics.Threshold >= 1 {
		return fmt.Errorf("metrics.threshold must be in (0, 1), got %v", c.Metrics.Threshold)
	}
	return nil
}
