// Package models names the classifier architectures and the contracts shared by
// training, evaluation, prediction and serving. The networks themselves live in
// models/zoo, which needs libtorch.
package models

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Architecture identifies a classifier network.
type Architecture int

const (
	AttentionCNN Architecture = iota
	ResNet18
	ResNet50
	VGG16
	EfficientNetB0
	DenseNet121
)

var archNames = map[Architecture]string{
	AttentionCNN:   "ibracancermodel",
	ResNet18:       "resnet18",
	ResNet50:       "resnet50",
	VGG16:          "vgg16",
	EfficientNetB0: "efficientnet_b0",
	DenseNet121:    "densenet121",
}

// String returns the configuration name of the architecture
func (a Architecture) String() string {
	if name, ok := archNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(a))
}

// Pretrainable reports whether ImageNet weights exist for the architecture.
func (a Architecture) Pretrainable() bool {
	return a != AttentionCNN
}

// UnknownModelError is returned for a model name no architecture answers to.
type UnknownModelError struct {
	Name string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model: %q (available: %s)", e.Name, strings.Join(Names(), ", "))
}

// ParseArchitecture resolves a model name, ignoring case and surrounding spaces.
func ParseArchitecture(name string) (Architecture, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for arch, archName := range archNames {
		if archName == n {
			return arch, nil
		}
	}
	return 0, &UnknownModelError{Name: name}
}

// All returns every architecture in declaration order.
func All() []Architecture {
	archs := make([]Architecture, 0, len(archNames))
	for arch := range archNames {
		archs = append(archs, arch)
	}
	sort.Slice(archs, func(i, j int) bool { return archs[i] < archs[j] })
	return archs
}

// Names returns the configuration names of every architecture.
func Names() []string {
	var names []string
	for _, arch := range All() {
		names = append(names, arch.String())
	}
	return names
}

// Options configure the construction of a classifier.
type Options struct {
	NumClasses    int64   // always 1: a single logit
	Pretrained    bool    // initialize the backbone from ImageNet weights
	Dropout       float64 // dropout probability before the head
	PretrainedDir string  // location of <arch>.gob ImageNet state dicts
}

// DefaultOptions returns single-logit options with the given dropout.
func DefaultOptions(dropout float64) Options {
	return Options{NumClasses: 1, Dropout: dropout}
}

// Scorer turns a batch of preprocessed images into positive-class probabilities.
// images holds n CHW images of side size; the result has n values in [0, 1].
type Scorer interface {
	Score(ctx context.Context, images []float32, n, size int) ([]float64, error)
}

// LoadRequest identifies a checkpoint and the runtime to score it on.
type LoadRequest struct {
	ModelName   string
	WeightsPath string
	ImageSize   int
	Device      string // resolved device kind, "cpu" or "cuda"
	AMP         bool
}

// ScorerLoader builds a scorer for a checkpoint.
type ScorerLoader func(LoadRequest) (Scorer, error)

// Info summarizes a loaded classifier.
type Info struct {
	Architecture        Architecture
	TotalParameters     int64
	TrainableParameters int64
	ImageSize           int
	Device              string
	Checkpoint          string
}
