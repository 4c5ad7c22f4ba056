// Package server exposes a loaded classifier over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tsawler/cancer-detection/metrics"
	"github.com/tsawler/cancer-detection/models"
	"github.com/tsawler/cancer-detection/vision/preprocessing"
)

// ErrNotReady is returned while no model is available.
var ErrNotReady = errors.New("model not initialized")

// Predictor scores preprocessed images and describes the model behind it.
// engine.InferenceEngine is the production implementation.
type Predictor interface {
	models.Scorer
	Info() models.Info
}

// Labels of the two classes as returned to clients.
const (
	PositiveText = "Cancer détecté"
	NegativeText = "Tissu sain"
)

// Prediction is the classification of one uploaded image.
type Prediction struct {
	ProbabilityCancer float64 `json:"probability_cancer"`
	Label             int     `json:"label"`
	Confidence        float64 `json:"confidence"`
	Prediction        string  `json:"prediction"`
}

// NewPrediction thresholds p at 0.5. Probability and confidence are rounded
// to four decimals.
func NewPrediction(p float64) Prediction {
	label := 0
	confidence := 1 - p
	text := NegativeText
	if p >= metrics.DefaultThreshold {
		label = 1
		confidence = p
		text = PositiveText
	}
	return Prediction{
		ProbabilityCancer: round4(p),
		Label:             label,
		Confidence:        round4(confidence),
		Prediction:        text,
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// Service owns the model and the preprocessing pipeline shared by all requests.
type Service struct {
	predictor Predictor
	processor *preprocessing.ImageProcessor
	info      models.Info
	ready     atomic.Bool
	logger    *zap.Logger
}

// NewService wraps a loaded predictor and marks the service ready.
func NewService(p Predictor, logger *zap.Logger) (*Service, error) {
	if p == nil {
		return nil, ErrNotReady
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	info := p.Info()
	if info.ImageSize <= 0 {
		return nil, fmt.Errorf("invalid input size %d", info.ImageSize)
	}

	s := &Service{
		predictor: p,
		processor: preprocessing.NewImageProcessor(info.ImageSize),
		info:      info,
		logger:    logger,
	}
	s.ready.Store(true)
	logger.Info("service ready",
		zap.String("model", info.Architecture.String()),
		zap.String("device", info.Device),
		zap.Int("image_size", info.ImageSize))
	return s, nil
}

// Ready reports whether requests can be served.
func (s *Service) Ready() bool {
	return s != nil && s.ready.Load()
}

// Info describes the served model.
func (s *Service) Info() models.Info {
	return s.info
}

// Predict decodes an image, preprocesses it and scores it.
func (s *Service) Predict(ctx context.Context, r io.Reader) (Prediction, error) {
	if !s.Ready() {
		return Prediction{}, ErrNotReady
	}
	img, _, err := s.processor.DecodeAndPreprocess(r)
	if err != nil {
		return Prediction{}, err
	}
	probs, err := s.predictor.Score(ctx, img.Data, 1, img.Width)
	if err != nil {
		return Prediction{}, fmt.Errorf("inference failed: %w", err)
	}
	if len(probs) != 1 {
		return Prediction{}, fmt.Errorf("inference returned %d scores for one image", len(probs))
	}
	return NewPrediction(probs[0]), nil
}

// Close marks the service not ready and releases the predictor.
func (s *Service) Close() {
	if !s.ready.Swap(false) {
		return
	}
	if c, ok := s.predictor.(interface{ Close() }); ok {
		c.Close()
	}
	s.logger.Info("service stopped")
}
