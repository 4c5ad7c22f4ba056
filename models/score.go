package models

import (
	"context"
	"fmt"

	"github.com/tsawler/cancer-detection/vision/dataloader"
)

// Scored holds the output of ScoreLoader in loader order.
type Scored struct {
	IDs           []string
	Labels        []int
	Probabilities []float64
}

// ScoreLoader rewinds the loader and scores every batch with s. The first
// loader or scorer error aborts the pass.
func ScoreLoader(ctx context.Context, s Scorer, dl *dataloader.DataLoader) (*Scored, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dl.Reset()
	out := &Scored{
		IDs:           make([]string, 0, dl.Len()),
		Labels:        make([]int, 0, dl.Len()),
		Probabilities: make([]float64, 0, dl.Len()),
	}
	for r := range dl.Stream(ctx) {
		if r.Err != nil {
			return nil, r.Err
		}
		b := r.Batch
		probs, err := s.Score(ctx, b.Images, b.Size, dl.ImageSize())
		if err != nil {
			return nil, err
		}
		if len(probs) != b.Size {
			return nil, fmt.Errorf("scorer returned %d probabilities for %d images", len(probs), b.Size)
		}
		out.IDs = append(out.IDs, b.IDs...)
		out.Labels = append(out.Labels, b.Labels...)
		out.Probabilities = append(out.Probabilities, probs...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
