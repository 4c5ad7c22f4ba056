package models

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/cancer-detection/vision/dataloader"
	"github.com/tsawler/cancer-detection/vision/dataset"
)

// meanScorer scores an image by its first pixel value, shifted into [0, 1].
type meanScorer struct {
	calls int
	err   error
}

func (m *meanScorer) Score(_ context.Context, images []float32, n, size int) ([]float64, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([]float64, n)
	per := 3 * size * size
	for i := range out {
		out[i] = float64(i*per) / float64(len(images))
	}
	return out, nil
}

func testLoader(t *testing.T, ids []string, batch int) *dataloader.DataLoader {
	t.Helper()
	dir := t.TempDir()
	for _, id := range ids {
		f, err := os.Create(filepath.Join(dir, id+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 8, 8))))
		require.NoError(t, f.Close())
	}
	dl, err := dataloader.NewDataLoader(dataset.NewTestDataset(dir, ids), dataloader.Config{BatchSize: batch, ImageSize: 8})
	require.NoError(t, err)
	return dl
}

// TestScoreLoaderOrder tests that ids and probabilities stay in loader order across batches
func TestScoreLoaderOrder(t *testing.T) {
	ids := []string{"c", "a", "e", "b", "d"}
	dl := testLoader(t, ids, 2)
	s := &meanScorer{}

	scored, err := ScoreLoader(context.Background(), s, dl)
	require.NoError(t, err)
	assert.Equal(t, ids, scored.IDs)
	assert.Len(t, scored.Probabilities, 5)
	assert.Equal(t, []int{0, 0, 0, 0, 0}, scored.Labels)
	assert.Equal(t, 3, s.calls)

	again, err := ScoreLoader(context.Background(), s, dl)
	require.NoError(t, err)
	assert.Equal(t, scored.IDs, again.IDs)
}

// TestScoreLoaderError tests that a scorer failure aborts the pass
func TestScoreLoaderError(t *testing.T) {
	dl := testLoader(t, []string{"a", "b", "c"}, 1)
	_, err := ScoreLoader(context.Background(), &meanScorer{err: errors.New("device lost")}, dl)
	assert.EqualError(t, err, "device lost")
}
