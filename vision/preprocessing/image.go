package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// ImageNet channel statistics used by every backbone in the model zoo.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// SupportedFormats are the format names image.Decode reports for the registered decoders.
var SupportedFormats = map[string]bool{
	"jpeg": true,
	"png":  true,
	"tiff": true,
}

// ImageProcessor resizes images to a fixed square and converts them to normalized
// CHW float32 data. It is safe for concurrent use; the resize buffer is reused.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	targetSize      int
	mean            [3]float32
	std             [3]float32
}

// NewImageProcessor creates a processor with ImageNet normalization
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
		mean:       ImageNetMean,
		std:        ImageNetStd,
	}
}

// TargetSize returns the side length of the processed square.
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes a JPEG, PNG or TIFF image and preprocesses it.
// It also returns the detected format name.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, string, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	if !SupportedFormats[format] {
		return nil, format, fmt.Errorf("unsupported image format %q", format)
	}

	return p.Preprocess(img), format, nil
}

// Preprocess resizes img to the target square with bilinear interpolation and returns
// data in CHW format (channels, height, width), each channel normalized as
// (x - mean) / std with x in [0, 1].
func (p *ImageProcessor) Preprocess(img image.Image) *ProcessedImage {
	size := p.targetSize
	plane := size * size
	data := make([]float32, 3*plane)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Reuse image buffer
	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != size {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, size, size))
	}
	target := p.tempImageBuffer
	draw.BiLinear.Scale(target, target.Bounds(), img, img.Bounds(), draw.Src, nil)

	for y := 0; y < size; y++ {
		row := target.Pix[y*target.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			idx := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255.0
				data[c*plane+idx] = (v - p.mean[c]) / p.std[c]
			}
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    size,
		Height:   size,
		Channels: 3,
	}
}

// LoadFile opens and preprocesses an image file.
func (p *ImageProcessor) LoadFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// PreprocessBatch preprocesses multiple images concurrently. Results keep the order of imagePaths.
func PreprocessBatch(imagePaths []string, targetSize int, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errs := make([]error, len(imagePaths))

	// Create worker pool
	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	// Start workers
	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize)

			for j := range jobs {
				img, err := processor.LoadFile(j.path)
				if err != nil {
					errs[j.index] = err
				} else {
					results[j.index] = img
				}
			}
		}()
	}

	// Submit jobs
	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	// Wait for completion
	wg.Wait()

	// Check for errors
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d: %w", i, err)
		}
	}

	return results, nil
}
