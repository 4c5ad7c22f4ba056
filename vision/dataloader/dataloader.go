package dataloader

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/cancer-detection/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Identified is implemented by datasets whose samples carry an id.
type Identified interface {
	ID(index int) string
}

// Batch is one mini-batch in CHW layout: Images holds Size*3*S*S values.
type Batch struct {
	Images []float32
	Labels []int
	IDs    []string
	Size   int
}

// DataLoader produces batches of preprocessed images. Decoding runs on a pool of
// NumWorkers goroutines; batch order only depends on the shuffle seed.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	augment   bool
	indices   []int
	position  int
	rng       *rand.Rand
	mu        sync.Mutex

	numWorkers int
	prefetch   int

	cacheManager *CacheManager
	ownedCache   bool

	processors []*preprocessing.ImageProcessor
	imageSize  int
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	Augment      bool // random horizontal/vertical flips
	Seed         int64
	MaxCacheSize int // Maximum number of images to cache, 0 disables caching
	ImageSize    int
	NumWorkers   int           // Number of parallel workers for preprocessing
	Prefetch     int           // Batches prepared ahead by Stream
	CacheManager *CacheManager // Optional shared cache manager
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.ImageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 2
	}

	cacheManager := config.CacheManager
	ownedCache := false
	if cacheManager == nil && config.MaxCacheSize > 0 {
		var err error
		if cacheManager, err = NewCacheManager(config.MaxCacheSize); err != nil {
			return nil, err
		}
		ownedCache = true
	}

	processors := make([]*preprocessing.ImageProcessor, config.NumWorkers)
	for i := range processors {
		processors[i] = preprocessing.NewImageProcessor(config.ImageSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:      dataset,
		batchSize:    config.BatchSize,
		shuffle:      config.Shuffle,
		augment:      config.Augment,
		indices:      indices,
		rng:          rand.New(rand.NewSource(config.Seed)),
		numWorkers:   config.NumWorkers,
		prefetch:     config.Prefetch,
		cacheManager: cacheManager,
		ownedCache:   ownedCache,
		processors:   processors,
		imageSize:    config.ImageSize,
	}
	if dl.shuffle {
		dl.shuffleIndices()
	}
	return dl, nil
}

func (dl *DataLoader) shuffleIndices() {
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Reset rewinds to the beginning and reshuffles when shuffling is enabled
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.shuffleIndices()
	}
}

// ImageSize returns the side length of the produced images
func (dl *DataLoader) ImageSize() int {
	return dl.imageSize
}

// Len returns the number of samples per epoch
func (dl *DataLoader) Len() int {
	return len(dl.indices)
}

// NumBatches returns the number of batches per epoch
func (dl *DataLoader) NumBatches() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// NextBatch loads the next batch. It returns nil at the end of the epoch.
// A sample that cannot be resolved or decoded fails the whole batch.
func (dl *DataLoader) NextBatch() (*Batch, error) {
	dl.mu.Lock()
	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		dl.mu.Unlock()
		return nil, nil // No more data
	}

	batchSize := dl.batchSize
	if remaining < batchSize {
		batchSize = remaining
	}
	indices := append([]int(nil), dl.indices[dl.position:dl.position+batchSize]...)
	dl.position += batchSize

	// flips are drawn up front so augmentation is deterministic for a seed
	var flips []uint8
	if dl.augment {
		flips = make([]uint8, batchSize)
		for i := range flips {
			flips[i] = uint8(dl.rng.Intn(4))
		}
	}
	dl.mu.Unlock()

	pixelsPerImage := 3 * dl.imageSize * dl.imageSize
	batch := &Batch{
		Images: make([]float32, batchSize*pixelsPerImage),
		Labels: make([]int, batchSize),
		Size:   batchSize,
	}
	if named, ok := dl.dataset.(Identified); ok {
		batch.IDs = make([]string, batchSize)
		for i, idx := range indices {
			batch.IDs[i] = named.ID(idx)
		}
	}

	errs := make([]error, batchSize)
	jobs := make(chan int, batchSize)
	var wg sync.WaitGroup

	for w := 0; w < dl.numWorkers && w < batchSize; w++ {
		wg.Add(1)
		go func(processor *preprocessing.ImageProcessor) {
			defer wg.Done()
			for i := range jobs {
				imagePath, label, err := dl.dataset.GetItem(indices[i])
				if err != nil {
					errs[i] = err
					continue
				}

				imgData, err := dl.loadImageWithCache(processor, imagePath)
				if err != nil {
					errs[i] = err
					continue
				}

				dst := batch.Images[i*pixelsPerImage : (i+1)*pixelsPerImage]
				copy(dst, imgData)
				if flips != nil {
					flip(dst, dl.imageSize, flips[i]&1 != 0, flips[i]&2 != 0)
				}
				batch.Labels[i] = label
			}
		}(dl.processors[w])
	}

	for i := range indices {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// BatchResult is a batch or the error that ended the stream.
type BatchResult struct {
	Batch *Batch
	Err   error
}

// Stream prepares up to Prefetch batches ahead of the consumer. The channel is
// closed at the end of the epoch, after an error, or when ctx is done.
func (dl *DataLoader) Stream(ctx context.Context) <-chan BatchResult {
	out := make(chan BatchResult, dl.prefetch)
	go func() {
		defer close(out)
		for {
			batch, err := dl.NextBatch()
			if batch == nil && err == nil {
				return
			}
			select {
			case out <- BatchResult{Batch: batch, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// loadImageWithCache loads an image with caching support
func (dl *DataLoader) loadImageWithCache(processor *preprocessing.ImageProcessor, imagePath string) ([]float32, error) {
	if dl.cacheManager != nil {
		if cachedData, exists := dl.cacheManager.Get(imagePath); exists {
			return cachedData, nil
		}
	}

	processedImg, err := processor.LoadFile(imagePath)
	if err != nil {
		return nil, err
	}

	if dl.cacheManager != nil {
		dl.cacheManager.Put(imagePath, processedImg.Data)
	}
	return processedImg.Data, nil
}

// flip mirrors a CHW image in place
func flip(data []float32, size int, horizontal, vertical bool) {
	if !horizontal && !vertical {
		return
	}
	plane := size * size
	for c := 0; c < 3; c++ {
		ch := data[c*plane : (c+1)*plane]
		if horizontal {
			for y := 0; y < size; y++ {
				row := ch[y*size : (y+1)*size]
				for l, r := 0, size-1; l < r; l, r = l+1, r-1 {
					row[l], row[r] = row[r], row[l]
				}
			}
		}
		if vertical {
			for top, bottom := 0, size-1; top < bottom; top, bottom = top+1, bottom-1 {
				for x := 0; x < size; x++ {
					ch[top*size+x], ch[bottom*size+x] = ch[bottom*size+x], ch[top*size+x]
				}
			}
		}
	}
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	if dl.cacheManager == nil {
		return "Cache: disabled"
	}
	return dl.cacheManager.Stats().String()
}

// Progress returns the current progress through the dataset
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// ClearCache clears the image cache if this loader owns it
func (dl *DataLoader) ClearCache() {
	if dl.ownedCache && dl.cacheManager != nil {
		dl.cacheManager.Clear()
	}
}

// CreateSharedDataLoaders creates a shuffled, augmented train loader and a fixed-order
// validation loader sharing one cache.
func CreateSharedDataLoaders(trainDataset, valDataset Dataset, config Config) (*DataLoader, *DataLoader, error) {
	if config.CacheManager == nil && config.MaxCacheSize > 0 {
		sharedCache, err := NewCacheManager(config.MaxCacheSize)
		if err != nil {
			return nil, nil, err
		}
		config.CacheManager = sharedCache
	}

	trainConfig := config
	trainConfig.Shuffle = true
	trainLoader, err := NewDataLoader(trainDataset, trainConfig)
	if err != nil {
		return nil, nil, err
	}

	valConfig := config
	valConfig.Shuffle = false
	valConfig.Augment = false
	valLoader, err := NewDataLoader(valDataset, valConfig)
	if err != nil {
		return nil, nil, err
	}

	return trainLoader, valLoader, nil
}
