// Package dataloader turns a stream of decoded samples into shuffled,
// fixed-size training batches.
package dataloader

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// SampleSource is the contract the loader reads from: indexed access to
// decoded (image, one-hot label) pairs. preprocessing.Stream implements it.
type SampleSource interface {
	Len() int
	At(i int) (img *tensor.Dense, label *tensor.Dense, err error)
}

// Batch is a stack of samples ready for one training step. Images have shape
// [size, H, W, 3] and Labels [size, numClasses]. Batches are ephemeral,
// constructed per step and discarded after use.
type Batch struct {
	Images *tensor.Dense
	Labels *tensor.Dense
	Size   int
}

// Config holds configuration for a DataLoader.
type Config struct {
	BatchSize int
	Shuffle   bool
	Prefetch  int   // read-ahead depth for Iterate; 0 disables buffering
	Seed      int64 // shuffle seed; 0 seeds from the clock
}

// DataLoader groups samples into batches. When shuffling is enabled it applies
// a full-pool Fisher-Yates shuffle over the index slice (O(n) index
// bookkeeping, never materializing the decoded samples) and reshuffles on
// every Reset, so each epoch sees a fresh order. The final batch of a pass may
// be smaller than BatchSize; it is delivered, never dropped or padded.
type DataLoader struct {
	source    SampleSource
	batchSize int
	shuffle   bool
	prefetch  int
	indices   []int
	position  int
	rng       *rand.Rand
	mu        sync.Mutex
}

// NewDataLoader creates a loader over the given source.
func NewDataLoader(source SampleSource, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	indices := make([]int, source.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		source:    source,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		prefetch:  config.Prefetch,
		indices:   indices,
		rng:       rand.New(rand.NewSource(seed)),
	}

	if dl.shuffle {
		dl.reshuffle()
	}

	return dl, nil
}

func (dl *DataLoader) reshuffle() {
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Len returns the number of batches in one full pass.
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader for a new epoch, reshuffling if enabled.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.reshuffle()
	}
}

// HasNext reports whether more batches remain in the current pass.
func (dl *DataLoader) HasNext() bool {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position < len(dl.indices)
}

// Progress returns the current position through the sample pool.
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// NextBatch decodes and stacks the next batch, or returns nil at the end of
// the pass. Any sample error aborts the batch.
func (dl *DataLoader) NextBatch() (*Batch, error) {
	dl.mu.Lock()

	if dl.position >= len(dl.indices) {
		dl.mu.Unlock()
		return nil, nil
	}

	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	batchIndices := make([]int, end-dl.position)
	copy(batchIndices, dl.indices[dl.position:end])
	dl.position = end

	dl.mu.Unlock()

	return dl.loadBatch(batchIndices)
}

// loadBatch decodes the given sample indices and stacks them into one batch.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	n := len(indices)

	firstImg, firstLabel, err := dl.source.At(indices[0])
	if err != nil {
		return nil, errors.Wrapf(err, "loading sample %d", indices[0])
	}

	imgShape := firstImg.Shape()
	labelShape := firstLabel.Shape()
	imgSize := imgShape.TotalSize()
	labelSize := labelShape.TotalSize()

	imgData := make([]float32, n*imgSize)
	labelData := make([]float32, n*labelSize)

	copy(imgData[:imgSize], firstImg.Data().([]float32))
	copy(labelData[:labelSize], firstLabel.Data().([]float32))

	for i := 1; i < n; i++ {
		img, label, err := dl.source.At(indices[i])
		if err != nil {
			return nil, errors.Wrapf(err, "loading sample %d", indices[i])
		}
		copy(imgData[i*imgSize:(i+1)*imgSize], img.Data().([]float32))
		copy(labelData[i*labelSize:(i+1)*labelSize], label.Data().([]float32))
	}

	batchImgShape := append([]int{n}, imgShape...)
	batchLabelShape := append([]int{n}, labelShape...)

	return &Batch{
		Images: tensor.New(tensor.WithShape(batchImgShape...), tensor.WithBacking(imgData)),
		Labels: tensor.New(tensor.WithShape(batchLabelShape...), tensor.WithBacking(labelData)),
		Size:   n,
	}, nil
}
