package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DecodeError reports an image file whose bytes could not be decoded. It is
// fatal: a corrupt file aborts the run rather than silently desynchronizing
// label bookkeeping.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding image %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ImageProcessor decodes image files into normalized float32 tensors for
// neural network input.
type ImageProcessor struct {
	targetSize int
}

// NewImageProcessor creates a processor that produces square images of the
// given side length.
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{targetSize: targetSize}
}

// TargetSize returns the side length of produced images.
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// Load reads and decodes the image at path, resizes it with bilinear
// interpolation to (targetSize, targetSize) and returns an HWC float32 tensor
// of shape [targetSize, targetSize, 3] with pixel values scaled to [0, 1].
func (p *ImageProcessor) Load(path string) (*tensor.Dense, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %s", path)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	resized := resize.Resize(uint(p.targetSize), uint(p.targetSize), img, resize.Bilinear)

	size := p.targetSize
	data := make([]float32, size*size*3)

	bounds := resized.Bounds()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			// RGBA returns 16-bit channel values.
			idx := (y*size + x) * 3
			data[idx] = float32(r) / 65535.0
			data[idx+1] = float32(g) / 65535.0
			data[idx+2] = float32(b) / 65535.0
		}
	}

	return tensor.New(tensor.WithShape(size, size, 3), tensor.WithBacking(data)), nil
}

// OneHot builds a one-hot label vector of length numClasses with a 1 at the
// given label index.
func OneHot(label, numClasses int) (*tensor.Dense, error) {
	if label < 0 || label >= numClasses {
		return nil, errors.Errorf("label %d out of range [0, %d)", label, numClasses)
	}
	data := make([]float32, numClasses)
	data[label] = 1.0
	return tensor.New(tensor.WithShape(numClasses), tensor.WithBacking(data)), nil
}
