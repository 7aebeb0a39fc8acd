package preprocessing

import (
	"gorgonia.org/tensor"

	"github.com/tsawler/go-retrain/vision/dataset"
)

// Stream lazily produces (image tensor, one-hot label) pairs from a sequence
// of catalog samples. Nothing is cached: every pass re-reads and re-decodes
// from disk, trading memory for I/O. The stream is finite (exactly one yield
// per input sample, in input order) and restartable via Reset.
type Stream struct {
	samples    []dataset.Sample
	numClasses int
	proc       *ImageProcessor
	position   int
}

// NewStream creates a stream over the given samples. numClasses fixes the
// one-hot vector length; imageSize the decoded side length.
func NewStream(samples []dataset.Sample, numClasses, imageSize int) *Stream {
	return &Stream{
		samples:    samples,
		numClasses: numClasses,
		proc:       NewImageProcessor(imageSize),
	}
}

// Len returns the number of samples the stream yields per pass.
func (s *Stream) Len() int {
	return len(s.samples)
}

// NumClasses returns the one-hot vector length.
func (s *Stream) NumClasses() int {
	return s.numClasses
}

// ImageSize returns the decoded image side length.
func (s *Stream) ImageSize() int {
	return s.proc.TargetSize()
}

// HasNext reports whether another sample remains in the current pass.
func (s *Stream) HasNext() bool {
	return s.position < len(s.samples)
}

// Next decodes and returns the next sample pair. A decode failure surfaces as
// a *DecodeError and aborts iteration; there is no per-sample recovery.
func (s *Stream) Next() (*tensor.Dense, *tensor.Dense, error) {
	img, label, err := s.At(s.position)
	if err != nil {
		return nil, nil, err
	}
	s.position++
	return img, label, nil
}

// Reset rewinds the stream for another full pass over the same samples.
func (s *Stream) Reset() {
	s.position = 0
}

// At decodes the sample at index i without advancing the stream. This is the
// random-access path the shuffling batch loader uses; it reads from disk on
// every call.
func (s *Stream) At(i int) (*tensor.Dense, *tensor.Dense, error) {
	sample := s.samples[i]

	img, err := s.proc.Load(sample.Path)
	if err != nil {
		return nil, nil, err
	}

	label, err := OneHot(sample.Label, s.numClasses)
	if err != nil {
		return nil, nil, err
	}

	return img, label, nil
}
