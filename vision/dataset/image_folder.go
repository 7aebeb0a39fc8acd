package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Sample is a single catalog entry: an image file and its class label index.
// Samples are immutable once the catalog is built.
type Sample struct {
	Path  string
	Label int
}

// imageExtensions are the recognized image file extensions, matched
// case-insensitively. Anything else is skipped silently.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

func isImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// ListClasses enumerates the immediate subdirectories of root, sorted
// lexicographically. The position of a class name in the returned slice is its
// label index, so sorting here is what makes label assignment reproducible
// across runs and platforms.
func ListClasses(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "listing classes in %s", root)
	}

	var classes []string
	for _, entry := range entries {
		if entry.IsDir() {
			classes = append(classes, entry.Name())
		}
	}
	sort.Strings(classes)
	return classes, nil
}

// ImageFolderDataset is a catalog of labeled images laid out as one directory
// per class under a common root.
type ImageFolderDataset struct {
	samples    []Sample
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset builds a catalog from the directory structure under
// root. Label indices are contiguous integers [0, NumClasses) assigned in
// sorted class-name order; files within a class are enumerated in sorted name
// order. Non-image files are skipped without error.
func NewImageFolderDataset(root string) (*ImageFolderDataset, error) {
	classes, err := ListClasses(root)
	if err != nil {
		return nil, err
	}

	d := &ImageFolderDataset{
		classNames: classes,
		classToIdx: make(map[string]int, len(classes)),
	}

	for idx, className := range classes {
		d.classToIdx[className] = idx

		classDir := filepath.Join(root, className)
		entries, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errors.Wrapf(err, "listing class directory %s", classDir)
		}

		for _, entry := range entries {
			if entry.IsDir() || !isImageFile(entry.Name()) {
				continue
			}
			d.samples = append(d.samples, Sample{
				Path:  filepath.Join(classDir, entry.Name()),
				Label: idx,
			})
		}
	}

	if len(d.samples) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}

	return d, nil
}

// Len returns the number of samples in the catalog.
func (d *ImageFolderDataset) Len() int {
	return len(d.samples)
}

// GetItem returns the image path and label at the given index.
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.samples) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", index, len(d.samples))
	}
	s := d.samples[index]
	return s.Path, s.Label, nil
}

// Samples returns the catalog entries in enumeration order.
func (d *ImageFolderDataset) Samples() []Sample {
	return d.samples
}

// NumClasses returns the number of classes.
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the class names in label-index order.
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassDistribution returns the number of samples per class.
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, s := range d.samples {
		dist[d.classNames[s.Label]]++
	}
	return dist
}

// Split partitions the catalog into train and validation sets. The split is an
// order-preserving slice: the first floor(N*trainFraction) samples become the
// training set and the remainder the validation set. Membership is therefore
// deterministic for a fixed catalog.
func (d *ImageFolderDataset) Split(trainFraction float64) (*ImageFolderDataset, *ImageFolderDataset) {
	n := len(d.samples)
	trainSize := int(float64(n) * trainFraction)

	train := &ImageFolderDataset{
		samples:    d.samples[:trainSize],
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}
	val := &ImageFolderDataset{
		samples:    d.samples[trainSize:],
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}
	return train, val
}

// String returns a human-readable summary of the dataset.
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.samples), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}

	return sb.String()
}
