// Package checkpoints persists fine-tuned models as a directory bundle: a
// JSON manifest describing the classifier, the trained head weights, and a
// copy of the backbone graph file the model was spliced from.
package checkpoints

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/tsawler/go-retrain/backbone"
	"github.com/tsawler/go-retrain/model"
)

const (
	manifestFile = "manifest.json"
	weightsFile  = "weights.json"
)

// WeightTensor serializes one named parameter tensor.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// Manifest describes a saved model bundle. The backbone file is stored by
// relative name so bundles stay relocatable.
type Manifest struct {
	Producer     string    `json:"producer"`
	SavedAt      time.Time `json:"saved_at"`
	ClassNames   []string  `json:"class_names"`
	ImageSize    int       `json:"image_size"`
	NumClasses   int       `json:"num_classes"`
	SplicePoint  string    `json:"splice_point"`
	FeatureSize  int       `json:"feature_size"`
	BackboneFile string    `json:"backbone_file"`
}

// Meta carries run context that the model itself does not know.
type Meta struct {
	ClassNames []string
	ImageSize  int
}

// weightsDocument is the on-disk shape of weights.json.
type weightsDocument struct {
	Weights []WeightTensor `json:"weights"`
}

// Save writes a model bundle under dir, creating it if needed. The backbone
// graph file is copied into the bundle so the directory is self-contained.
func Save(m *model.TransferModel, meta Meta, dir string) error {
	if len(meta.ClassNames) != m.NumClasses() {
		return errors.Errorf("manifest has %d class names but model has %d classes",
			len(meta.ClassNames), m.NumClasses())
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create bundle directory %s", dir)
	}

	// Copy the backbone graph into the bundle when the source is a local
	// file; otherwise record the source reference as-is.
	source := m.Backbone().Source()
	backboneName := source
	if info, err := os.Stat(source); err == nil && info.Mode().IsRegular() {
		backboneName = filepath.Base(source)
		if err := copyFile(source, filepath.Join(dir, backboneName)); err != nil {
			return errors.Wrap(err, "failed to copy backbone into bundle")
		}
	}

	manifest := Manifest{
		Producer:     "go-retrain",
		SavedAt:      time.Now().UTC(),
		ClassNames:   meta.ClassNames,
		ImageSize:    meta.ImageSize,
		NumClasses:   m.NumClasses(),
		SplicePoint:  m.SplicePoint(),
		FeatureSize:  m.FeatureSize(),
		BackboneFile: backboneName,
	}
	if err := writeJSON(filepath.Join(dir, manifestFile), manifest); err != nil {
		return err
	}

	doc := weightsDocument{}
	for _, p := range m.Trainable() {
		kind := "weight"
		if len(p.Shape) == 1 {
			kind = "bias"
		}
		doc.Weights = append(doc.Weights, WeightTensor{
			Name:  p.Name,
			Shape: p.Shape,
			Data:  p.Data,
			Layer: "head",
			Type:  kind,
		})
	}
	return writeJSON(filepath.Join(dir, weightsFile), doc)
}

// BackboneOpener opens a backbone graph file. Production code passes
// backbone.Open; tests substitute a stub.
type BackboneOpener func(path string) (backbone.Backbone, error)

// Load reads a bundle directory and reconstructs the model for inference.
// The returned manifest carries the class names and image size needed to
// preprocess inputs the same way training did.
func Load(dir string, open BackboneOpener) (*model.TransferModel, *Manifest, error) {
	var manifest Manifest
	if err := readJSON(filepath.Join(dir, manifestFile), &manifest); err != nil {
		return nil, nil, err
	}

	var doc weightsDocument
	if err := readJSON(filepath.Join(dir, weightsFile), &doc); err != nil {
		return nil, nil, err
	}

	var weight, bias []float32
	for _, w := range doc.Weights {
		switch w.Type {
		case "weight":
			weight = w.Data
		case "bias":
			bias = w.Data
		}
	}
	if weight == nil || bias == nil {
		return nil, nil, errors.Errorf("bundle %s is missing head weights", dir)
	}

	backbonePath := filepath.Join(dir, manifest.BackboneFile)
	if _, statErr := os.Stat(backbonePath); statErr != nil {
		backbonePath = manifest.BackboneFile
	}
	bb, err := open(backbonePath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open bundled backbone")
	}

	m, err := model.Restore(bb, manifest.SplicePoint, manifest.NumClasses, weight, bias)
	if err != nil {
		err = multierr.Append(err, bb.Close())
		return nil, nil, err
	}
	return m, &manifest, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "failed to parse %s", path)
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", src)
	}
	defer func() {
		err = multierr.Append(err, in.Close())
	}()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", dst)
	}
	defer func() {
		err = multierr.Append(err, out.Close())
	}()

	_, err = io.Copy(out, in)
	return errors.Wrapf(err, "failed to copy %s", src)
}
