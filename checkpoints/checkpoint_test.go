package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-retrain/backbone"
	"github.com/tsawler/go-retrain/model"
	"github.com/tsawler/go-retrain/optimizer"
)

// fileBackbone is a deterministic stand-in whose Source points at a real
// graph file, so bundles exercise the backbone-copy path.
type fileBackbone struct {
	source string
}

func (f *fileBackbone) Source() string    { return f.source }
func (f *fileBackbone) Outputs() []string { return []string{"avgpool"} }

func (f *fileBackbone) Bind(splicePoint string) error {
	if splicePoint != "avgpool" {
		return &backbone.GraphError{SplicePoint: splicePoint, Available: []string{"avgpool"}}
	}
	return nil
}

func (f *fileBackbone) FeatureShape() []int { return []int{4} }

func (f *fileBackbone) Forward(images *tensor.Dense) (*tensor.Dense, error) {
	n := images.Shape()[0]
	data := images.Data().([]float32)
	pixels := len(data) / (n * 3)

	features := make([]float32, n*4)
	for i := 0; i < n; i++ {
		img := data[i*pixels*3 : (i+1)*pixels*3]
		for p := 0; p < pixels; p++ {
			features[i*4] += img[p*3]
			features[i*4+1] += img[p*3+1]
			features[i*4+2] += img[p*3+2]
		}
		features[i*4+3] = 1
	}
	return tensor.New(tensor.WithShape(n, 4), tensor.WithBacking(features)), nil
}

func (f *fileBackbone) Close() error { return nil }

func newTestModel(t *testing.T, source string) *model.TransferModel {
	t.Helper()

	m, err := model.NewBuilder(zap.NewNop().Sugar()).
		Seed(99).
		LoadBackbone(&fileBackbone{source: source}).
		Freeze().
		Splice("avgpool", 3).
		Compile(optimizer.DefaultAdamConfig())
	if err != nil {
		t.Fatalf("Failed to build model: %v", err)
	}
	return m
}

func writeFakeGraph(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "backbone.onnx")
	if err := os.WriteFile(path, []byte("fake-onnx-graph"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testBatch(n int) *tensor.Dense {
	data := make([]float32, n*2*2*3)
	for i := range data {
		data[i] = float32(i%7) / 7.0
	}
	return tensor.New(tensor.WithShape(n, 2, 2, 3), tensor.WithBacking(data))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	work := t.TempDir()
	graph := writeFakeGraph(t, work)
	bundle := filepath.Join(work, "bundle")

	m := newTestModel(t, graph)
	defer m.Close()

	meta := Meta{ClassNames: []string{"cat", "dog", "fox"}, ImageSize: 2}
	if err := Save(m, meta, bundle); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// The bundle carries a copy of the backbone graph.
	copied, err := os.ReadFile(filepath.Join(bundle, "backbone.onnx"))
	if err != nil {
		t.Fatalf("Backbone copy missing: %v", err)
	}
	if string(copied) != "fake-onnx-graph" {
		t.Error("Backbone copy content mismatch")
	}

	opener := func(path string) (backbone.Backbone, error) {
		return &fileBackbone{source: path}, nil
	}
	restored, manifest, err := Load(bundle, opener)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer restored.Close()

	if manifest.NumClasses != 3 || manifest.SplicePoint != "avgpool" || manifest.FeatureSize != 4 {
		t.Errorf("Unexpected manifest: %+v", manifest)
	}
	if manifest.ImageSize != 2 {
		t.Errorf("Expected image size 2, got %d", manifest.ImageSize)
	}
	if len(manifest.ClassNames) != 3 || manifest.ClassNames[0] != "cat" {
		t.Errorf("Unexpected class names: %v", manifest.ClassNames)
	}

	images := testBatch(2)
	want, err := m.Predict(images)
	if err != nil {
		t.Fatal(err)
	}
	got, err := restored.Predict(images)
	if err != nil {
		t.Fatal(err)
	}

	wantData := want.Data().([]float32)
	gotData := got.Data().([]float32)
	for i := range wantData {
		if math.Abs(float64(wantData[i]-gotData[i])) > 1e-6 {
			t.Fatalf("Prediction drift at %d: %f vs %f", i, wantData[i], gotData[i])
		}
	}
}

func TestSaveClassNameMismatch(t *testing.T) {
	work := t.TempDir()
	m := newTestModel(t, writeFakeGraph(t, work))
	defer m.Close()

	err := Save(m, Meta{ClassNames: []string{"only-one"}, ImageSize: 2}, filepath.Join(work, "bundle"))
	if err == nil {
		t.Fatal("Expected error for class-name count mismatch")
	}
}

func TestSaveNonFileSource(t *testing.T) {
	work := t.TempDir()
	bundle := filepath.Join(work, "bundle")

	m := newTestModel(t, "https://example.com/models/net.onnx")
	defer m.Close()

	meta := Meta{ClassNames: []string{"a", "b", "c"}, ImageSize: 2}
	if err := Save(m, meta, bundle); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var manifest Manifest
	if err := readJSON(filepath.Join(bundle, manifestFile), &manifest); err != nil {
		t.Fatal(err)
	}
	if manifest.BackboneFile != "https://example.com/models/net.onnx" {
		t.Errorf("Expected source reference preserved, got %s", manifest.BackboneFile)
	}
}

func TestLoadMissingBundle(t *testing.T) {
	opener := func(path string) (backbone.Backbone, error) {
		return &fileBackbone{source: path}, nil
	}
	if _, _, err := Load(filepath.Join(t.TempDir(), "nope"), opener); err == nil {
		t.Fatal("Expected error for missing bundle")
	}
}

func TestLoadCorruptWeights(t *testing.T) {
	work := t.TempDir()
	graph := writeFakeGraph(t, work)
	bundle := filepath.Join(work, "bundle")

	m := newTestModel(t, graph)
	defer m.Close()
	if err := Save(m, Meta{ClassNames: []string{"a", "b", "c"}, ImageSize: 2}, bundle); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(bundle, weightsFile), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	opener := func(path string) (backbone.Backbone, error) {
		return &fileBackbone{source: path}, nil
	}
	if _, _, err := Load(bundle, opener); err == nil {
		t.Fatal("Expected error for corrupt weights file")
	}
}
