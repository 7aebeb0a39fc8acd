package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// createTestDataset creates a temporary directory structure with mock image files
func createTestDataset(t *testing.T, classes []string, imagesPerClass int) string {
	tempDir := t.TempDir()

	for _, className := range classes {
		classDir := filepath.Join(tempDir, className)
		if err := os.MkdirAll(classDir, 0755); err != nil {
			t.Fatalf("Failed to create class directory %s: %v", classDir, err)
		}

		for i := 0; i < imagesPerClass; i++ {
			imagePath := filepath.Join(classDir, fmt.Sprintf("image_%02d.jpg", i))
			if err := createMockImageFile(imagePath); err != nil {
				t.Fatalf("Failed to create mock image %s: %v", imagePath, err)
			}
		}
	}

	return tempDir
}

// createMockImageFile creates a simple file to stand in for an image. The
// catalog never decodes, so the content does not matter.
func createMockImageFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteString("mock image content")
	return err
}

func TestListClasses(t *testing.T) {
	t.Run("SortedOrder", func(t *testing.T) {
		tempDir := createTestDataset(t, []string{"dog", "bird", "cat"}, 1)

		classes, err := ListClasses(tempDir)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		expected := []string{"bird", "cat", "dog"}
		if len(classes) != len(expected) {
			t.Fatalf("Expected %d classes, got %d", len(expected), len(classes))
		}
		for i, name := range expected {
			if classes[i] != name {
				t.Errorf("Class %d: expected %s, got %s", i, name, classes[i])
			}
		}
	})

	t.Run("MissingRoot", func(t *testing.T) {
		_, err := ListClasses(filepath.Join(t.TempDir(), "does-not-exist"))
		if err == nil {
			t.Fatal("Expected error for missing root directory")
		}
	})

	t.Run("FilesIgnored", func(t *testing.T) {
		tempDir := t.TempDir()
		if err := os.MkdirAll(filepath.Join(tempDir, "cat"), 0755); err != nil {
			t.Fatal(err)
		}
		if err := createMockImageFile(filepath.Join(tempDir, "stray.jpg")); err != nil {
			t.Fatal(err)
		}

		classes, err := ListClasses(tempDir)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(classes) != 1 || classes[0] != "cat" {
			t.Errorf("Expected [cat], got %v", classes)
		}
	})
}

func TestNewImageFolderDataset(t *testing.T) {
	t.Run("ValidDataset", func(t *testing.T) {
		classes := []string{"cat", "dog", "bird"}
		imagesPerClass := 5
		tempDir := createTestDataset(t, classes, imagesPerClass)

		dataset, err := NewImageFolderDataset(tempDir)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		expectedTotal := len(classes) * imagesPerClass
		if dataset.Len() != expectedTotal {
			t.Errorf("Expected %d images, got %d", expectedTotal, dataset.Len())
		}
		if dataset.NumClasses() != len(classes) {
			t.Errorf("Expected %d classes, got %d", len(classes), dataset.NumClasses())
		}

		// Labels follow sorted class-name order.
		expectedNames := []string{"bird", "cat", "dog"}
		for i, name := range expectedNames {
			if dataset.ClassNames()[i] != name {
				t.Errorf("Class %d: expected %s, got %s", i, name, dataset.ClassNames()[i])
			}
		}

		dist := dataset.ClassDistribution()
		for _, className := range classes {
			if count := dist[className]; count != imagesPerClass {
				t.Errorf("Expected %d images for class %s, got %d", imagesPerClass, className, count)
			}
		}
	})

	t.Run("ContiguousLabels", func(t *testing.T) {
		classes := []string{"c", "a", "b", "d"}
		tempDir := createTestDataset(t, classes, 3)

		dataset, err := NewImageFolderDataset(tempDir)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		seen := make(map[int]string)
		for _, s := range dataset.Samples() {
			className := filepath.Base(filepath.Dir(s.Path))
			if prev, ok := seen[s.Label]; ok && prev != className {
				t.Errorf("Label %d maps to both %s and %s", s.Label, prev, className)
			}
			seen[s.Label] = className
		}

		for label := 0; label < dataset.NumClasses(); label++ {
			if _, ok := seen[label]; !ok {
				t.Errorf("Label %d never assigned", label)
			}
		}
	})

	t.Run("NonImageFilesSkipped", func(t *testing.T) {
		tempDir := t.TempDir()
		classDir := filepath.Join(tempDir, "mixed")
		if err := os.MkdirAll(classDir, 0755); err != nil {
			t.Fatal(err)
		}

		names := []string{"a.jpg", "b.JPEG", "c.PNG", "notes.txt", "data.csv", "d.gif"}
		for _, name := range names {
			if err := createMockImageFile(filepath.Join(classDir, name)); err != nil {
				t.Fatal(err)
			}
		}

		dataset, err := NewImageFolderDataset(tempDir)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		// Extension match is case-insensitive; .txt, .csv and .gif are skipped.
		if dataset.Len() != 3 {
			t.Errorf("Expected 3 images, got %d", dataset.Len())
		}
	})

	t.Run("EmptyDataset", func(t *testing.T) {
		_, err := NewImageFolderDataset(t.TempDir())
		if err == nil {
			t.Fatal("Expected error for dataset with no images")
		}
	})

	t.Run("MissingRoot", func(t *testing.T) {
		_, err := NewImageFolderDataset(filepath.Join(t.TempDir(), "nope"))
		if err == nil {
			t.Fatal("Expected error for missing root")
		}
	})
}

func TestGetItem(t *testing.T) {
	tempDir := createTestDataset(t, []string{"cat"}, 2)
	dataset, err := NewImageFolderDataset(tempDir)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	path, label, err := dataset.GetItem(0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if label != 0 {
		t.Errorf("Expected label 0, got %d", label)
	}
	if filepath.Base(path) != "image_00.jpg" {
		t.Errorf("Expected sorted first file image_00.jpg, got %s", filepath.Base(path))
	}

	if _, _, err := dataset.GetItem(-1); err == nil {
		t.Error("Expected error for negative index")
	}
	if _, _, err := dataset.GetItem(dataset.Len()); err == nil {
		t.Error("Expected error for out-of-range index")
	}
}

func TestSplit(t *testing.T) {
	t.Run("Sizes", func(t *testing.T) {
		tempDir := createTestDataset(t, []string{"a", "b"}, 5) // 10 samples
		dataset, err := NewImageFolderDataset(tempDir)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		cases := []struct {
			fraction   float64
			trainSize  int
			valSize    int
		}{
			{0.8, 8, 2},
			{0.5, 5, 5},
			{0.75, 7, 3},
		}

		for _, tc := range cases {
			train, val := dataset.Split(tc.fraction)
			if train.Len() != tc.trainSize {
				t.Errorf("fraction %.2f: expected train size %d, got %d", tc.fraction, tc.trainSize, train.Len())
			}
			if val.Len() != tc.valSize {
				t.Errorf("fraction %.2f: expected val size %d, got %d", tc.fraction, tc.valSize, val.Len())
			}
		}
	})

	t.Run("OrderPreservingAndDisjoint", func(t *testing.T) {
		tempDir := createTestDataset(t, []string{"a", "b", "c"}, 4) // 12 samples
		dataset, err := NewImageFolderDataset(tempDir)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		train, val := dataset.Split(0.8)

		all := dataset.Samples()
		for i, s := range train.Samples() {
			if s != all[i] {
				t.Errorf("Train sample %d not order-preserving", i)
			}
		}
		for i, s := range val.Samples() {
			if s != all[train.Len()+i] {
				t.Errorf("Val sample %d not order-preserving", i)
			}
		}

		seen := make(map[string]bool)
		for _, s := range train.Samples() {
			seen[s.Path] = true
		}
		for _, s := range val.Samples() {
			if seen[s.Path] {
				t.Errorf("Sample %s in both partitions", s.Path)
			}
		}
		if train.Len()+val.Len() != dataset.Len() {
			t.Errorf("Partitions do not cover dataset: %d + %d != %d", train.Len(), val.Len(), dataset.Len())
		}
	})
}
