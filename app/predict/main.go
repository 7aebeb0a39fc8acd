// Command predict classifies images with a model bundle produced by the
// retrain command.
//
// Example:
//
//	predict -model ./pet-model photo1.jpg photo2.jpg
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/tsawler/go-retrain/backbone"
	"github.com/tsawler/go-retrain/checkpoints"
	"github.com/tsawler/go-retrain/vision/preprocessing"
)

func main() {
	modelDir := flag.String("model", "", "model bundle directory")
	topK := flag.Int("top", 3, "number of classes to report per image")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if *modelDir == "" || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: predict -model <bundle-dir> image [image ...]")
		os.Exit(2)
	}

	if err := run(*modelDir, flag.Args(), *topK, sugar); err != nil {
		sugar.Fatalw("prediction failed", "error", err)
	}
}

func run(modelDir string, images []string, topK int, sugar *zap.SugaredLogger) error {
	opener := func(path string) (backbone.Backbone, error) {
		return backbone.Open(path, sugar)
	}

	m, manifest, err := checkpoints.Load(modelDir, opener)
	if err != nil {
		return err
	}
	defer m.Close()

	proc := preprocessing.NewImageProcessor(manifest.ImageSize)
	if topK > len(manifest.ClassNames) {
		topK = len(manifest.ClassNames)
	}

	for _, path := range images {
		img, err := proc.Load(path)
		if err != nil {
			return err
		}
		size := manifest.ImageSize
		if err := img.Reshape(1, size, size, 3); err != nil {
			return err
		}

		probs, err := m.Predict(img)
		if err != nil {
			return err
		}

		fmt.Println(path)
		for _, r := range rank(probs.Data().([]float32), manifest.ClassNames)[:topK] {
			fmt.Printf("  %-20s %.4f\n", r.class, r.prob)
		}
	}
	return nil
}

type ranked struct {
	class string
	prob  float32
}

// rank orders class probabilities from most to least likely.
func rank(probs []float32, classes []string) []ranked {
	out := make([]ranked, len(classes))
	for i, name := range classes {
		out[i] = ranked{class: name, prob: probs[i]}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].prob > out[j].prob })
	return out
}
