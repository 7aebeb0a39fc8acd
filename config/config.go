// Package config holds the run configuration for fine-tuning. Values come
// from defaults, then RETRAIN_* environment variables, then command-line
// flags, with later sources winning.
package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Config is everything a fine-tuning run needs.
type Config struct {
	// DataRoot is the image folder: one subdirectory per class.
	DataRoot string

	// BackboneSource is a local path or URL for the pretrained ONNX graph.
	BackboneSource string

	// SplicePoint names the backbone output to attach the classifier to.
	SplicePoint string

	// ImageSize is the square edge length images are resized to.
	ImageSize int

	// BatchSize is the number of samples per training batch.
	BatchSize int

	// Epochs is the number of passes over the training set.
	Epochs int

	// TrainSplit is the fraction of samples used for training; the rest
	// validate.
	TrainSplit float64

	// LearningRate for the Adam optimizer.
	LearningRate float64

	// OutputDir receives the saved model bundle.
	OutputDir string

	// CacheDir stores downloaded backbone files.
	CacheDir string

	// PlotPath, when set, receives a PNG of the loss curves.
	PlotPath string

	// Seed fixes shuffling and weight initialization. Zero means
	// time-seeded.
	Seed int64
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		SplicePoint:  "avgpool",
		ImageSize:    224,
		BatchSize:    8,
		Epochs:       5,
		TrainSplit:   0.8,
		LearningRate: 0.001,
		OutputDir:    "model-out",
		CacheDir:     ".backbone-cache",
	}
}

// FromEnv overlays RETRAIN_* environment variables onto a copy of c.
// Malformed numeric values are reported rather than silently ignored.
func (c Config) FromEnv() (Config, error) {
	c.DataRoot = envString("RETRAIN_DATA_ROOT", c.DataRoot)
	c.BackboneSource = envString("RETRAIN_BACKBONE", c.BackboneSource)
	c.SplicePoint = envString("RETRAIN_SPLICE_POINT", c.SplicePoint)
	c.OutputDir = envString("RETRAIN_OUTPUT_DIR", c.OutputDir)
	c.CacheDir = envString("RETRAIN_CACHE_DIR", c.CacheDir)
	c.PlotPath = envString("RETRAIN_PLOT_PATH", c.PlotPath)

	var err error
	if c.ImageSize, err = envInt("RETRAIN_IMAGE_SIZE", c.ImageSize); err != nil {
		return c, err
	}
	if c.BatchSize, err = envInt("RETRAIN_BATCH_SIZE", c.BatchSize); err != nil {
		return c, err
	}
	if c.Epochs, err = envInt("RETRAIN_EPOCHS", c.Epochs); err != nil {
		return c, err
	}
	if c.TrainSplit, err = envFloat("RETRAIN_TRAIN_SPLIT", c.TrainSplit); err != nil {
		return c, err
	}
	if c.LearningRate, err = envFloat("RETRAIN_LEARNING_RATE", c.LearningRate); err != nil {
		return c, err
	}
	if c.Seed, err = envInt64("RETRAIN_SEED", c.Seed); err != nil {
		return c, err
	}
	return c, nil
}

// Validate checks the configuration is runnable.
func (c Config) Validate() error {
	if c.DataRoot == "" {
		return errors.New("data root is required")
	}
	if c.BackboneSource == "" {
		return errors.New("backbone source is required")
	}
	if c.SplicePoint == "" {
		return errors.New("splice point is required")
	}
	if c.ImageSize <= 0 {
		return errors.Errorf("image size must be positive, got %d", c.ImageSize)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.TrainSplit <= 0 || c.TrainSplit >= 1 {
		return errors.Errorf("train split must be in (0, 1), got %g", c.TrainSplit)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.OutputDir == "" {
		return errors.New("output directory is required")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, errors.Wrapf(err, "invalid %s", key)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback, errors.Wrapf(err, "invalid %s", key)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, errors.Wrapf(err, "invalid %s", key)
	}
	return f, nil
}
