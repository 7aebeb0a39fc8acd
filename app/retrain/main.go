// Command retrain fine-tunes a pretrained ONNX backbone on a folder of
// labeled images and saves the resulting classifier as a model bundle.
//
// The image folder holds one subdirectory per class:
//
//	data/
//	  cats/  img1.jpg ...
//	  dogs/  img1.jpg ...
//
// Example:
//
//	retrain -data ./data -backbone https://example.com/mobilenetv2.onnx \
//	  -splice-point avgpool -epochs 10 -out ./pet-model
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tsawler/go-retrain/checkpoints"
	"github.com/tsawler/go-retrain/config"
	"github.com/tsawler/go-retrain/model"
	"github.com/tsawler/go-retrain/optimizer"
	"github.com/tsawler/go-retrain/training"
	"github.com/tsawler/go-retrain/vision/dataloader"
	"github.com/tsawler/go-retrain/vision/dataset"
	"github.com/tsawler/go-retrain/vision/preprocessing"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := parseConfig()
	if err != nil {
		sugar.Fatalw("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("fine-tuning failed", "error", err)
	}
}

// parseConfig layers flags over environment variables over defaults.
func parseConfig() (config.Config, error) {
	base, err := config.Default().FromEnv()
	if err != nil {
		return base, err
	}

	flag.StringVar(&base.DataRoot, "data", base.DataRoot, "image folder with one subdirectory per class")
	flag.StringVar(&base.BackboneSource, "backbone", base.BackboneSource, "path or URL of the pretrained ONNX backbone")
	flag.StringVar(&base.SplicePoint, "splice-point", base.SplicePoint, "backbone output to attach the classifier to")
	flag.IntVar(&base.ImageSize, "image-size", base.ImageSize, "square edge length images are resized to")
	flag.IntVar(&base.BatchSize, "batch-size", base.BatchSize, "samples per training batch")
	flag.IntVar(&base.Epochs, "epochs", base.Epochs, "passes over the training set")
	flag.Float64Var(&base.TrainSplit, "train-split", base.TrainSplit, "fraction of samples used for training")
	flag.Float64Var(&base.LearningRate, "learning-rate", base.LearningRate, "Adam learning rate")
	flag.StringVar(&base.OutputDir, "out", base.OutputDir, "directory for the saved model bundle")
	flag.StringVar(&base.CacheDir, "cache", base.CacheDir, "directory for downloaded backbone files")
	flag.StringVar(&base.PlotPath, "plot", base.PlotPath, "optional PNG path for loss curves")
	flag.Int64Var(&base.Seed, "seed", base.Seed, "random seed (0 = time-seeded)")
	flag.Parse()

	return base, base.Validate()
}

func run(ctx context.Context, cfg config.Config, sugar *zap.SugaredLogger) error {
	ds, err := dataset.NewImageFolderDataset(cfg.DataRoot)
	if err != nil {
		return err
	}
	sugar.Infow("dataset loaded",
		"samples", ds.Len(),
		"classes", ds.NumClasses(),
		"distribution", ds.ClassDistribution(),
	)

	trainSet, valSet := ds.Split(cfg.TrainSplit)
	sugar.Infow("dataset split", "train", trainSet.Len(), "validation", valSet.Len())

	trainLoader, err := dataloader.NewDataLoader(
		preprocessing.NewStream(trainSet.Samples(), ds.NumClasses(), cfg.ImageSize),
		dataloader.Config{BatchSize: cfg.BatchSize, Shuffle: true, Seed: cfg.Seed},
	)
	if err != nil {
		return err
	}
	valLoader, err := dataloader.NewDataLoader(
		preprocessing.NewStream(valSet.Samples(), ds.NumClasses(), cfg.ImageSize),
		dataloader.Config{BatchSize: cfg.BatchSize, Shuffle: false},
	)
	if err != nil {
		return err
	}

	optCfg := optimizer.DefaultAdamConfig()
	optCfg.LearningRate = float32(cfg.LearningRate)

	m, err := model.NewBuilder(sugar).
		Seed(cfg.Seed).
		Load(ctx, cfg.BackboneSource, cfg.CacheDir).
		Freeze().
		Splice(cfg.SplicePoint, ds.NumClasses()).
		Compile(optCfg)
	if err != nil {
		return err
	}
	defer m.Close()

	trainer, err := training.NewTrainer(m, training.Config{Epochs: cfg.Epochs, LogEvery: 10}, sugar)
	if err != nil {
		return err
	}

	report, err := trainer.Run(ctx, trainLoader, valLoader)
	if err != nil {
		return err
	}
	sugar.Infow("training complete", "summary", report.Summary())

	meta := checkpoints.Meta{ClassNames: ds.ClassNames(), ImageSize: cfg.ImageSize}
	if err := checkpoints.Save(m, meta, cfg.OutputDir); err != nil {
		return err
	}
	sugar.Infow("model bundle saved", "dir", cfg.OutputDir)

	if cfg.PlotPath != "" {
		if err := training.WriteLossCurves(report, cfg.PlotPath); err != nil {
			return err
		}
		sugar.Infow("loss curves written", "path", cfg.PlotPath)
	}

	return nil
}
