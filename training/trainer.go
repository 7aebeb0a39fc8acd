package training

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-retrain/model"
	"github.com/tsawler/go-retrain/optimizer"
	"github.com/tsawler/go-retrain/vision/dataloader"
)

// Config controls the training loop.
type Config struct {
	// Epochs is the number of full passes over the training set.
	Epochs int

	// LogEvery logs batch-level progress every N batches. Zero disables
	// batch logging; epoch summaries are always logged.
	LogEvery int
}

// Trainer drives fine-tuning of a transfer model: it repeatedly feeds
// shuffled batches through the model, applies optimizer updates to the
// classifier head, and runs a full validation pass after every epoch.
type Trainer struct {
	model  *model.TransferModel
	opt    *optimizer.Adam
	cfg    Config
	logger *zap.SugaredLogger
}

// NewTrainer builds a trainer around a compiled model. The optimizer is
// constructed from the configuration the model was compiled with.
func NewTrainer(m *model.TransferModel, cfg Config, logger *zap.SugaredLogger) (*Trainer, error) {
	if m == nil {
		return nil, errors.New("trainer requires a compiled model")
	}
	if cfg.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	return &Trainer{
		model:  m,
		opt:    optimizer.NewAdam(m.OptimizerConfig()),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Run executes the full training schedule. Each epoch reshuffles the
// training set, consumes every batch, then evaluates on the validation set.
// Any decode, inference, or optimizer error aborts the run.
func (t *Trainer) Run(ctx context.Context, train, val *dataloader.DataLoader) (*Report, error) {
	report := &Report{Epochs: make([]EpochMetrics, 0, t.cfg.Epochs)}

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		start := time.Now()

		trainLoss, trainAcc, batches, err := t.runEpoch(ctx, train)
		if err != nil {
			return report, errors.Wrapf(err, "epoch %d", epoch)
		}

		valLoss, valAcc, err := t.validate(ctx, val)
		if err != nil {
			return report, errors.Wrapf(err, "epoch %d validation", epoch)
		}

		m := EpochMetrics{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			ValLoss:       valLoss,
			ValAccuracy:   valAcc,
			TrainBatches:  batches,
			Duration:      time.Since(start),
		}
		report.Epochs = append(report.Epochs, m)

		t.logger.Infow("epoch complete",
			"epoch", epoch,
			"train_loss", trainLoss,
			"train_accuracy", trainAcc,
			"val_loss", valLoss,
			"val_accuracy", valAcc,
			"batches", batches,
			"duration", m.Duration,
		)
	}

	return report, nil
}

// runEpoch performs one shuffled pass over the training loader, stepping the
// optimizer after every batch. Returns sample-weighted mean loss and accuracy.
func (t *Trainer) runEpoch(ctx context.Context, train *dataloader.DataLoader) (float64, float64, int, error) {
	train.Reset()

	// Stop the prefetch producer if we bail out mid-pass.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		lossSum  float64
		correct  int
		samples  int
		batchNum int
	)

	it := train.Iterate(ctx)
	for batch := range it.Batches() {
		loss, batchCorrect, err := t.model.TrainStep(batch.Images, batch.Labels)
		if err != nil {
			return 0, 0, 0, err
		}
		if err := t.opt.Step(t.model.ParamData(), t.model.ParamGrads()); err != nil {
			return 0, 0, 0, err
		}

		lossSum += loss * float64(batch.Size)
		correct += batchCorrect
		samples += batch.Size
		batchNum++

		if t.cfg.LogEvery > 0 && batchNum%t.cfg.LogEvery == 0 {
			current, total := train.Progress()
			t.logger.Infow("training batch",
				"batch", batchNum,
				"loss", loss,
				"samples", current,
				"total", total,
			)
		}
	}
	if err := it.Err(); err != nil {
		return 0, 0, 0, err
	}
	if samples == 0 {
		return 0, 0, 0, errors.New("training loader produced no samples")
	}

	return lossSum / float64(samples), float64(correct) / float64(samples), batchNum, nil
}

// validate runs a full forward-only pass over the validation loader.
func (t *Trainer) validate(ctx context.Context, val *dataloader.DataLoader) (float64, float64, error) {
	val.Reset()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		lossSum float64
		correct int
		samples int
	)

	it := val.Iterate(ctx)
	for batch := range it.Batches() {
		loss, batchCorrect, err := t.model.Evaluate(batch.Images, batch.Labels)
		if err != nil {
			return 0, 0, err
		}
		lossSum += loss * float64(batch.Size)
		correct += batchCorrect
		samples += batch.Size
	}
	if err := it.Err(); err != nil {
		return 0, 0, err
	}
	if samples == 0 {
		return 0, 0, errors.New("validation loader produced no samples")
	}

	return lossSum / float64(samples), float64(correct) / float64(samples), nil
}
