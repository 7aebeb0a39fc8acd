package training

import (
	"fmt"
	"time"

	"github.com/montanaflynn/stats"
)

// EpochMetrics captures the outcome of one training epoch, including the
// validation pass that follows it.
type EpochMetrics struct {
	Epoch         int           `json:"epoch"`
	TrainLoss     float64       `json:"train_loss"`
	TrainAccuracy float64       `json:"train_accuracy"`
	ValLoss       float64       `json:"val_loss"`
	ValAccuracy   float64       `json:"val_accuracy"`
	TrainBatches  int           `json:"train_batches"`
	Duration      time.Duration `json:"duration"`
}

// Report is the full history of a training run.
type Report struct {
	Epochs []EpochMetrics `json:"epochs"`
}

// Best returns the epoch with the highest validation accuracy. Ties go to
// the earlier epoch.
func (r *Report) Best() (EpochMetrics, bool) {
	if len(r.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	best := r.Epochs[0]
	for _, e := range r.Epochs[1:] {
		if e.ValAccuracy > best.ValAccuracy {
			best = e
		}
	}
	return best, true
}

// Final returns the last epoch's metrics.
func (r *Report) Final() (EpochMetrics, bool) {
	if len(r.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	return r.Epochs[len(r.Epochs)-1], true
}

// Summary renders a short human-readable digest of the run.
func (r *Report) Summary() string {
	if len(r.Epochs) == 0 {
		return "no epochs recorded"
	}

	losses := make([]float64, len(r.Epochs))
	for i, e := range r.Epochs {
		losses[i] = e.ValLoss
	}
	meanLoss, _ := stats.Mean(losses)
	minLoss, _ := stats.Min(losses)

	best, _ := r.Best()
	final, _ := r.Final()

	return fmt.Sprintf(
		"epochs=%d final_val_acc=%.4f best_val_acc=%.4f (epoch %d) mean_val_loss=%.4f min_val_loss=%.4f",
		len(r.Epochs), final.ValAccuracy, best.ValAccuracy, best.Epoch, meanLoss, minLoss,
	)
}
