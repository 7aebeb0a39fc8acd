package training

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// WriteLossCurves renders training and validation loss per epoch to a PNG
// file. The output format follows the file extension of path.
func WriteLossCurves(report *Report, path string) error {
	if len(report.Epochs) == 0 {
		return errors.New("cannot plot an empty report")
	}

	p := plot.New()
	p.Title.Text = "Fine-Tuning Loss"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss"

	trainPts := make(plotter.XYs, len(report.Epochs))
	valPts := make(plotter.XYs, len(report.Epochs))
	for i, e := range report.Epochs {
		trainPts[i].X = float64(e.Epoch)
		trainPts[i].Y = e.TrainLoss
		valPts[i].X = float64(e.Epoch)
		valPts[i].Y = e.ValLoss
	}

	if err := plotutil.AddLinePoints(p,
		"Train", trainPts,
		"Validation", valPts,
	); err != nil {
		return errors.Wrap(err, "failed to add loss series")
	}

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save loss plot to %s", path)
	}
	return nil
}

// WriteAccuracyCurves renders training and validation accuracy per epoch.
func WriteAccuracyCurves(report *Report, path string) error {
	if len(report.Epochs) == 0 {
		return errors.New("cannot plot an empty report")
	}

	p := plot.New()
	p.Title.Text = "Fine-Tuning Accuracy"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Accuracy"
	p.Y.Min = 0
	p.Y.Max = 1

	trainPts := make(plotter.XYs, len(report.Epochs))
	valPts := make(plotter.XYs, len(report.Epochs))
	for i, e := range report.Epochs {
		trainPts[i].X = float64(e.Epoch)
		trainPts[i].Y = e.TrainAccuracy
		valPts[i].X = float64(e.Epoch)
		valPts[i].Y = e.ValAccuracy
	}

	if err := plotutil.AddLinePoints(p,
		"Train", trainPts,
		"Validation", valPts,
	); err != nil {
		return errors.Wrap(err, "failed to add accuracy series")
	}

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save accuracy plot to %s", path)
	}
	return nil
}
