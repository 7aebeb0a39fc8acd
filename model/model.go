// Package model assembles transfer-learning models: a frozen pretrained
// backbone spliced to a trainable pooling + dense classification head.
package model

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-retrain/backbone"
	"github.com/tsawler/go-retrain/optimizer"
)

// TransferModel is a composed graph: the backbone's inputs are the model's
// inputs, and the head's softmax output is its single output. The backbone's
// original output head is not reachable. Head weights are the only mutable
// state; they are updated between batches by the training loop and never read
// concurrently.
type TransferModel struct {
	bb          backbone.Backbone
	head        *head
	splicePoint string
	numClasses  int
	optimizer   optimizer.AdamConfig
}

// NumClasses returns the size of the output distribution.
func (m *TransferModel) NumClasses() int {
	return m.numClasses
}

// SplicePoint returns the backbone layer name the head is attached to.
func (m *TransferModel) SplicePoint() string {
	return m.splicePoint
}

// FeatureSize returns the pooled feature vector width feeding the dense layer.
func (m *TransferModel) FeatureSize() int {
	return m.head.inFeatures
}

// Backbone returns the frozen feature extractor.
func (m *TransferModel) Backbone() backbone.Backbone {
	return m.bb
}

// OptimizerConfig returns the optimizer hyperparameters bound at compile time.
func (m *TransferModel) OptimizerConfig() optimizer.AdamConfig {
	return m.optimizer
}

// Trainable returns the parameters that receive gradient updates. The
// backbone appears nowhere in this set: freezing is enforced by construction,
// not by flags on shared library objects.
func (m *TransferModel) Trainable() []*Param {
	return []*Param{m.head.weight, m.head.bias}
}

// ParamData returns the trainable parameter value buffers, parallel to
// ParamGrads, in the layout the optimizer consumes.
func (m *TransferModel) ParamData() [][]float32 {
	params := m.Trainable()
	out := make([][]float32, len(params))
	for i, p := range params {
		out[i] = p.Data
	}
	return out
}

// ParamGrads returns the trainable parameter gradient buffers.
func (m *TransferModel) ParamGrads() [][]float32 {
	params := m.Trainable()
	out := make([][]float32, len(params))
	for i, p := range params {
		out[i] = p.Grad
	}
	return out
}

// forwardPooled runs the frozen backbone and pools its features.
func (m *TransferModel) forwardPooled(images *tensor.Dense) (pooled []float32, n int, err error) {
	features, err := m.bb.Forward(images)
	if err != nil {
		return nil, 0, err
	}

	pooled, width, err := pool(features)
	if err != nil {
		return nil, 0, err
	}
	if width != m.head.inFeatures {
		return nil, 0, errors.Errorf("backbone produced %d features, head expects %d", width, m.head.inFeatures)
	}

	return pooled, features.Shape()[0], nil
}

// Predict runs a full forward pass over a batch of images [N, H, W, 3] and
// returns class probabilities [N, numClasses]; each row sums to 1.
func (m *TransferModel) Predict(images *tensor.Dense) (*tensor.Dense, error) {
	pooled, n, err := m.forwardPooled(images)
	if err != nil {
		return nil, err
	}

	probs := m.head.forward(pooled, n)
	return tensor.New(tensor.WithShape(n, m.numClasses), tensor.WithBacking(probs)), nil
}

// TrainStep runs forward and backward passes for one batch, leaving fresh
// gradients in the head's Param buffers. It does not apply the update; that is
// the optimizer's job. Returns the mean batch loss and the correct-prediction
// count.
func (m *TransferModel) TrainStep(images, labels *tensor.Dense) (loss float64, correct int, err error) {
	pooled, n, err := m.forwardPooled(images)
	if err != nil {
		return 0, 0, err
	}

	labelData := labels.Data().([]float32)
	probs := m.head.forward(pooled, n)
	loss = m.head.backward(pooled, probs, labelData, n)
	correct = accuracyCount(probs, labelData, n, m.numClasses)

	return loss, correct, nil
}

// Evaluate computes loss and accuracy for one batch without touching any
// parameter or gradient state.
func (m *TransferModel) Evaluate(images, labels *tensor.Dense) (loss float64, correct int, err error) {
	pooled, n, err := m.forwardPooled(images)
	if err != nil {
		return 0, 0, err
	}

	labelData := labels.Data().([]float32)
	probs := m.head.forward(pooled, n)

	k := m.numClasses
	var total float64
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			if labelData[i*k+j] > 0 {
				total += -logClamped(probs[i*k+j])
			}
		}
	}

	return total / float64(n), accuracyCount(probs, labelData, n, k), nil
}

// Close releases the backbone's execution resources.
func (m *TransferModel) Close() error {
	return m.bb.Close()
}

// Restore reassembles a trained model from persisted head weights, binding the
// given backbone to the recorded splice point. Used by checkpoint loading.
func Restore(bb backbone.Backbone, splicePoint string, numClasses int, weight, bias []float32) (*TransferModel, error) {
	if err := bb.Bind(splicePoint); err != nil {
		return nil, err
	}

	featSize := featureWidth(bb.FeatureShape())
	h, err := restoreHead(featSize, numClasses, weight, bias)
	if err != nil {
		return nil, err
	}

	return &TransferModel{
		bb:          bb,
		head:        h,
		splicePoint: splicePoint,
		numClasses:  numClasses,
		optimizer:   optimizer.DefaultAdamConfig(),
	}, nil
}

// featureWidth is the pooled vector width for a channels-first feature shape.
func featureWidth(featShape []int) int {
	if len(featShape) == 0 {
		return 0
	}
	return featShape[0]
}

func logClamped(p float32) float64 {
	if p < 1e-7 {
		p = 1e-7
	}
	return math.Log(float64(p))
}
