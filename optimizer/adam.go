// Package optimizer implements gradient-based parameter updates for the
// trainable head.
package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LearningRate float32
	Beta1        float32 // momentum decay
	Beta2        float32 // variance decay
	Epsilon      float32 // divide-by-zero guard
	WeightDecay  float32 // L2 regularization coefficient
}

// DefaultAdamConfig returns the standard Adam hyperparameters.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam maintains first- and second-moment state per parameter tensor and
// applies bias-corrected updates. State is allocated lazily on the first Step
// to match the parameter shapes.
type Adam struct {
	cfg      AdamConfig
	momentum [][]float32
	variance [][]float32
	step     uint64
}

// NewAdam creates an optimizer with the given hyperparameters.
func NewAdam(cfg AdamConfig) *Adam {
	return &Adam{cfg: cfg}
}

// StepCount returns the number of updates applied so far.
func (a *Adam) StepCount() uint64 {
	return a.step
}

// Step applies one Adam update in place. params and grads must be parallel
// slices of equal-shaped tensors, stable across calls.
func (a *Adam) Step(params, grads [][]float32) error {
	if len(params) != len(grads) {
		return errors.Errorf("parameter/gradient count mismatch: %d vs %d", len(params), len(grads))
	}

	if a.momentum == nil {
		a.momentum = make([][]float32, len(params))
		a.variance = make([][]float32, len(params))
		for i, p := range params {
			a.momentum[i] = make([]float32, len(p))
			a.variance[i] = make([]float32, len(p))
		}
	}
	if len(a.momentum) != len(params) {
		return errors.Errorf("optimizer state tracks %d tensors, got %d", len(a.momentum), len(params))
	}

	a.step++

	// Bias correction for the running moments.
	correction1 := 1.0 - math.Pow(float64(a.cfg.Beta1), float64(a.step))
	correction2 := 1.0 - math.Pow(float64(a.cfg.Beta2), float64(a.step))

	for i := range params {
		p := params[i]
		g := grads[i]
		if len(p) != len(g) {
			return errors.Errorf("tensor %d: parameter length %d, gradient length %d", i, len(p), len(g))
		}
		if len(a.momentum[i]) != len(p) {
			return errors.Errorf("tensor %d: optimizer state length %d, parameter length %d", i, len(a.momentum[i]), len(p))
		}

		m := a.momentum[i]
		v := a.variance[i]

		for j := range p {
			grad := g[j]
			if a.cfg.WeightDecay != 0 {
				grad += a.cfg.WeightDecay * p[j]
			}

			m[j] = a.cfg.Beta1*m[j] + (1-a.cfg.Beta1)*grad
			v[j] = a.cfg.Beta2*v[j] + (1-a.cfg.Beta2)*grad*grad

			mHat := float64(m[j]) / correction1
			vHat := float64(v[j]) / correction2

			p[j] -= a.cfg.LearningRate * float32(mHat/(math.Sqrt(vHat)+float64(a.cfg.Epsilon)))
		}
	}

	return nil
}
