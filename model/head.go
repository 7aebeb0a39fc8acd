package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Param is one trainable tensor of the classification head, with its gradient
// buffer alongside.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// head is the trainable part of a transfer model: a dense layer mapping pooled
// backbone features to class logits, followed by softmax.
type head struct {
	inFeatures int
	numClasses int
	weight     *Param // [inFeatures, numClasses]
	bias       *Param // [numClasses]
}

// newHead creates a head with Glorot-uniform weight initialization and zero
// bias.
func newHead(inFeatures, numClasses int, rng *rand.Rand) *head {
	w := make([]float32, inFeatures*numClasses)
	limit := float32(math.Sqrt(6.0 / float64(inFeatures+numClasses)))
	for i := range w {
		w[i] = (rng.Float32()*2 - 1) * limit
	}

	return &head{
		inFeatures: inFeatures,
		numClasses: numClasses,
		weight: &Param{
			Name:  "head.weight",
			Shape: []int{inFeatures, numClasses},
			Data:  w,
			Grad:  make([]float32, inFeatures*numClasses),
		},
		bias: &Param{
			Name:  "head.bias",
			Shape: []int{numClasses},
			Data:  make([]float32, numClasses),
			Grad:  make([]float32, numClasses),
		},
	}
}

// restoreHead rebuilds a head from saved weight values.
func restoreHead(inFeatures, numClasses int, weight, bias []float32) (*head, error) {
	if len(weight) != inFeatures*numClasses {
		return nil, errors.Errorf("head weight has %d values, expected %d", len(weight), inFeatures*numClasses)
	}
	if len(bias) != numClasses {
		return nil, errors.Errorf("head bias has %d values, expected %d", len(bias), numClasses)
	}

	return &head{
		inFeatures: inFeatures,
		numClasses: numClasses,
		weight: &Param{
			Name:  "head.weight",
			Shape: []int{inFeatures, numClasses},
			Data:  weight,
			Grad:  make([]float32, len(weight)),
		},
		bias: &Param{
			Name:  "head.bias",
			Shape: []int{numClasses},
			Data:  bias,
			Grad:  make([]float32, len(bias)),
		},
	}, nil
}

// forward computes class probabilities for n pooled feature vectors. pooled is
// row-major [n, inFeatures]; the result is row-major [n, numClasses], each row
// a softmax distribution.
func (h *head) forward(pooled []float32, n int) []float32 {
	k := h.numClasses
	in := h.inFeatures
	probs := make([]float32, n*k)

	for i := 0; i < n; i++ {
		row := pooled[i*in : (i+1)*in]
		out := probs[i*k : (i+1)*k]

		for j := 0; j < k; j++ {
			sum := h.bias.Data[j]
			for f := 0; f < in; f++ {
				sum += row[f] * h.weight.Data[f*k+j]
			}
			out[j] = sum
		}

		softmaxInPlace(out)
	}

	return probs
}

// backward computes mean categorical cross-entropy over the batch and
// accumulates head gradients into the Param buffers (zeroed first). labels is
// row-major [n, numClasses] one-hot.
func (h *head) backward(pooled, probs, labels []float32, n int) float64 {
	k := h.numClasses
	in := h.inFeatures

	for i := range h.weight.Grad {
		h.weight.Grad[i] = 0
	}
	for i := range h.bias.Grad {
		h.bias.Grad[i] = 0
	}

	var loss float64
	invN := float32(1.0 / float64(n))

	for i := 0; i < n; i++ {
		row := pooled[i*in : (i+1)*in]
		p := probs[i*k : (i+1)*k]
		y := labels[i*k : (i+1)*k]

		for j := 0; j < k; j++ {
			if y[j] > 0 {
				loss += -float64(y[j]) * math.Log(math.Max(float64(p[j]), 1e-7))
			}

			// dL/dlogit for softmax + cross-entropy.
			dLogit := (p[j] - y[j]) * invN

			h.bias.Grad[j] += dLogit
			for f := 0; f < in; f++ {
				h.weight.Grad[f*k+j] += row[f] * dLogit
			}
		}
	}

	return loss / float64(n)
}

// softmaxInPlace converts logits to a probability distribution, subtracting
// the max logit first for numerical stability.
func softmaxInPlace(logits []float32) {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}

	var sum float32
	for i, v := range logits {
		e := float32(math.Exp(float64(v - maxLogit)))
		logits[i] = e
		sum += e
	}
	for i := range logits {
		logits[i] /= sum
	}
}

// pool applies global average pooling to a batch of backbone features.
// Features are channels-first: [n, C, H, W] collapses the spatial dimensions
// to [n, C]; [n, C] passes through. The returned slice is row-major [n, C].
func pool(features *tensor.Dense) ([]float32, int, error) {
	shape := features.Shape()
	data := features.Data().([]float32)
	n := shape[0]

	switch len(shape) {
	case 2:
		return data, shape[1], nil

	case 4:
		c, hw := shape[1], shape[2]*shape[3]
		pooled := make([]float32, n*c)
		for i := 0; i < n; i++ {
			for ch := 0; ch < c; ch++ {
				plane := data[(i*c+ch)*hw : (i*c+ch+1)*hw]
				var sum float32
				for _, v := range plane {
					sum += v
				}
				pooled[i*c+ch] = sum / float32(hw)
			}
		}
		return pooled, c, nil

	default:
		return nil, 0, errors.Errorf("cannot pool features of shape %v", shape)
	}
}

// accuracyCount returns how many of the n predictions agree with the one-hot
// labels, comparing argmax positions.
func accuracyCount(probs, labels []float32, n, k int) int {
	correct := 0
	for i := 0; i < n; i++ {
		p := probs[i*k : (i+1)*k]
		y := labels[i*k : (i+1)*k]

		if argmax(p) == argmax(y) {
			correct++
		}
	}
	return correct
}

func argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
