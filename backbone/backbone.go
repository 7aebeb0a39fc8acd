// Package backbone loads and runs pretrained feature-extraction networks. The
// backbone is opaque: its weights live inside the runtime that executes it,
// are never exposed as trainable parameters, and only participate in forward
// computation.
package backbone

import (
	"fmt"
	"strings"

	"gorgonia.org/tensor"
)

// Backbone is an already-trained computation graph. Implementations are frozen
// by construction: nothing in this interface hands out parameter tensors, so
// no gradient path into the backbone can exist.
//
// A Backbone starts unbound. Bind selects the named graph output whose feature
// map feeds the new classification head (the splice point); FeatureShape and
// Forward are only valid after a successful Bind.
type Backbone interface {
	// Source identifies where the graph came from (a local file path after
	// fetching, or a synthetic name).
	Source() string

	// Outputs lists the graph's declared output names, the candidate splice
	// points.
	Outputs() []string

	// Bind selects the splice point. Returns *GraphError if the name is not
	// among Outputs.
	Bind(splicePoint string) error

	// FeatureShape returns the per-sample shape of the bound output,
	// channels-first: [C, H, W] for a spatial feature map or [C] for an
	// already-pooled vector.
	FeatureShape() []int

	// Forward runs the frozen graph over a batch of images with shape
	// [N, H, W, 3] and returns features with shape [N, FeatureShape...].
	Forward(images *tensor.Dense) (*tensor.Dense, error)

	Close() error
}

// LoadError reports a backbone that could not be fetched or parsed. Fatal; the
// fetch is never retried internally.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading backbone %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// GraphError reports a splice point that does not exist in the backbone graph,
// which indicates a configuration mismatch between the backbone and the
// requested layer name.
type GraphError struct {
	SplicePoint string
	Available   []string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("splice point %q not found in backbone graph (outputs: %s)",
		e.SplicePoint, strings.Join(e.Available, ", "))
}
