package model

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-retrain/backbone"
	"github.com/tsawler/go-retrain/optimizer"
)

// BuildState tracks builder progress. Transitions are strictly forward:
// Unbuilt -> Loaded -> Frozen -> Spliced -> Compiled. Any failure moves the
// builder to the terminal Failed state and no partial model is ever returned.
type BuildState int

const (
	StateUnbuilt BuildState = iota
	StateLoaded
	StateFrozen
	StateSpliced
	StateCompiled
	StateFailed
)

func (s BuildState) String() string {
	switch s {
	case StateUnbuilt:
		return "Unbuilt"
	case StateLoaded:
		return "Loaded"
	case StateFrozen:
		return "Frozen"
	case StateSpliced:
		return "Spliced"
	case StateCompiled:
		return "Compiled"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Builder assembles a TransferModel step by step. Methods chain; the first
// failure sticks and every later call is a no-op, so a single error check
// after Compile suffices.
type Builder struct {
	state  BuildState
	err    error
	logger *zap.SugaredLogger
	seed   int64

	bb    backbone.Backbone
	owned bool // builder opened the backbone and must close it on failure
	head  *head

	splicePoint string
	numClasses  int
}

// NewBuilder creates a builder in the Unbuilt state.
func NewBuilder(logger *zap.SugaredLogger) *Builder {
	return &Builder{
		state:  StateUnbuilt,
		logger: logger,
	}
}

// Seed fixes the head weight initialization seed. Without it the clock is
// used.
func (b *Builder) Seed(seed int64) *Builder {
	b.seed = seed
	return b
}

// State returns the builder's current state.
func (b *Builder) State() BuildState {
	return b.state
}

// Err returns the sticky error, if any.
func (b *Builder) Err() error {
	return b.err
}

func (b *Builder) fail(err error) *Builder {
	if b.owned && b.bb != nil {
		_ = b.bb.Close()
		b.bb = nil
	}
	b.state = StateFailed
	b.err = err
	return b
}

func (b *Builder) expect(state BuildState, op string) bool {
	if b.state == StateFailed {
		return false
	}
	if b.state != state {
		b.fail(errors.Errorf("%s requires state %s, builder is %s", op, state, b.state))
		return false
	}
	return true
}

// Load fetches the backbone graph from source (registry URL or local path)
// and opens it for inspection. Fetch or parse failures surface as
// *backbone.LoadError.
func (b *Builder) Load(ctx context.Context, source, cacheDir string) *Builder {
	if !b.expect(StateUnbuilt, "Load") {
		return b
	}

	path, err := backbone.Fetch(ctx, source, cacheDir)
	if err != nil {
		return b.fail(err)
	}

	bb, err := backbone.Open(path, b.logger)
	if err != nil {
		return b.fail(err)
	}

	b.bb = bb
	b.owned = true
	b.state = StateLoaded
	return b
}

// LoadBackbone installs an already-opened backbone instead of fetching one.
// The caller keeps ownership of it on failure.
func (b *Builder) LoadBackbone(bb backbone.Backbone) *Builder {
	if !b.expect(StateUnbuilt, "LoadBackbone") {
		return b
	}
	b.bb = bb
	b.state = StateLoaded
	return b
}

// Freeze marks the backbone as non-trainable. With an opaque runtime holding
// the weights this is structural rather than a flag sweep: the trainable set
// the optimizer will see is built from the head alone, and the backbone
// interface exposes no parameter handles.
func (b *Builder) Freeze() *Builder {
	if !b.expect(StateLoaded, "Freeze") {
		return b
	}

	b.logger.Infow("backbone frozen", "source", b.bb.Source())
	b.state = StateFrozen
	return b
}

// Splice binds the backbone to the named intermediate output and attaches a
// global-average-pooling + dense head producing numClasses outputs. A missing
// splice point surfaces as *backbone.GraphError.
func (b *Builder) Splice(splicePoint string, numClasses int) *Builder {
	if !b.expect(StateFrozen, "Splice") {
		return b
	}
	if numClasses < 2 {
		return b.fail(errors.Errorf("need at least 2 classes, got %d", numClasses))
	}

	if err := b.bb.Bind(splicePoint); err != nil {
		return b.fail(err)
	}

	featShape := b.bb.FeatureShape()
	width := featureWidth(featShape)
	if width <= 0 {
		return b.fail(errors.Errorf("splice point %s has unusable feature shape %v", splicePoint, featShape))
	}

	seed := b.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	b.head = newHead(width, numClasses, rand.New(rand.NewSource(seed)))
	b.splicePoint = splicePoint
	b.numClasses = numClasses

	b.logger.Infow("head spliced",
		"splice_point", splicePoint,
		"feature_width", width,
		"num_classes", numClasses,
	)

	b.state = StateSpliced
	return b
}

// Compile binds the optimizer configuration, categorical cross-entropy loss
// and accuracy metric to the composed graph and returns the finished model.
// This is the terminal success state; the builder cannot be reused.
func (b *Builder) Compile(opt optimizer.AdamConfig) (*TransferModel, error) {
	if b.state == StateFailed {
		return nil, b.err
	}
	if b.state != StateSpliced {
		b.fail(errors.Errorf("Compile requires state %s, builder is %s", StateSpliced, b.state))
		return nil, b.err
	}

	m := &TransferModel{
		bb:          b.bb,
		head:        b.head,
		splicePoint: b.splicePoint,
		numClasses:  b.numClasses,
		optimizer:   opt,
	}

	b.state = StateCompiled
	b.logger.Infow("model compiled",
		"trainable_params", len(m.head.weight.Data)+len(m.head.bias.Data),
		"learning_rate", opt.LearningRate,
	)

	return m, nil
}
