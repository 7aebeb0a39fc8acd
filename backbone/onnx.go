package backbone

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

var (
	ortOnce    sync.Once
	ortInitErr error
)

// initRuntime initializes the ONNX runtime environment once per process. The
// shared library location can be overridden with ONNXRUNTIME_SHARED_LIBRARY_PATH.
func initRuntime() error {
	ortOnce.Do(func() {
		if path := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); path != "" {
			ort.SetSharedLibraryPath(path)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ONNXBackbone executes a pretrained ONNX graph through onnxruntime. The
// session owns every backbone weight; none are reachable from Go, which is
// what makes the backbone frozen.
type ONNXBackbone struct {
	path   string
	logger *zap.SugaredLogger

	inputName string
	inputDims []int64 // per-sample dims as declared by the graph, batch stripped
	nchw      bool    // graph expects channels-first input

	outputs   []ort.InputOutputInfo
	splice    string
	featShape []int

	session *ort.DynamicAdvancedSession
}

// Open inspects the ONNX model at path and prepares it for binding. The model
// must declare exactly one input. Failures surface as *LoadError.
func Open(path string, logger *zap.SugaredLogger) (*ONNXBackbone, error) {
	if err := initRuntime(); err != nil {
		return nil, &LoadError{Source: path, Err: errors.Wrap(err, "initializing onnxruntime")}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	if len(inputs) != 1 {
		return nil, &LoadError{Source: path, Err: errors.Errorf("expected 1 graph input, found %d", len(inputs))}
	}

	in := inputs[0]
	if len(in.Dimensions) != 4 {
		return nil, &LoadError{Source: path, Err: errors.Errorf("expected rank-4 image input, got dims %v", in.Dimensions)}
	}

	b := &ONNXBackbone{
		path:      path,
		logger:    logger,
		inputName: in.Name,
		inputDims: append([]int64{}, in.Dimensions[1:]...),
		nchw:      in.Dimensions[1] == 3,
		outputs:   outputs,
	}

	logger.Infow("backbone graph opened",
		"path", path,
		"input", in.Name,
		"outputs", len(outputs),
	)

	return b, nil
}

// Source returns the local model path.
func (b *ONNXBackbone) Source() string {
	return b.path
}

// Outputs returns the graph's declared output names.
func (b *ONNXBackbone) Outputs() []string {
	names := make([]string, len(b.outputs))
	for i, out := range b.outputs {
		names[i] = out.Name
	}
	return names
}

// Bind selects the splice point and creates the execution session restricted
// to that output. The output's per-sample dimensions must be static.
func (b *ONNXBackbone) Bind(splicePoint string) error {
	var info *ort.InputOutputInfo
	for i := range b.outputs {
		if b.outputs[i].Name == splicePoint {
			info = &b.outputs[i]
			break
		}
	}
	if info == nil {
		return &GraphError{SplicePoint: splicePoint, Available: b.Outputs()}
	}

	featShape := make([]int, 0, len(info.Dimensions)-1)
	for _, dim := range info.Dimensions[1:] {
		if dim <= 0 {
			return &LoadError{Source: b.path, Err: errors.Errorf(
				"output %s has dynamic dimension %d; the head needs a static feature shape", splicePoint, dim)}
		}
		featShape = append(featShape, int(dim))
	}

	session, err := ort.NewDynamicAdvancedSession(b.path, []string{b.inputName}, []string{splicePoint}, nil)
	if err != nil {
		return &LoadError{Source: b.path, Err: err}
	}

	b.splice = splicePoint
	b.featShape = featShape
	b.session = session

	b.logger.Infow("backbone bound", "splice_point", splicePoint, "feature_shape", featShape)
	return nil
}

// FeatureShape returns the per-sample feature dimensions of the bound output.
func (b *ONNXBackbone) FeatureShape() []int {
	return b.featShape
}

// Forward runs the frozen graph over a batch of images [N, H, W, 3] and
// returns the splice-point features [N, FeatureShape...].
func (b *ONNXBackbone) Forward(images *tensor.Dense) (*tensor.Dense, error) {
	if b.session == nil {
		return nil, errors.New("backbone is not bound to a splice point")
	}

	shape := images.Shape()
	if len(shape) != 4 || shape[3] != 3 {
		return nil, errors.Errorf("expected image batch [N, H, W, 3], got %v", shape)
	}
	n := shape[0]

	data := images.Data().([]float32)
	inputDims := []int64{int64(n), int64(shape[1]), int64(shape[2]), 3}
	if b.nchw {
		data = nhwcToNCHW(data, n, shape[1], shape[2], 3)
		inputDims = []int64{int64(n), 3, int64(shape[1]), int64(shape[2])}
	}

	input, err := ort.NewTensor(ort.NewShape(inputDims...), data)
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}
	defer input.Destroy()

	outDims := make([]int64, 0, len(b.featShape)+1)
	outDims = append(outDims, int64(n))
	for _, d := range b.featShape {
		outDims = append(outDims, int64(d))
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(outDims...))
	if err != nil {
		return nil, errors.Wrap(err, "creating output tensor")
	}
	defer output.Destroy()

	if err := b.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return nil, errors.Wrap(err, "backbone forward pass")
	}

	// Copy out of onnxruntime-owned memory before Destroy.
	src := output.GetData()
	features := make([]float32, len(src))
	copy(features, src)

	featTensorShape := append([]int{n}, b.featShape...)
	return tensor.New(tensor.WithShape(featTensorShape...), tensor.WithBacking(features)), nil
}

// Close releases the execution session.
func (b *ONNXBackbone) Close() error {
	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	return err
}

// nhwcToNCHW transposes a batch of interleaved-channel images to planar
// channel layout.
func nhwcToNCHW(src []float32, n, h, w, c int) []float32 {
	dst := make([]float32, len(src))
	plane := h * w
	for i := 0; i < n; i++ {
		imgSrc := src[i*plane*c : (i+1)*plane*c]
		imgDst := dst[i*plane*c : (i+1)*plane*c]
		for p := 0; p < plane; p++ {
			for ch := 0; ch < c; ch++ {
				imgDst[ch*plane+p] = imgSrc[p*c+ch]
			}
		}
	}
	return dst
}
