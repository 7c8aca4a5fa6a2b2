package vision

import (
	"errors"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ErrDegenerateEmbedding is returned when the model output cannot be
// normalised, which happens for blank or heavily occluded crops.
var ErrDegenerateEmbedding = errors.New("degenerate face embedding")

// InferenceError reports a failure inside ONNX Runtime. Unlike a bad image
// it says nothing about the capture, so callers may retry.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string { return fmt.Sprintf("arcface %s: %v", e.Op, e.Err) }

func (e *InferenceError) Unwrap() error { return e.Err }

// Temporary marks the failure as retryable.
func (e *InferenceError) Temporary() bool { return true }

// arcFaceIO describes the model's single input and output.
type arcFaceIO struct {
	input, output string
	size          int
	dim           int
}

// resolveArcFaceIO checks the model signature: one NCHW float input with
// square spatial dims and one [N, D] embedding output.
func resolveArcFaceIO(inputs, outputs []ort.InputOutputInfo) (arcFaceIO, error) {
	if len(inputs) != 1 || len(outputs) < 1 {
		return arcFaceIO{}, fmt.Errorf("arcface model must have 1 input and at least 1 output, got %d and %d",
			len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]
	if len(in.Dimensions) != 4 || in.Dimensions[1] != 3 {
		return arcFaceIO{}, fmt.Errorf("arcface input %q has shape %v, want [N 3 H W]", in.Name, in.Dimensions)
	}
	h, w := in.Dimensions[2], in.Dimensions[3]
	if h <= 0 || h != w {
		return arcFaceIO{}, fmt.Errorf("arcface input %q must be square, got %dx%d", in.Name, h, w)
	}
	if len(out.Dimensions) != 2 || out.Dimensions[1] <= 0 {
		return arcFaceIO{}, fmt.Errorf("arcface output %q has shape %v, want [N D]", out.Name, out.Dimensions)
	}
	return arcFaceIO{input: in.Name, output: out.Name, size: int(h), dim: int(out.Dimensions[1])}, nil
}

// arcFace runs one ArcFace model. The tensors are bound to the session, so
// runs are serialised.
type arcFace struct {
	mu     sync.Mutex
	io     arcFaceIO
	sess   *ort.AdvancedSession
	input  *ort.Tensor[float32]
	output *ort.Tensor[float32]
}

func loadArcFace(modelPath string) (*arcFace, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model %s: %w", modelPath, err)
	}
	io, err := resolveArcFaceIO(inputs, outputs)
	if err != nil {
		return nil, err
	}

	m := &arcFace{io: io}
	m.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(io.size), int64(io.size)))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	m.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(io.dim)))
	if err != nil {
		m.close()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	m.sess, err = ort.NewAdvancedSession(modelPath,
		[]string{io.input}, []string{io.output},
		[]ort.Value{m.input}, []ort.Value{m.output}, nil)
	if err != nil {
		m.close()
		return nil, fmt.Errorf("create arcface session: %w", err)
	}
	return m, nil
}

// embed runs the model on a CHW tensor of the model's input size and
// returns the L2-normalised embedding.
func (m *arcFace) embed(chw []float32) ([]float32, error) {
	if want := 3 * m.io.size * m.io.size; len(chw) != want {
		return nil, &InferenceError{Op: "bind input", Err: fmt.Errorf("tensor has %d values, want %d", len(chw), want)}
	}

	m.mu.Lock()
	copy(m.input.GetData(), chw)
	err := m.sess.Run()
	var vec []float32
	if err == nil {
		vec = append([]float32(nil), m.output.GetData()...)
	}
	m.mu.Unlock()

	if err != nil {
		return nil, &InferenceError{Op: "run", Err: err}
	}
	if err := l2Normalize(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func (m *arcFace) close() {
	if m.sess != nil {
		m.sess.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}

// l2Normalize scales v to unit length in place.
func l2Normalize(v []float32) error {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return fmt.Errorf("%w: norm %v", ErrDegenerateEmbedding, norm)
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return nil
}
