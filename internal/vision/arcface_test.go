package vision

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

func TestResolveArcFaceIO(t *testing.T) {
	in := ort.InputOutputInfo{Name: "input.1", Dimensions: ort.NewShape(-1, 3, 112, 112)}
	out := ort.InputOutputInfo{Name: "683", Dimensions: ort.NewShape(-1, 512)}

	got, err := resolveArcFaceIO([]ort.InputOutputInfo{in}, []ort.InputOutputInfo{out})
	require.NoError(t, err)
	assert.Equal(t, arcFaceIO{input: "input.1", output: "683", size: 112, dim: 512}, got)

	tests := []struct {
		name    string
		inputs  []ort.InputOutputInfo
		outputs []ort.InputOutputInfo
	}{
		{name: "no outputs", inputs: []ort.InputOutputInfo{in}},
		{name: "grayscale input", inputs: []ort.InputOutputInfo{{Name: "x", Dimensions: ort.NewShape(1, 1, 112, 112)}}, outputs: []ort.InputOutputInfo{out}},
		{name: "not square", inputs: []ort.InputOutputInfo{{Name: "x", Dimensions: ort.NewShape(1, 3, 112, 96)}}, outputs: []ort.InputOutputInfo{out}},
		{name: "dynamic size", inputs: []ort.InputOutputInfo{{Name: "x", Dimensions: ort.NewShape(1, 3, -1, -1)}}, outputs: []ort.InputOutputInfo{out}},
		{name: "flat output", inputs: []ort.InputOutputInfo{in}, outputs: []ort.InputOutputInfo{{Name: "y", Dimensions: ort.NewShape(512)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolveArcFaceIO(tt.inputs, tt.outputs)
			assert.Error(t, err)
		})
	}
}

func TestL2Normalize(t *testing.T) {
	v := []float32{3, 4}
	require.NoError(t, l2Normalize(v))
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	assert.ErrorIs(t, l2Normalize([]float32{0, 0, 0}), ErrDegenerateEmbedding)
	assert.ErrorIs(t, l2Normalize([]float32{float32(math.NaN()), 1}), ErrDegenerateEmbedding)
}

func TestInferenceErrorIsTemporary(t *testing.T) {
	base := errors.New("session closed")
	var err error = &InferenceError{Op: "run", Err: base}

	var tmp interface{ Temporary() bool }
	require.True(t, errors.As(err, &tmp))
	assert.True(t, tmp.Temporary())
	assert.ErrorIs(t, err, base)
	assert.EqualError(t, err, "arcface run: session closed")
}
