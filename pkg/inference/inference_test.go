package inference

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/retina-grader/pkg/types"
)

func fixedClassifier(logits []float32, err error) Classifier {
	return ClassifierFunc(func(ctx context.Context, input *types.Tensor) ([]float32, error) {
		return logits, err
	})
}

func TestSoftmaxSumsToOne(t *testing.T) {
	probs := Softmax([]float64{1, 2, 3, 4, 5})

	sum := 0.0
	for _, p := range probs {
		assert.GreaterOrEqual(t, p, 0.0)
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestSoftmaxShiftInvariant(t *testing.T) {
	base := []float64{0.3, -1.2, 2.5, 0.0, 1.1}
	shifted := make([]float64, len(base))
	for i, v := range base {
		shifted[i] = v + 1000
	}

	a := Softmax(base)
	b := Softmax(shifted)
	for i := range a {
		assert.InDelta(t, a[i], b[i], 1e-9)
	}
}

func TestSoftmaxLargeLogits(t *testing.T) {
	probs := Softmax([]float64{1e4, 0, 0, 0, 0})
	assert.InDelta(t, 1.0, probs[0], 1e-12)
	assert.False(t, math.IsNaN(probs[1]))
}

func TestArgMaxTieTakesFirst(t *testing.T) {
	result, err := Interpret([]float32{0.5, 0.5, 0.1, 0.1, 0.1})
	require.NoError(t, err)

	assert.Equal(t, 0, result.ClassIndex)
	assert.Equal(t, "Healthy", result.Label)
}

func TestInterpretLabels(t *testing.T) {
	for i, label := range types.ClassLabels {
		logits := make([]float32, types.NumClasses)
		logits[i] = 10

		result, err := Interpret(logits)
		require.NoError(t, err)
		assert.Equal(t, label, result.Label)
		assert.Equal(t, i, result.ClassIndex)
		assert.Greater(t, result.Confidence, float32(0.99))
		assert.Len(t, result.Probabilities, types.NumClasses)
	}
}

func TestInterpretRejectsBadLogits(t *testing.T) {
	_, err := Interpret([]float32{1, 2, 3})
	assert.True(t, errors.Is(err, types.ErrInferenceFailure))

	_, err = Interpret([]float32{1, float32(math.NaN()), 0, 0, 0})
	assert.True(t, errors.Is(err, types.ErrInferenceFailure))

	_, err = Interpret([]float32{1, float32(math.Inf(1)), 0, 0, 0})
	assert.True(t, errors.Is(err, types.ErrInferenceFailure))
}

func TestAdapterInfer(t *testing.T) {
	adapter := NewAdapter(fixedClassifier([]float32{0, 0, 3, 0, 0}, nil), nil)
	require.True(t, adapter.Ready())

	result, err := adapter.Infer(context.Background(), types.NewTensor(3, 224, 224))
	require.NoError(t, err)

	assert.Equal(t, "Moderate DR", result.Label)
	assert.Equal(t, []float32{0, 0, 3, 0, 0}, result.Logits)
}

func TestAdapterWithoutClassifier(t *testing.T) {
	adapter := NewAdapter(nil, nil)
	assert.False(t, adapter.Ready())

	_, err := adapter.Infer(context.Background(), types.NewTensor(3, 224, 224))
	assert.True(t, errors.Is(err, types.ErrModelUnavailable))
	assert.Equal(t, types.StatusPredictError, types.StatusMessage(err))
}

func TestAdapterClassifierError(t *testing.T) {
	adapter := NewAdapter(fixedClassifier(nil, errors.New("session crashed")), nil)

	_, err := adapter.Infer(context.Background(), types.NewTensor(3, 224, 224))
	assert.True(t, errors.Is(err, types.ErrInferenceFailure))
	assert.Contains(t, err.Error(), "session crashed")
}

func TestAdapterKeepsModelUnavailable(t *testing.T) {
	cause := errors.Join(types.ErrModelUnavailable, errors.New("library missing"))
	adapter := NewAdapter(fixedClassifier(nil, cause), nil)

	_, err := adapter.Infer(context.Background(), types.NewTensor(3, 224, 224))
	assert.Equal(t, types.KindModelUnavailable, types.KindOf(err))
}

func TestAdapterRejectsMalformedTensor(t *testing.T) {
	adapter := NewAdapter(fixedClassifier([]float32{1, 0, 0, 0, 0}, nil), nil)

	bad := &types.Tensor{Shape: [4]int{1, 3, 224, 224}, Data: make([]float32, 10)}
	_, err := adapter.Infer(context.Background(), bad)
	assert.True(t, errors.Is(err, types.ErrInferenceFailure))
}
