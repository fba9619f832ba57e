// Package inference turns classifier logits into a labelled prediction.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/menta2k/retina-grader/pkg/types"
)

// Classifier maps a (1,3,224,224) NCHW tensor to raw logits, one per class
type Classifier interface {
	Classify(ctx context.Context, input *types.Tensor) ([]float32, error)
}

// ClassifierFunc adapts a function to the Classifier interface
type ClassifierFunc func(ctx context.Context, input *types.Tensor) ([]float32, error)

// Classify calls f
func (f ClassifierFunc) Classify(ctx context.Context, input *types.Tensor) ([]float32, error) {
	return f(ctx, input)
}

// Adapter runs a Classifier and post-processes its output
type Adapter struct {
	classifier Classifier
	logger     *zap.Logger
}

// NewAdapter wraps classifier. A nil classifier is allowed; every Infer call
// then fails with ModelUnavailable.
func NewAdapter(classifier Classifier, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{classifier: classifier, logger: logger}
}

// Ready reports whether a classifier is attached
func (a *Adapter) Ready() bool {
	return a.classifier != nil
}

// Infer classifies the tensor and returns label, confidence and the full
// probability vector.
func (a *Adapter) Infer(ctx context.Context, input *types.Tensor) (types.PredictionResult, error) {
	if a.classifier == nil {
		return types.PredictionResult{}, fmt.Errorf("%w: no classifier loaded", types.ErrModelUnavailable)
	}
	if input == nil || input.Len() != len(input.Data) {
		return types.PredictionResult{}, fmt.Errorf("%w: malformed input tensor", types.ErrInferenceFailure)
	}

	logits, err := a.classifier.Classify(ctx, input)
	if err != nil {
		if errors.Is(err, types.ErrModelUnavailable) {
			return types.PredictionResult{}, err
		}
		return types.PredictionResult{}, fmt.Errorf("%w: %v", types.ErrInferenceFailure, err)
	}

	result, err := Interpret(logits)
	if err != nil {
		return types.PredictionResult{}, err
	}

	a.logger.Debug("classifier output",
		zap.Float32s("logits", result.Logits),
		zap.Float32s("probabilities", result.Probabilities),
		zap.String("label", result.Label),
		zap.Float32("confidence", result.Confidence),
	)

	return result, nil
}

// Interpret validates logits and converts them into a PredictionResult
func Interpret(logits []float32) (types.PredictionResult, error) {
	if len(logits) != types.NumClasses {
		return types.PredictionResult{}, fmt.Errorf("%w: expected %d logits, got %d",
			types.ErrInferenceFailure, types.NumClasses, len(logits))
	}

	values := make([]float64, len(logits))
	for i, v := range logits {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return types.PredictionResult{}, fmt.Errorf("%w: non-finite logit at index %d", types.ErrInferenceFailure, i)
		}
		values[i] = f
	}

	probs := Softmax(values)
	idx := ArgMax(probs)

	out := types.PredictionResult{
		Label:         types.ClassLabels[idx],
		ClassIndex:    idx,
		Confidence:    float32(probs[idx]),
		Probabilities: make([]float32, len(probs)),
		Logits:        append([]float32(nil), logits...),
	}
	for i, p := range probs {
		out.Probabilities[i] = float32(p)
	}
	return out, nil
}

// Softmax returns exp(x - max) / sum(exp(x - max)). The input is not modified.
func Softmax(x []float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	out := make([]float64, len(x))
	copy(out, x)
	floats.AddConst(-floats.Max(x), out)
	for i, v := range out {
		out[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// ArgMax returns the index of the largest value. Ties resolve to the lowest
// index.
func ArgMax(x []float64) int {
	return floats.MaxIdx(x)
}
