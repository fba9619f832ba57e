//go:build noort

package onnx

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/menta2k/retina-grader/pkg/classifier"
	"github.com/menta2k/retina-grader/pkg/types"
)

// Classifier is unavailable in builds tagged noort
type Classifier struct{}

// New always fails with ModelUnavailable
func New(_ context.Context, _ classifier.Config, _ *zap.Logger) (*Classifier, error) {
	return nil, fmt.Errorf("%w: onnxruntime support was disabled with the noort build tag", types.ErrModelUnavailable)
}

func (c *Classifier) Classify(_ context.Context, _ *types.Tensor) ([]float32, error) {
	return nil, fmt.Errorf("%w: onnxruntime support disabled", types.ErrModelUnavailable)
}

func (c *Classifier) Close() error { return nil }

func Shutdown() error { return nil }
