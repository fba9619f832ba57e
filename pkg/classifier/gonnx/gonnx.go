// Package gonnx runs the classifier with a pure Go ONNX interpreter. It is
// slower than ONNX Runtime but needs no shared library.
package gonnx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/advancedclimatesystems/gonnx"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/menta2k/retina-grader/internal/utils"
	"github.com/menta2k/retina-grader/pkg/classifier"
	"github.com/menta2k/retina-grader/pkg/types"
)

// Classifier wraps a gonnx model
type Classifier struct {
	mu         sync.Mutex
	model      *gonnx.Model
	inputName  string
	outputName string
}

// New loads the model at cfg.ModelPath. Every failure is reported as
// ModelUnavailable.
func New(ctx context.Context, cfg classifier.Config, logger *zap.Logger) (*Classifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("%w: no model path configured", types.ErrModelUnavailable)
	}

	onnxBytes, err := utils.ReadURL(ctx, cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}

	c, err := NewFromBytes(onnxBytes, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("gonnx classifier loaded",
		zap.String("model", cfg.ModelPath),
		zap.String("input", c.inputName),
		zap.String("output", c.outputName),
	)
	return c, nil
}

// NewFromBytes builds a Classifier from an in-memory model
func NewFromBytes(onnxBytes []byte, cfg classifier.Config) (*Classifier, error) {
	model, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse model: %v", types.ErrModelUnavailable, err)
	}

	inputName, err := classifier.ResolveName("input", cfg.InputName, model.InputNames())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}
	outputName, err := classifier.ResolveName("output", cfg.OutputName, model.OutputNames(),
		classifier.DefaultOutputName, classifier.LegacyOutputName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}

	return &Classifier{model: model, inputName: inputName, outputName: outputName}, nil
}

// Classify runs the model on a copy of input
func (c *Classifier) Classify(ctx context.Context, input *types.Tensor) ([]float32, error) {
	if err := classifier.CheckInput(input); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.model == nil {
		return nil, fmt.Errorf("%w: no model loaded", types.ErrModelUnavailable)
	}

	backing := append([]float32(nil), input.Data...)
	inputs := map[string]tensor.Tensor{
		c.inputName: tensor.New(
			tensor.WithShape(input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]),
			tensor.WithBacking(backing),
		),
	}

	c.mu.Lock()
	outputs, err := c.model.Run(inputs)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out, ok := outputs[c.outputName]
	if !ok {
		return nil, fmt.Errorf("model produced no %q output", c.outputName)
	}
	logits, ok := out.Data().([]float32)
	if !ok {
		return nil, errors.New("model output is not float32")
	}

	return append([]float32(nil), logits...), nil
}
