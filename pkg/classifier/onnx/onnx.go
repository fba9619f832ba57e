//go:build !noort

// Package onnx runs the classifier through ONNX Runtime.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/menta2k/retina-grader/internal/utils"
	"github.com/menta2k/retina-grader/pkg/classifier"
	"github.com/menta2k/retina-grader/pkg/types"
)

var envMu sync.Mutex

// initEnvironment starts ONNX Runtime once per process
func initEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// Shutdown releases the ONNX Runtime environment. Call it after every
// Classifier has been closed.
func Shutdown() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Classifier binds fixed input and output buffers to an advanced session.
// Calls are serialised because the buffers are shared.
type Classifier struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	options      *ort.SessionOptions
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputName    string
	outputName   string
	logger       *zap.Logger
}

// New loads the model at cfg.ModelPath. Every failure is reported as
// ModelUnavailable.
func New(ctx context.Context, cfg classifier.Config, logger *zap.Logger) (*Classifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := newClassifier(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}
	return c, nil
}

func newClassifier(ctx context.Context, cfg classifier.Config, logger *zap.Logger) (*Classifier, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("no model path configured")
	}

	onnxBytes, err := utils.ReadURL(ctx, cfg.ModelPath)
	if err != nil {
		return nil, err
	}

	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read model metadata: %w", err)
	}

	inputName, err := classifier.ResolveName("input", cfg.InputName, infoNames(inputs))
	if err != nil {
		return nil, err
	}
	outputName, err := classifier.ResolveName("output", cfg.OutputName, infoNames(outputs),
		classifier.DefaultOutputName, classifier.LegacyOutputName)
	if err != nil {
		return nil, err
	}

	c := &Classifier{inputName: inputName, outputName: outputName, logger: logger}

	c.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(classifier.InputShape()...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	c.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(1, types.NumClasses))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	if cfg.IntraOpThreads > 0 {
		c.options, err = ort.NewSessionOptions()
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to create session options: %w", err)
		}
		if err := c.options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	c.session, err = ort.NewAdvancedSessionWithONNXData(onnxBytes,
		[]string{inputName}, []string{outputName},
		[]ort.Value{c.inputTensor}, []ort.Value{c.outputTensor},
		c.options)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Info("onnx classifier loaded",
		zap.String("model", cfg.ModelPath),
		zap.String("input", inputName),
		zap.String("output", outputName),
	)
	return c, nil
}

func infoNames(infos []ort.InputOutputInfo) []string {
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

// Classify copies input into the bound buffer, runs the session and returns
// a copy of the logits.
func (c *Classifier) Classify(ctx context.Context, input *types.Tensor) ([]float32, error) {
	if err := classifier.CheckInput(input); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil, fmt.Errorf("%w: classifier closed", types.ErrModelUnavailable)
	}

	copy(c.inputTensor.GetData(), input.Data)
	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return append([]float32(nil), c.outputTensor.GetData()...), nil
}

// Close releases the session and tensors
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.session != nil {
		err = errors.Join(err, c.session.Destroy())
		c.session = nil
	}
	if c.options != nil {
		err = errors.Join(err, c.options.Destroy())
		c.options = nil
	}
	if c.inputTensor != nil {
		err = errors.Join(err, c.inputTensor.Destroy())
		c.inputTensor = nil
	}
	if c.outputTensor != nil {
		err = errors.Join(err, c.outputTensor.Destroy())
		c.outputTensor = nil
	}
	return err
}
