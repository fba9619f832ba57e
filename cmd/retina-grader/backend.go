package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/menta2k/retina-grader/internal/config"
	"github.com/menta2k/retina-grader/internal/logging"
	"github.com/menta2k/retina-grader/pkg/classifier"
	"github.com/menta2k/retina-grader/pkg/classifier/gonnx"
	"github.com/menta2k/retina-grader/pkg/classifier/onnx"
	"github.com/menta2k/retina-grader/pkg/client"
	"github.com/menta2k/retina-grader/pkg/cropper"
	"github.com/menta2k/retina-grader/pkg/enhance"
	"github.com/menta2k/retina-grader/pkg/grading"
	"github.com/menta2k/retina-grader/pkg/inference"
	"github.com/menta2k/retina-grader/pkg/llamacpp"
	"github.com/menta2k/retina-grader/pkg/normalize"
	"github.com/menta2k/retina-grader/pkg/ollama"
	"github.com/menta2k/retina-grader/pkg/pipeline"
	"github.com/menta2k/retina-grader/pkg/resize"
)

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	return logging.NewAutoLogger(debug)
}

// pipelineOptions turns the preprocess section into pipeline stages
func pipelineOptions(cfg *config.Config, logger *zap.Logger) ([]pipeline.Option, error) {
	params, err := cfg.EnhanceParams()
	if err != nil {
		return nil, err
	}
	enhancer, err := enhance.New(params)
	if err != nil {
		return nil, err
	}
	return []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithCropper(cropper.NewWithConfig(cropper.CropConfig{Tolerance: cfg.Preprocess.GrayTolerance})),
		pipeline.WithEnhancer(enhancer),
		pipeline.WithResizer(resize.New(cfg.ResizeKernel())),
		pipeline.WithNormalizer(newNormalizer(cfg)),
	}, nil
}

func newNormalizer(cfg *config.Config) *normalize.Normalizer {
	return normalize.NewWithStats(cfg.Preprocess.Mean, cfg.Preprocess.Std)
}

// loadedModel is a classifier plus whatever must be released after use
type loadedModel struct {
	classifier inference.Classifier
	close      func() error
}

func (m *loadedModel) Close() error {
	if m == nil || m.close == nil {
		return nil
	}
	return m.close()
}

// loadModel builds the backend named by cfg.Model.Backend
func loadModel(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*loadedModel, error) {
	mc := classifier.Config{
		ModelPath:      cfg.Model.Path,
		InputName:      cfg.Model.InputName,
		OutputName:     cfg.Model.OutputName,
		LibraryPath:    cfg.Model.LibraryPath,
		IntraOpThreads: cfg.Model.IntraOpThreads,
	}

	switch cfg.Model.Backend {
	case config.BackendONNX:
		c, err := onnx.New(ctx, mc, logger)
		if err != nil {
			return nil, err
		}
		return &loadedModel{
			classifier: c,
			close: func() error {
				if err := c.Close(); err != nil {
					return err
				}
				return onnx.Shutdown()
			},
		}, nil
	case config.BackendGONNX:
		c, err := gonnx.New(ctx, mc, logger)
		if err != nil {
			return nil, err
		}
		return &loadedModel{classifier: c}, nil
	case config.BackendOllama, config.BackendLlamaCpp:
		g, err := newVisionGrader(cfg, logger)
		if err != nil {
			return nil, err
		}
		return &loadedModel{classifier: g}, nil
	default:
		return nil, fmt.Errorf("unknown model backend %q", cfg.Model.Backend)
	}
}

func newVisionGrader(cfg *config.Config, logger *zap.Logger) (*grading.Grader, error) {
	var (
		vc  client.VisionClient
		err error
	)
	switch cfg.Model.Backend {
	case config.BackendOllama:
		vc, err = ollama.NewClient(cfg.Model.VisionURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
	case config.BackendLlamaCpp:
		vc, err = llamacpp.NewClient(cfg.Model.VisionURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
	default:
		return nil, fmt.Errorf("backend %q is not a vision model", cfg.Model.Backend)
	}
	return grading.NewGrader(vc, cfg.Model.VisionModel, logger, grading.WithNormalizer(newNormalizer(cfg))), nil
}

// modelFlags override the model section of the config
type modelFlags struct {
	backend     string
	path        string
	visionURL   string
	visionModel string
}

func (f modelFlags) apply(cfg *config.Config) {
	if f.backend != "" {
		cfg.Model.Backend = f.backend
	}
	if f.path != "" {
		cfg.Model.Path = f.path
	}
	if f.visionURL != "" {
		cfg.Model.VisionURL = f.visionURL
	}
	if f.visionModel != "" {
		cfg.Model.VisionModel = f.visionModel
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
