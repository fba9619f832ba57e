package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	retinagrader "github.com/menta2k/retina-grader"
	"github.com/menta2k/retina-grader/internal/config"
	"github.com/menta2k/retina-grader/internal/utils"
	"github.com/menta2k/retina-grader/pkg/processing"
	"github.com/menta2k/retina-grader/pkg/types"
)

const contactSheetTile = 224

var (
	predictInput string
	predictOut   string
	predictModel modelFlags
)

var predictCommand = &cli.Command{
	Name:      "predict",
	Usage:     "Grade one image, every image in a directory, or an image URL",
	ArgsUsage: "--input fundus.jpg [--out dir]",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Image path, directory or URL (http, https, s3)",
			Aliases:     []string{"i"},
			Destination: &predictInput,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "out",
			Usage:       "Write the intermediate images and a contact sheet under this directory",
			Aliases:     []string{"o"},
			Destination: &predictOut,
		},
	}, append(modelFlagSet(&predictModel), toggleFlags()...)...),
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		predictModel.apply(cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		pcfg, err := toggles(ctx, cfg)
		if err != nil {
			return err
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		opts, err := pipelineOptions(cfg, logger)
		if err != nil {
			return err
		}

		model, err := loadModel(ctx.Context, cfg, logger)
		if err != nil {
			logger.Error("model initialization failed", zap.Error(err))
			return cli.Exit(types.StatusModelInitError, 1)
		}
		defer func() {
			if err := model.Close(); err != nil {
				logger.Warn("failed to release model", zap.Error(err))
			}
		}()

		sources, err := collectSources(predictInput)
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			return fmt.Errorf("no images found in %s", predictInput)
		}

		grader := retinagrader.New(model.classifier, opts...)
		failed := 0
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		for _, source := range sources {
			report := gradeOne(ctx.Context, grader, source, pcfg, cfg, logger)
			if report.Error != "" {
				failed++
			}
			if err := enc.Encode(report); err != nil {
				return err
			}
		}
		if failed > 0 {
			return cli.Exit(fmt.Sprintf("%d of %d images failed", failed, len(sources)), 1)
		}
		return nil
	},
}

func modelFlagSet(dst *modelFlags) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Classifier backend: onnx, gonnx, ollama or llamacpp",
			Aliases:     []string{"b"},
			Destination: &dst.backend,
		},
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path or URL (file://, s3://) of the ONNX model",
			Aliases:     []string{"m"},
			Destination: &dst.path,
		},
		&cli.StringFlag{
			Name:        "vision-url",
			Usage:       "Server URL for the ollama and llamacpp backends",
			Destination: &dst.visionURL,
		},
		&cli.StringFlag{
			Name:        "vision-model",
			Usage:       "Model name for the ollama and llamacpp backends",
			Destination: &dst.visionModel,
		},
	}
}

func toggleFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "contrast",
			Usage: "Apply CLAHE contrast enhancement (default from config)",
		},
		&cli.BoolFlag{
			Name:  "sharpen",
			Usage: "Apply the Graham sharpening filter (default from config)",
		},
		&cli.IntFlag{
			Name:  "sigma",
			Usage: "Graham blur sigma, 10 or 20 (default from config)",
		},
	}
}

// toggles applies the per-run flags on top of the config defaults
func toggles(ctx *cli.Context, cfg *config.Config) (types.PipelineConfig, error) {
	contrast := cfg.Preprocess.EnhanceContrast
	if ctx.IsSet("contrast") {
		contrast = ctx.Bool("contrast")
	}
	sharpen := cfg.Preprocess.Sharpen
	if ctx.IsSet("sharpen") {
		sharpen = ctx.Bool("sharpen")
	}
	s := cfg.Preprocess.SharpenSigma
	if ctx.IsSet("sigma") {
		s = ctx.Int("sigma")
	}
	return types.NewPipelineConfig(contrast, sharpen, s)
}

// collectSources expands a directory into its image files
func collectSources(input string) ([]string, error) {
	if utils.IsRemote(input) || !isDir(input) {
		return []string{input}, nil
	}
	files, err := utils.ListImageFiles(input)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", input, err)
	}
	return files, nil
}

type predictReport struct {
	Source        string             `json:"source"`
	RequestID     string             `json:"request_id,omitempty"`
	Label         string             `json:"label,omitempty"`
	ClassIndex    int                `json:"class_index"`
	Confidence    float32            `json:"confidence"`
	Probabilities map[string]float32 `json:"probabilities,omitempty"`
	Status        string             `json:"status"`
	DurationMs    int64              `json:"duration_ms"`
	Outputs       []string           `json:"outputs,omitempty"`
	Error         string             `json:"error,omitempty"`
}

func gradeOne(ctx context.Context, grader *retinagrader.Grader, source string, pcfg types.PipelineConfig, cfg *config.Config, logger *zap.Logger) predictReport {
	report := predictReport{Source: source, ClassIndex: -1}

	prediction, err := grader.GradeFile(ctx, source, pcfg)
	if err != nil {
		logger.Warn("prediction failed", zap.String("source", source), zap.Error(err))
		report.Error = err.Error()
		report.Status = types.StatusMessage(err)
		return report
	}

	result := prediction.Result()
	report.RequestID = prediction.RequestID()
	report.Label = result.Label
	report.ClassIndex = result.ClassIndex
	report.Confidence = result.Confidence
	report.Probabilities = result.ProbabilityMap()
	report.Status = prediction.Status()
	report.DurationMs = prediction.Duration().Milliseconds()

	if predictOut == "" {
		return report
	}

	outputs, err := writeOutputs(prediction, utils.OutputDirFor(predictOut, source), cfg.Output)
	if err != nil {
		logger.Warn("failed to write outputs", zap.String("source", source), zap.Error(err))
		report.Error = err.Error()
	}
	report.Outputs = outputs
	return report
}

func writeOutputs(prediction *retinagrader.Prediction, dir string, out config.OutputConfig) ([]string, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, err
	}
	paths, err := prediction.SaveSnapshots(dir, out.Format, out.Quality)
	if err != nil {
		return paths, err
	}
	if !out.ContactSheet {
		return paths, nil
	}
	sheetPath := filepath.Join(dir, "contact_sheet.png")
	sheet := prediction.ContactSheet(contactSheetTile)
	if err := processing.NewProcessor().SaveImage(sheet, sheetPath, "png", out.Quality, false); err != nil {
		return paths, err
	}
	return append(paths, sheetPath), nil
}
