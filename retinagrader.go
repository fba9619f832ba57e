// Package retinagrader grades diabetic retinopathy in colour fundus
// photographs.
//
// A photograph goes through a fixed preprocessing chain before it reaches the
// classifier:
//
//  1. Crop the dark background around the fundus (pkg/cropper)
//  2. Pad to a square on a transparent canvas
//  3. Equalise contrast with CLAHE and sharpen with a Graham filter (pkg/enhance)
//  4. Resize to 280x280 and centre crop to 224x224 (pkg/resize)
//  5. Normalise to a (1,3,224,224) tensor (pkg/normalize)
//
// The classifier is anything implementing inference.Classifier: an ONNX
// model through ONNX Runtime (pkg/classifier/onnx) or pure Go
// (pkg/classifier/gonnx), or a vision language model (pkg/grading).
//
// Basic usage:
//
//	model, err := onnx.New(ctx, classifier.Config{ModelPath: "dr.onnx"}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer model.Close()
//
//	grader := retinagrader.New(model)
//	img, err := grader.LoadImage(ctx, "fundus.jpg")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	prediction, err := grader.Predict(ctx, img, true, true, 10)
//	if err != nil {
//		log.Fatal(types.StatusMessage(err))
//	}
//	fmt.Println(prediction.Status())
//
// Every prediction keeps the six intermediate images (Original, Cropped,
// Squared, Enhanced, Resized, Final) for display or debugging.
package retinagrader

import (
	"context"
	"image"
	"time"

	"github.com/menta2k/retina-grader/pkg/inference"
	"github.com/menta2k/retina-grader/pkg/pipeline"
	"github.com/menta2k/retina-grader/pkg/processing"
	"github.com/menta2k/retina-grader/pkg/types"
)

// Version of the retina grader library
const Version = "1.0.0"

// Grader provides a high-level interface over the grading pipeline
type Grader struct {
	pipeline  *pipeline.Pipeline
	processor *processing.Processor
}

// New creates a Grader around classifier. A nil classifier is allowed;
// Predict then fails with ModelUnavailable while Preprocess still works.
func New(classifier inference.Classifier, opts ...pipeline.Option) *Grader {
	return &Grader{
		pipeline:  pipeline.New(classifier, opts...),
		processor: processing.NewProcessor(),
	}
}

// Ready reports whether a classifier is attached
func (g *Grader) Ready() bool {
	return g.pipeline.Ready()
}

// Pipeline exposes the underlying pipeline
func (g *Grader) Pipeline() *pipeline.Pipeline {
	return g.pipeline
}

// LoadImage loads an image from a path, an HTTP(S) URL or an s3:// URL
func (g *Grader) LoadImage(ctx context.Context, source string) (image.Image, error) {
	return g.processor.LoadImageSmart(ctx, source)
}

// Predict grades img. sigma must be 10 or 20 even when sharpen is false.
func (g *Grader) Predict(ctx context.Context, img image.Image, contrast, sharpen bool, sigma int) (*Prediction, error) {
	cfg, err := types.NewPipelineConfig(contrast, sharpen, sigma)
	if err != nil {
		return nil, types.NewStageError(pipeline.StageConfig, "", err)
	}
	return g.PredictWithConfig(ctx, img, cfg)
}

// PredictWithConfig grades img under cfg
func (g *Grader) PredictWithConfig(ctx context.Context, img image.Image, cfg types.PipelineConfig) (*Prediction, error) {
	result, err := g.pipeline.Predict(ctx, img, cfg)
	if err != nil {
		return nil, err
	}
	return &Prediction{result: result}, nil
}

// GradeFile loads source and grades it under cfg
func (g *Grader) GradeFile(ctx context.Context, source string, cfg types.PipelineConfig) (*Prediction, error) {
	img, err := g.LoadImage(ctx, source)
	if err != nil {
		return nil, types.NewStageError(pipeline.StageCapture, "", err)
	}
	return g.PredictWithConfig(ctx, img, cfg)
}

// Prediction is a finished grading with its intermediates
type Prediction struct {
	result *pipeline.Result
}

// Result returns label, confidence and class probabilities
func (p *Prediction) Result() types.PredictionResult {
	return p.result.Prediction
}

// RequestID identifies the run in logs
func (p *Prediction) RequestID() string {
	return p.result.RequestID
}

// Status is the user-facing summary line
func (p *Prediction) Status() string {
	return types.PredictionStatus(p.result.Prediction)
}

// Duration is the wall time of the run
func (p *Prediction) Duration() time.Duration {
	return p.result.Duration
}

// Tensor is the classifier input
func (p *Prediction) Tensor() *types.Tensor {
	return p.result.Tensor
}

func (p *Prediction) Original() *image.NRGBA { return p.result.Intermediates.Original }
func (p *Prediction) Cropped() *image.NRGBA  { return p.result.Intermediates.Cropped }
func (p *Prediction) Squared() *image.NRGBA  { return p.result.Intermediates.Squared }
func (p *Prediction) Enhanced() *image.NRGBA { return p.result.Intermediates.Enhanced }
func (p *Prediction) Resized() *image.NRGBA  { return p.result.Intermediates.Resized }
func (p *Prediction) Final() *image.NRGBA    { return p.result.Intermediates.Final }

// Snapshots returns the intermediates in pipeline order, named after their
// stage
func (p *Prediction) Snapshots() []processing.Tile {
	tiles := make([]processing.Tile, pipeline.SnapshotCount)
	for i := range tiles {
		s := pipeline.Snapshot(i)
		tiles[i] = processing.Tile{Name: s.String(), Image: p.result.Intermediates.Get(s)}
	}
	return tiles
}

// SaveSnapshots writes the intermediates to dir as 000_original.png and so on
func (p *Prediction) SaveSnapshots(dir, format string, quality int) ([]string, error) {
	return processing.NewProcessor().SaveSnapshots(dir, p.Snapshots(), format, quality)
}

// ContactSheet renders all intermediates on one image captioned with Status
func (p *Prediction) ContactSheet(tileSize int) *image.NRGBA {
	return processing.NewProcessor().ContactSheet(p.Snapshots(), tileSize, p.Status())
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
