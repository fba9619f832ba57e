// Package pipeline chains the preprocessing stages and the classifier into a
// single fail-fast prediction.
package pipeline

import (
	"context"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/menta2k/retina-grader/internal/logging"
	"github.com/menta2k/retina-grader/pkg/analyzer"
	"github.com/menta2k/retina-grader/pkg/cropper"
	"github.com/menta2k/retina-grader/pkg/enhance"
	"github.com/menta2k/retina-grader/pkg/inference"
	"github.com/menta2k/retina-grader/pkg/normalize"
	"github.com/menta2k/retina-grader/pkg/resize"
	"github.com/menta2k/retina-grader/pkg/types"
)

// Fixed geometry of the preprocessing chain
const (
	ResizeSize = 280
	CropSize   = types.InputWidth
)

// Result is the outcome of a successful prediction
type Result struct {
	RequestID     string
	Prediction    types.PredictionResult
	Intermediates Intermediates
	Tensor        *types.Tensor
	State         State
	Duration      time.Duration
}

// Pipeline runs crop, pad, enhance, resize, centre crop, normalise and
// classify in that order. It holds no per-request state and is safe for
// concurrent use.
type Pipeline struct {
	analyzer   *analyzer.ImageAnalyzer
	cropper    *cropper.GrayBoundsCropper
	enhancer   enhance.Enhancer
	resizer    *resize.Resizer
	normalizer *normalize.Normalizer
	adapter    *inference.Adapter
	observer   Observer
	logger     *zap.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithObserver sets a default observer for every Predict call
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithAnalyzer replaces the input validator
func WithAnalyzer(a *analyzer.ImageAnalyzer) Option {
	return func(p *Pipeline) { p.analyzer = a }
}

// WithCropper replaces the background cropper
func WithCropper(c *cropper.GrayBoundsCropper) Option {
	return func(p *Pipeline) { p.cropper = c }
}

// WithEnhancer replaces the photometric enhancer
func WithEnhancer(e enhance.Enhancer) Option {
	return func(p *Pipeline) { p.enhancer = e }
}

// WithResizer replaces the resizer
func WithResizer(r *resize.Resizer) Option {
	return func(p *Pipeline) { p.resizer = r }
}

// WithNormalizer replaces the normalizer
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(p *Pipeline) { p.normalizer = n }
}

// New creates a Pipeline around classifier. A nil classifier is accepted;
// predictions then fail with ModelUnavailable after preprocessing.
func New(classifier inference.Classifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		analyzer:   analyzer.New(),
		cropper:    cropper.New(),
		enhancer:   enhance.NewNative(enhance.DefaultParams()),
		resizer:    resize.New(resize.Linear),
		normalizer: normalize.New(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.adapter = inference.NewAdapter(classifier, p.logger)
	return p
}

// Ready reports whether a classifier is attached
func (p *Pipeline) Ready() bool {
	return p.adapter.Ready()
}

type requestIDKey struct{}

// ContextWithRequestID makes Predict use id instead of generating one
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id set by ContextWithRequestID
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// Predict classifies img under cfg using the pipeline's default observer
func (p *Pipeline) Predict(ctx context.Context, img image.Image, cfg types.PipelineConfig) (*Result, error) {
	return p.PredictWithObserver(ctx, img, cfg, p.observer)
}

// PredictWithObserver classifies img and reports progress to obs, which may
// be nil. Errors are *types.StageError values.
func (p *Pipeline) PredictWithObserver(ctx context.Context, img image.Image, cfg types.PipelineConfig, obs Observer) (*Result, error) {
	r := p.newRun(ctx, obs)
	start := time.Now()

	if err := cfg.Validate(); err != nil {
		return nil, r.fail(StageConfig, err)
	}

	if err := p.preprocess(ctx, r, img, cfg); err != nil {
		return nil, err
	}

	r.transition(Normalizing)
	tensor, err := p.normalizer.Normalize(r.images.Final)
	if err != nil {
		return nil, r.fail(StageNormalize, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, r.fail(StageNormalize, err)
	}

	r.transition(Inferring)
	prediction, err := p.adapter.Infer(ctx, tensor)
	if err != nil {
		return nil, r.fail(StageInfer, err)
	}

	r.transition(Done)
	elapsed := time.Since(start)
	r.logger.Info("prediction complete",
		zap.String("label", prediction.Label),
		zap.Float32("confidence", prediction.Confidence),
		zap.Duration("duration", elapsed),
	)

	return &Result{
		RequestID:     r.id,
		Prediction:    prediction,
		Intermediates: r.images,
		Tensor:        tensor,
		State:         r.state,
		Duration:      elapsed,
	}, nil
}

// Preprocess runs the image stages only and returns every intermediate. It
// does not require a classifier.
func (p *Pipeline) Preprocess(ctx context.Context, img image.Image, cfg types.PipelineConfig) (*Intermediates, error) {
	r := p.newRun(ctx, nil)
	if err := cfg.Validate(); err != nil {
		return nil, r.fail(StageConfig, err)
	}
	if err := p.preprocess(ctx, r, img, cfg); err != nil {
		return nil, err
	}
	return &r.images, nil
}

func (p *Pipeline) preprocess(ctx context.Context, r *run, img image.Image, cfg types.PipelineConfig) error {
	r.transition(Preprocessing)

	original, err := p.analyzer.Capture(img)
	if err != nil {
		return r.fail(StageCapture, err)
	}
	info := p.analyzer.GetImageInfo(original)
	r.logger.Debug("input image",
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Float64("aspect_ratio", info.AspectRatio),
	)
	r.record(Original, original)

	crop := p.cropper.Crop(original)
	if crop.Degenerate {
		r.logger.Debug("no foreground bounding box, keeping full image",
			zap.Stringer("kind", types.KindDegenerateCrop))
	}
	r.record(Cropped, crop.Image)
	if err := ctx.Err(); err != nil {
		return r.fail(StageCrop, err)
	}

	squared, err := cropper.PadToSquare(crop.Image)
	if err != nil {
		return r.fail(StagePad, err)
	}
	r.record(Squared, squared)

	enhanced, err := p.enhancer.Enhance(squared, cfg)
	if err != nil {
		return r.fail(StageEnhance, err)
	}
	r.record(Enhanced, enhanced)
	if err := ctx.Err(); err != nil {
		return r.fail(StageEnhance, err)
	}

	resized, err := p.resizer.Resize(enhanced, ResizeSize, ResizeSize)
	if err != nil {
		return r.fail(StageResize, err)
	}
	r.record(Resized, resized)

	final, err := cropper.CenterCrop(resized, CropSize, CropSize)
	if err != nil {
		return r.fail(StageCenterCrop, err)
	}
	r.record(Final, final)

	return nil
}

// run tracks a single prediction
type run struct {
	id       string
	state    State
	images   Intermediates
	observer Observer
	logger   *zap.Logger
}

func (p *Pipeline) newRun(ctx context.Context, obs Observer) *run {
	id, ok := RequestIDFromContext(ctx)
	if !ok {
		id = uuid.NewString()
	}
	return &run{
		id:       id,
		state:    Idle,
		observer: obs,
		logger:   logging.WithOperation(p.logger, "pipeline.predict", id),
	}
}

func (r *run) transition(to State) {
	from := r.state
	r.state = to
	r.logger.Debug("state change", zap.Stringer("from", from), zap.Stringer("to", to))
	if r.observer != nil {
		r.observer.OnStateChange(r.id, from, to)
	}
}

func (r *run) record(s Snapshot, img *image.NRGBA) {
	r.images.set(s, img)
	b := img.Bounds()
	r.logger.Debug("stage output",
		zap.Stringer("snapshot", s),
		zap.Int("width", b.Dx()),
		zap.Int("height", b.Dy()),
	)
	if r.observer != nil {
		r.observer.OnSnapshot(r.id, s, img)
	}
}

func (r *run) fail(stage string, err error) error {
	wrapped := types.NewStageError(stage, r.id, err)
	r.transition(Failed)
	r.logger.Warn("prediction failed",
		zap.String("stage", stage),
		zap.Stringer("kind", types.KindOf(err)),
		zap.Error(err),
	)
	return wrapped
}
