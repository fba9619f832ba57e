package types

import (
	"fmt"
)

// Input geometry expected by the classifier
const (
	Channels    = 3
	InputHeight = 224
	InputWidth  = 224
	NumClasses  = 5
)

// LayoutNCHW is the only tensor layout produced by this module. Data holds
// each channel plane in turn.
const LayoutNCHW = "NCHW"

// ClassLabels lists the severity grades in the order of the classifier output
var ClassLabels = [NumClasses]string{
	"Healthy",
	"Mild DR",
	"Moderate DR",
	"Severe DR",
	"Proliferative DR",
}

// SharpenSigma is the Gaussian sigma used by the Graham filter. Only the
// calibrated values Sigma10 and Sigma20 are valid.
type SharpenSigma int

const (
	Sigma10 SharpenSigma = 10
	Sigma20 SharpenSigma = 20
)

// Valid reports whether s is one of the calibrated sigmas
func (s SharpenSigma) Valid() bool {
	return s == Sigma10 || s == Sigma20
}

func (s SharpenSigma) String() string {
	return fmt.Sprintf("sigma%d", int(s))
}

// ParseSharpenSigma converts a raw integer into a SharpenSigma
func ParseSharpenSigma(v int) (SharpenSigma, error) {
	s := SharpenSigma(v)
	if !s.Valid() {
		return 0, fmt.Errorf("invalid sharpen sigma %d (allowed: 10, 20)", v)
	}
	return s, nil
}

// PipelineConfig holds the per-request enhancement toggles. It is passed by
// value and never modified once built.
type PipelineConfig struct {
	EnhanceContrast bool         `json:"enhance_contrast"`
	Sharpen         bool         `json:"sharpen"`
	SharpenSigma    SharpenSigma `json:"sharpen_sigma"`
}

// NewPipelineConfig builds a validated PipelineConfig
func NewPipelineConfig(contrast, sharpen bool, sigma int) (PipelineConfig, error) {
	s, err := ParseSharpenSigma(sigma)
	if err != nil {
		return PipelineConfig{}, err
	}
	return PipelineConfig{
		EnhanceContrast: contrast,
		Sharpen:         sharpen,
		SharpenSigma:    s,
	}, nil
}

// DefaultPipelineConfig enables both enhancement steps with sigma 10
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		EnhanceContrast: true,
		Sharpen:         true,
		SharpenSigma:    Sigma10,
	}
}

// Validate checks the sigma even when sharpening is disabled so that a
// config is either fully valid or rejected.
func (c PipelineConfig) Validate() error {
	if !c.SharpenSigma.Valid() {
		return fmt.Errorf("invalid sharpen sigma %d (allowed: 10, 20)", int(c.SharpenSigma))
	}
	return nil
}

// Key returns a stable short identifier, used for cache keys and file names
func (c PipelineConfig) Key() string {
	return fmt.Sprintf("c%d-s%d-%d", boolInt(c.EnhanceContrast), boolInt(c.Sharpen), int(c.SharpenSigma))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Tensor is a dense float32 tensor in NCHW layout
type Tensor struct {
	Shape [4]int
	Data  []float32
}

// NewTensor allocates a zeroed (1, channels, height, width) tensor
func NewTensor(channels, height, width int) *Tensor {
	return &Tensor{
		Shape: [4]int{1, channels, height, width},
		Data:  make([]float32, channels*height*width),
	}
}

// Index returns the flat offset of (c, y, x) in the first batch entry
func (t *Tensor) Index(c, y, x int) int {
	return (c*t.Shape[2]+y)*t.Shape[3] + x
}

// At returns the value at (c, y, x)
func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[t.Index(c, y, x)]
}

// Len returns the number of elements implied by Shape
func (t *Tensor) Len() int {
	return t.Shape[0] * t.Shape[1] * t.Shape[2] * t.Shape[3]
}

// CheckLayout fails with ErrTensorConversionFailure unless t holds a single
// RGB image in LayoutNCHW whose Data length matches Shape.
func (t *Tensor) CheckLayout() error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor", ErrTensorConversionFailure)
	}
	if t.Shape[0] != 1 || t.Shape[1] != Channels || t.Shape[2] <= 0 || t.Shape[3] <= 0 || t.Len() != len(t.Data) {
		return fmt.Errorf("%w: shape %v with %d values is not a 1x%d %s tensor",
			ErrTensorConversionFailure, t.Shape, len(t.Data), Channels, LayoutNCHW)
	}
	return nil
}

// Shape64 returns the shape as int64 values, as expected by runtime bindings
func (t *Tensor) Shape64() []int64 {
	return []int64{int64(t.Shape[0]), int64(t.Shape[1]), int64(t.Shape[2]), int64(t.Shape[3])}
}

// PredictionResult is the outcome of a single classification
type PredictionResult struct {
	Label         string    `json:"label"`
	ClassIndex    int       `json:"class_index"`
	Confidence    float32   `json:"confidence"`
	Probabilities []float32 `json:"probabilities"`
	Logits        []float32 `json:"logits,omitempty"`
}

// ProbabilityMap returns the probabilities keyed by label
func (r PredictionResult) ProbabilityMap() map[string]float32 {
	out := make(map[string]float32, len(r.Probabilities))
	for i, p := range r.Probabilities {
		if i < len(ClassLabels) {
			out[ClassLabels[i]] = p
		}
	}
	return out
}
