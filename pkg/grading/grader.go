package grading

import (
	"context"
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/menta2k/retina-grader/pkg/client"
	"github.com/menta2k/retina-grader/pkg/inference"
	"github.com/menta2k/retina-grader/pkg/normalize"
	"github.com/menta2k/retina-grader/pkg/processing"
	"github.com/menta2k/retina-grader/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProbePrompt checks whether the model can see images at all
const ProbePrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks for one probability per severity grade
const DefaultPrompt = `You are grading diabetic retinopathy on a preprocessed color fundus photograph.

Return JSON only:
{
  "healthy": 0.0,
  "mild": 0.0,
  "moderate": 0.0,
  "severe": 0.0,
  "proliferative": 0.0
}

RULES
- Each value is your probability for that grade, between 0 and 1.
- Values must sum to 1.
- Grades follow the international clinical DR scale: healthy (no DR), mild NPDR, moderate NPDR, severe NPDR, proliferative DR.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// minProbability keeps the log of a zero score finite
const minProbability = 1e-6

// gradeKeys maps answer keys to class indices
var gradeKeys = map[string]int{
	"healthy":          0,
	"no_dr":            0,
	"none":             0,
	"normal":           0,
	"mild":             1,
	"mild_npdr":        1,
	"moderate":         2,
	"moderate_npdr":    2,
	"severe":           3,
	"severe_npdr":      3,
	"proliferative":    4,
	"proliferative_dr": 4,
	"pdr":              4,
}

// Grader asks a vision language model to grade the classifier input. It
// implements inference.Classifier so the pipeline treats it like any other
// backend.
type Grader struct {
	client     client.VisionClient
	model      string
	prompt     string
	normalizer *normalize.Normalizer
	processor  *processing.Processor
	logger     *zap.Logger
}

var _ inference.Classifier = (*Grader)(nil)

// Option configures a Grader
type Option func(*Grader)

// WithPrompt replaces DefaultPrompt
func WithPrompt(prompt string) Option {
	return func(g *Grader) { g.prompt = prompt }
}

// WithNormalizer sets the statistics used to turn the tensor back into pixels
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(g *Grader) { g.normalizer = n }
}

// NewGrader creates a grader for model served behind c
func NewGrader(c client.VisionClient, model string, logger *zap.Logger, opts ...Option) *Grader {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Grader{
		client:     c,
		model:      model,
		prompt:     DefaultPrompt,
		normalizer: normalize.New(),
		processor:  processing.NewProcessor(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Classify rebuilds the 224x224 image from input, sends it to the model and
// converts the answered probabilities into logits.
func (g *Grader) Classify(ctx context.Context, input *types.Tensor) ([]float32, error) {
	if g.client == nil {
		return nil, fmt.Errorf("%w: no vision client", types.ErrModelUnavailable)
	}

	img, err := g.normalizer.Denormalize(input)
	if err != nil {
		return nil, err
	}
	imgB64, err := g.encode(img)
	if err != nil {
		return nil, err
	}

	answer, err := g.client.Query(ctx, g.model, g.prompt, imgB64)
	if err != nil {
		return nil, err
	}
	g.logger.Debug("vision model answered", zap.String("model", g.model), zap.String("answer", answer))

	probs, err := ParseScores(answer)
	if err != nil {
		return nil, err
	}
	return Logits(probs), nil
}

// Probe sends ProbePrompt with img and returns the free text answer
func (g *Grader) Probe(ctx context.Context, img image.Image) (string, error) {
	imgB64, err := g.encode(img)
	if err != nil {
		return "", err
	}
	return g.client.Query(ctx, g.model, ProbePrompt, imgB64)
}

// ParseScores extracts one probability per grade from a model answer. Per
// grade scores win over a single "grade" field. The result sums to 1.
func ParseScores(raw string) ([types.NumClasses]float64, error) {
	var probs [types.NumClasses]float64

	cleaned := client.SanitizeModelJSON(raw)
	if !strings.HasPrefix(cleaned, "{") {
		return probs, fmt.Errorf("model returned non-JSON response: %q", truncate(raw, 80))
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return probs, fmt.Errorf("failed to parse model response: %v", err)
	}

	found := false
	for key, value := range fields {
		idx, ok := gradeKeys[normalizeKey(key)]
		if !ok {
			continue
		}
		v, ok := toFloat(value)
		if !ok || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return probs, fmt.Errorf("invalid score for %q: %v", key, value)
		}
		probs[idx] += v
		found = true
	}

	if !found {
		grade, ok := parseGrade(fields["grade"])
		if !ok {
			return probs, fmt.Errorf("model response has no grade scores")
		}
		probs[grade] = 1
		return probs, nil
	}

	var sum float64
	for _, p := range probs {
		sum += p
	}
	if sum <= 0 {
		return probs, fmt.Errorf("model response scores sum to zero")
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs, nil
}

// Logits returns log(max(p, 1e-6)) per class. Softmax of the result gives
// back probs up to the floor.
func Logits(probs [types.NumClasses]float64) []float32 {
	logits := make([]float32, len(probs))
	for i, p := range probs {
		logits[i] = float32(math.Log(math.Max(p, minProbability)))
	}
	return logits
}

func parseGrade(v interface{}) (int, bool) {
	switch g := v.(type) {
	case float64:
		if g == math.Trunc(g) && g >= 0 && int(g) < types.NumClasses {
			return int(g), true
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(g)); err == nil && n >= 0 && n < types.NumClasses {
			return n, true
		}
		if idx, ok := gradeKeys[normalizeKey(g)]; ok {
			return idx, true
		}
		for i, label := range types.ClassLabels {
			if strings.EqualFold(label, strings.TrimSpace(g)) {
				return i, true
			}
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		s := strings.TrimSpace(n)
		percent := strings.HasSuffix(s, "%")
		f, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return 0, false
		}
		if percent {
			f /= 100
		}
		return f, true
	}
	return 0, false
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	return key
}

// encode sends the image lossless and at full size; the classifier input is
// already 224x224.
func (g *Grader) encode(img image.Image) (string, error) {
	return g.processor.PrepareImageForModel(img, "png", 0, 0)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
