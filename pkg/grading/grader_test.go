package grading

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/retina-grader/pkg/inference"
	"github.com/menta2k/retina-grader/pkg/normalize"
	"github.com/menta2k/retina-grader/pkg/types"
)

type stubClient struct {
	answer string
	err    error

	model  string
	prompt string
	image  string
}

func (s *stubClient) Query(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	s.model, s.prompt, s.image = model, prompt, imgB64
	return s.answer, s.err
}

func testTensor(t *testing.T) *types.Tensor {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, types.InputWidth, types.InputHeight))
	for y := 0; y < types.InputHeight; y++ {
		for x := 0; x < types.InputWidth; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x), uint8(y), 100, 255})
		}
	}
	tensor, err := normalize.Normalize(img)
	require.NoError(t, err)
	return tensor
}

func TestParseScores(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want [types.NumClasses]float64
	}{
		{
			name: "all keys",
			raw:  `{"healthy":0.1,"mild":0.2,"moderate":0.4,"severe":0.2,"proliferative":0.1}`,
			want: [types.NumClasses]float64{0.1, 0.2, 0.4, 0.2, 0.1},
		},
		{
			name: "unnormalized and fenced",
			raw:  "```json\n{\"Healthy\": 2, \"Mild\": 2,}\n```",
			want: [types.NumClasses]float64{0.5, 0.5, 0, 0, 0},
		},
		{
			name: "percent strings",
			raw:  `{"no dr": "75%", "PDR": "25%"}`,
			want: [types.NumClasses]float64{0.75, 0, 0, 0, 0.25},
		},
		{
			name: "grade number",
			raw:  `{"grade": 3, "reason": "many hemorrhages"}`,
			want: [types.NumClasses]float64{0, 0, 0, 1, 0},
		},
		{
			name: "grade label",
			raw:  `{"grade": "Moderate DR"}`,
			want: [types.NumClasses]float64{0, 0, 1, 0, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseScores(tt.raw)
			require.NoError(t, err)
			for i := range tt.want {
				assert.InDelta(t, tt.want[i], got[i], 1e-9, "class %d", i)
			}
		})
	}
}

func TestParseScoresErrors(t *testing.T) {
	for _, raw := range []string{
		"The image shows moderate retinopathy.",
		`{"healthy": 0, "mild": 0}`,
		`{"healthy": -1}`,
		`{"grade": 7}`,
		`{"description": "blurry"}`,
		`{"healthy": 0.5`,
	} {
		_, err := ParseScores(raw)
		assert.Error(t, err, raw)
	}
}

func TestLogitsRoundTrip(t *testing.T) {
	probs := [types.NumClasses]float64{0.05, 0.1, 0.6, 0.2, 0.05}
	logits := Logits(probs)

	values := make([]float64, len(logits))
	for i, v := range logits {
		values[i] = float64(v)
	}
	back := inference.Softmax(values)
	for i := range probs {
		assert.InDelta(t, probs[i], back[i], 1e-5)
	}

	floor := Logits([types.NumClasses]float64{1, 0, 0, 0, 0})
	assert.InDelta(t, math.Log(minProbability), float64(floor[1]), 1e-3)
	assert.False(t, math.IsInf(float64(floor[4]), 0))
}

func TestGraderClassify(t *testing.T) {
	stub := &stubClient{answer: `{"healthy":0.05,"mild":0.05,"moderate":0.1,"severe":0.7,"proliferative":0.1}`}
	g := NewGrader(stub, "llava:13b", nil)

	adapter := inference.NewAdapter(g, nil)
	result, err := adapter.Infer(context.Background(), testTensor(t))
	require.NoError(t, err)

	assert.Equal(t, "Severe DR", result.Label)
	assert.Equal(t, 3, result.ClassIndex)
	assert.InDelta(t, 0.7, result.Confidence, 1e-4)

	assert.Equal(t, "llava:13b", stub.model)
	assert.Equal(t, DefaultPrompt, stub.prompt)

	raw, err := base64.StdEncoding.DecodeString(stub.image)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, types.InputWidth, types.InputHeight), img.Bounds())
}

func TestGraderSendsFullSizePNG(t *testing.T) {
	stub := &stubClient{answer: "a fundus photograph"}
	g := NewGrader(stub, "m", nil)

	src := image.NewNRGBA(image.Rect(0, 0, 400, 300))
	for i := range src.Pix {
		src.Pix[i] = uint8(i % 251)
	}
	_, err := g.Probe(context.Background(), src)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(stub.image)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), img.Bounds())
	decoded, ok := img.(*image.NRGBA)
	require.True(t, ok, "got %T", img)
	assert.Equal(t, src.Pix, decoded.Pix)
}

func TestGraderErrorsBecomeInferenceFailures(t *testing.T) {
	adapter := inference.NewAdapter(NewGrader(&stubClient{answer: "I am not sure."}, "m", nil), nil)
	_, err := adapter.Infer(context.Background(), testTensor(t))
	assert.True(t, errors.Is(err, types.ErrInferenceFailure), "got %v", err)

	adapter = inference.NewAdapter(NewGrader(&stubClient{err: errors.New("connection refused")}, "m", nil), nil)
	_, err = adapter.Infer(context.Background(), testTensor(t))
	assert.True(t, errors.Is(err, types.ErrInferenceFailure), "got %v", err)

	adapter = inference.NewAdapter(NewGrader(nil, "m", nil), nil)
	_, err = adapter.Infer(context.Background(), testTensor(t))
	assert.True(t, errors.Is(err, types.ErrModelUnavailable), "got %v", err)
}

func TestGraderOptions(t *testing.T) {
	stub := &stubClient{answer: `{"grade": 0}`}
	g := NewGrader(stub, "m", nil, WithPrompt("custom"), WithNormalizer(normalize.New()))

	logits, err := g.Classify(context.Background(), testTensor(t))
	require.NoError(t, err)
	assert.Len(t, logits, types.NumClasses)
	assert.Equal(t, "custom", stub.prompt)

	stub.answer = "a retina"
	text, err := g.Probe(context.Background(), image.NewNRGBA(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)
	assert.Equal(t, "a retina", text)
	assert.Equal(t, ProbePrompt, stub.prompt)
}
