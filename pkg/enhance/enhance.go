// Package enhance implements the photometric stage of the fundus pipeline:
// local contrast equalisation followed by Graham-style sharpening.
package enhance

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"
	"strings"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/menta2k/retina-grader/pkg/types"
)

// ContrastSpace selects which representation CLAHE is applied to
type ContrastSpace int

const (
	// LabLightness equalises the L channel of the 8-bit Lab encoding
	LabLightness ContrastSpace = iota
	// PerChannel equalises R, G and B independently
	PerChannel
)

func (s ContrastSpace) String() string {
	switch s {
	case LabLightness:
		return "lab"
	case PerChannel:
		return "rgb"
	default:
		return fmt.Sprintf("space(%d)", int(s))
	}
}

// ParseContrastSpace accepts "lab", "rgb" or "per-channel"
func ParseContrastSpace(name string) (ContrastSpace, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "lab":
		return LabLightness, nil
	case "rgb", "per-channel":
		return PerChannel, nil
	default:
		return LabLightness, fmt.Errorf("unknown contrast space: %s", name)
	}
}

// Backend selects the implementation behind an Enhancer
type Backend int

const (
	Native Backend = iota
	OpenCV
)

func (b Backend) String() string {
	switch b {
	case Native:
		return "native"
	case OpenCV:
		return "opencv"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// ParseBackend accepts "native" or "opencv"
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "native":
		return Native, nil
	case "opencv":
		return OpenCV, nil
	default:
		return Native, fmt.Errorf("unknown enhancer backend: %s", name)
	}
}

// Default enhancement constants
const (
	DefaultClipLimit    = 2.0
	DefaultTileGridSize = 8
)

// Graham weights: out = 4*orig - 4*blur + 128
const (
	grahamAlpha = 4.0
	grahamBeta  = -4.0
	grahamGamma = 128.0
)

// Params configures an Enhancer
type Params struct {
	ClipLimit     float64
	TileGridSize  int
	ContrastSpace ContrastSpace
	Backend       Backend
}

// DefaultParams returns the calibrated settings
func DefaultParams() Params {
	return Params{
		ClipLimit:     DefaultClipLimit,
		TileGridSize:  DefaultTileGridSize,
		ContrastSpace: LabLightness,
		Backend:       Native,
	}
}

// Validate checks the parameter ranges
func (p Params) Validate() error {
	if p.ClipLimit < 0 {
		return fmt.Errorf("clip limit must be non-negative, got %f", p.ClipLimit)
	}
	if p.TileGridSize < 1 {
		return fmt.Errorf("tile grid size must be positive, got %d", p.TileGridSize)
	}
	if p.ContrastSpace != LabLightness && p.ContrastSpace != PerChannel {
		return fmt.Errorf("unknown contrast space %s", p.ContrastSpace)
	}
	return nil
}

// Enhancer applies contrast equalisation and sharpening according to a
// PipelineConfig. The output is always opaque and never aliases the input.
type Enhancer interface {
	Enhance(img *image.NRGBA, cfg types.PipelineConfig) (*image.NRGBA, error)
}

// New builds the Enhancer selected by p.Backend
func New(p Params) (Enhancer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.Backend {
	case Native:
		return NewNative(p), nil
	case OpenCV:
		return newOpenCV(p)
	default:
		return nil, fmt.Errorf("unknown enhancer backend %s", p.Backend)
	}
}

// Flatten composites img over opaque black. Transparent padding becomes
// black and partially transparent pixels are darkened by their alpha.
func Flatten(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.NRGBA{0, 0, 0, 255})
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// parallelRows splits [0,n) into contiguous chunks and runs fn on each
func parallelRows(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := min(runtime.GOMAXPROCS(0), n)
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}

// saturate rounds half to even and clamps to [0,255]
func saturate(v float64) uint8 {
	r := math.RoundToEven(v)
	if r <= 0 {
		return 0
	}
	if r >= 255 {
		return 255
	}
	return uint8(r)
}
