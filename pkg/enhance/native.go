package enhance

import (
	"fmt"
	"image"
	"sync"

	"github.com/menta2k/retina-grader/pkg/types"
)

// NativeEnhancer is the pure Go Enhancer
type NativeEnhancer struct {
	params Params
	clahe  *CLAHE
}

// NewNative creates a NativeEnhancer. Params are assumed valid.
func NewNative(p Params) *NativeEnhancer {
	return &NativeEnhancer{
		params: p,
		clahe:  NewCLAHE(p.ClipLimit, p.TileGridSize),
	}
}

// Params returns the enhancer settings
func (e *NativeEnhancer) Params() Params {
	return e.params
}

// Enhance flattens img onto black, then applies CLAHE and the Graham filter
// as enabled in cfg.
func (e *NativeEnhancer) Enhance(img *image.NRGBA, cfg types.PipelineConfig) (*image.NRGBA, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: cannot enhance zero-area image", types.ErrInvalidImage)
	}

	out := Flatten(img)

	if cfg.EnhanceContrast {
		switch e.params.ContrastSpace {
		case PerChannel:
			out = e.equalizeChannels(out)
		default:
			out = e.equalizeLightness(out)
		}
	}

	if cfg.Sharpen {
		out = Graham(out, float64(cfg.SharpenSigma))
	}

	return out, nil
}

// equalizeLightness runs CLAHE on the L channel of the 8-bit Lab encoding
func (e *NativeEnhancer) equalizeLightness(img *image.NRGBA) *image.NRGBA {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	n := width * height
	l := make([]uint8, n)
	a := make([]uint8, n)
	bb := make([]uint8, n)

	parallelRows(height, func(start, end int) {
		for y := start; y < end; y++ {
			row := img.Pix[y*img.Stride:]
			for x := 0; x < width; x++ {
				i := y*width + x
				l[i], a[i], bb[i] = rgbToLab8(row[x*4], row[x*4+1], row[x*4+2])
			}
		}
	})

	l = e.clahe.Apply(l, width, height)

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	parallelRows(height, func(start, end int) {
		for y := start; y < end; y++ {
			row := out.Pix[y*out.Stride:]
			for x := 0; x < width; x++ {
				i := y*width + x
				row[x*4], row[x*4+1], row[x*4+2] = lab8ToRGB(l[i], a[i], bb[i])
				row[x*4+3] = 255
			}
		}
	})
	return out
}

// equalizeChannels runs CLAHE on R, G and B independently
func (e *NativeEnhancer) equalizeChannels(img *image.NRGBA) *image.NRGBA {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()

	var planes [3][]uint8
	for c := range planes {
		planes[c] = make([]uint8, width*height)
	}
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			for c := 0; c < 3; c++ {
				planes[c][y*width+x] = row[x*4+c]
			}
		}
	}

	var wg sync.WaitGroup
	for c := range planes {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			planes[c] = e.clahe.Apply(planes[c], width, height)
		}(c)
	}
	wg.Wait()

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		row := out.Pix[y*out.Stride:]
		for x := 0; x < width; x++ {
			for c := 0; c < 3; c++ {
				row[x*4+c] = planes[c][y*width+x]
			}
			row[x*4+3] = 255
		}
	}
	return out
}
