// Package normalize converts the final 224x224 crop into the classifier's
// input tensor and back.
package normalize

import (
	"fmt"
	"image"
	"math"

	"github.com/menta2k/retina-grader/pkg/types"
)

// Per-channel statistics of the training set, in R, G, B order
var (
	DefaultMean = [types.Channels]float32{0.4925, 0.4914, 0.4886}
	DefaultStd  = [types.Channels]float32{0.1610, 0.1615, 0.1243}
)

// Normalizer scales pixels to [0,1] and standardises each channel
type Normalizer struct {
	mean   [types.Channels]float32
	std    [types.Channels]float32
	width  int
	height int
}

// New creates a Normalizer for the classifier input geometry
func New() *Normalizer {
	return NewWithStats(DefaultMean, DefaultStd)
}

// NewWithStats creates a Normalizer with custom channel statistics
func NewWithStats(mean, std [types.Channels]float32) *Normalizer {
	return &Normalizer{
		mean:   mean,
		std:    std,
		width:  types.InputWidth,
		height: types.InputHeight,
	}
}

// Mean returns the channel means
func (n *Normalizer) Mean() [types.Channels]float32 { return n.mean }

// Std returns the channel standard deviations
func (n *Normalizer) Std() [types.Channels]float32 { return n.std }

// Normalize de-interleaves img into an NCHW tensor with
// (v/255 - mean[c]) / std[c]. Alpha is ignored.
func (n *Normalizer) Normalize(img *image.NRGBA) (*types.Tensor, error) {
	b := img.Bounds()
	if b.Dx() != n.width || b.Dy() != n.height {
		return nil, fmt.Errorf("%w: expected %dx%d input, got %dx%d",
			types.ErrTensorConversionFailure, n.width, n.height, b.Dx(), b.Dy())
	}
	for c, s := range n.std {
		if s == 0 {
			return nil, fmt.Errorf("%w: zero std for channel %d", types.ErrTensorConversionFailure, c)
		}
	}

	t := types.NewTensor(types.Channels, n.height, n.width)
	plane := n.width * n.height

	for y := 0; y < n.height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+n.width*4]
		for x := 0; x < n.width; x++ {
			off := y*n.width + x
			for c := 0; c < types.Channels; c++ {
				v := float32(row[x*4+c]) / 255
				t.Data[c*plane+off] = (v - n.mean[c]) / n.std[c]
			}
		}
	}

	return t, nil
}

// Denormalize inverts Normalize, producing an opaque image
func (n *Normalizer) Denormalize(t *types.Tensor) (*image.NRGBA, error) {
	if err := t.CheckLayout(); err != nil {
		return nil, err
	}

	height, width := t.Shape[2], t.Shape[3]
	plane := width * height
	img := image.NewNRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			off := y*width + x
			for c := 0; c < types.Channels; c++ {
				v := (t.Data[c*plane+off]*n.std[c] + n.mean[c]) * 255
				row[x*4+c] = toByte(v)
			}
			row[x*4+3] = 255
		}
	}

	return img, nil
}

func toByte(v float32) uint8 {
	r := math.Round(float64(v))
	if r <= 0 || math.IsNaN(r) {
		return 0
	}
	if r >= 255 {
		return 255
	}
	return uint8(r)
}

// Normalize converts img using the default statistics
func Normalize(img *image.NRGBA) (*types.Tensor, error) {
	return New().Normalize(img)
}

// Denormalize converts t back using the default statistics
func Denormalize(t *types.Tensor) (*image.NRGBA, error) {
	return New().Denormalize(t)
}
