// Package analyzer validates incoming photographs and takes the private copy
// the rest of the pipeline works on.
package analyzer

import (
	"fmt"
	"image"
	"reflect"

	"github.com/disintegration/imaging"

	"github.com/menta2k/retina-grader/pkg/types"
)

// ImageAnalyzer validates and captures fundus photographs
type ImageAnalyzer struct {
	config Config
}

// Config holds configuration for the image analyzer
type Config struct {
	// MinImageSize is the smallest accepted width and height
	MinImageSize int
}

// New creates a new ImageAnalyzer that accepts any non-empty image
func New() *ImageAnalyzer {
	return &ImageAnalyzer{
		config: Config{
			MinImageSize: 1,
		},
	}
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	return &ImageAnalyzer{config: config}
}

// GetImageInfo returns basic information about an image
func (a *ImageAnalyzer) GetImageInfo(img image.Image) ImageInfo {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	info := ImageInfo{
		Width:  width,
		Height: height,
		Area:   width * height,
	}
	if height > 0 {
		info.AspectRatio = float64(width) / float64(height)
	}
	return info
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspect_ratio"`
	Area        int     `json:"area"`
}

// ValidateImage checks that an image has a usable, non-empty area
func (a *ImageAnalyzer) ValidateImage(img image.Image) error {
	if isNil(img) {
		return fmt.Errorf("%w: nil image", types.ErrInvalidImage)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return fmt.Errorf("%w: zero-area image %dx%d", types.ErrInvalidImage, bounds.Dx(), bounds.Dy())
	}
	if bounds.Dx() < a.config.MinImageSize || bounds.Dy() < a.config.MinImageSize {
		return fmt.Errorf("%w: image too small: %dx%d (minimum: %d)",
			types.ErrInvalidImage, bounds.Dx(), bounds.Dy(), a.config.MinImageSize)
	}
	return nil
}

// isNil also catches a nil pointer wrapped in the interface, such as a
// zero *image.NRGBA, whose Bounds would panic.
func isNil(img image.Image) bool {
	if img == nil {
		return true
	}
	v := reflect.ValueOf(img)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// Capture validates img and returns an owned NRGBA copy anchored at (0,0).
// Later stages never see the caller's buffer.
func (a *ImageAnalyzer) Capture(img image.Image) (*image.NRGBA, error) {
	if err := a.ValidateImage(img); err != nil {
		return nil, err
	}
	return imaging.Clone(img), nil
}

// Capture is the package level shortcut using default settings
func Capture(img image.Image) (*image.NRGBA, error) {
	return New().Capture(img)
}
