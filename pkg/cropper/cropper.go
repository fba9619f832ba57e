package cropper

import (
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// DefaultTolerance is the luminance at or below which a pixel counts as background
const DefaultTolerance uint8 = 7

// Luminance weights (ITU-R BT.601)
const (
	lumaR = 0.299
	lumaG = 0.587
	lumaB = 0.114
)

// GrayBoundsCropper trims the dark background surrounding a fundus
type GrayBoundsCropper struct {
	config CropConfig
}

// CropConfig holds configuration for background cropping
type CropConfig struct {
	Tolerance uint8
}

// New creates a new GrayBoundsCropper with the default tolerance
func New() *GrayBoundsCropper {
	return &GrayBoundsCropper{
		config: CropConfig{
			Tolerance: DefaultTolerance,
		},
	}
}

// NewWithConfig creates a new GrayBoundsCropper with custom configuration
func NewWithConfig(config CropConfig) *GrayBoundsCropper {
	return &GrayBoundsCropper{config: config}
}

// Tolerance returns the configured background tolerance
func (c *GrayBoundsCropper) Tolerance() uint8 {
	return c.config.Tolerance
}

// CropResult contains the result of a cropping operation
type CropResult struct {
	Image  *image.NRGBA
	Region image.Rectangle
	// Degenerate is set when no usable bounding box was found and Image is
	// an unmodified copy of the input.
	Degenerate bool
}

// Crop returns the tight bounding box of all pixels brighter than the
// tolerance, corners inclusive. An all-dark image, or one whose box
// collapses to a line or a point, comes back unchanged.
func (c *GrayBoundsCropper) Crop(img *image.NRGBA) CropResult {
	region, ok := c.FindBounds(img)
	if !ok {
		return CropResult{
			Image:      imaging.Clone(img),
			Region:     img.Bounds(),
			Degenerate: true,
		}
	}

	return CropResult{
		Image:  imaging.Crop(img, region),
		Region: region,
	}
}

// FindBounds returns the half-open rectangle enclosing all foreground
// pixels. ok is false when the box is empty or degenerate.
func (c *GrayBoundsCropper) FindBounds(img *image.NRGBA) (region image.Rectangle, ok bool) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return image.Rectangle{}, false
	}

	tol := float32(c.config.Tolerance)
	workers := runtime.GOMAXPROCS(0)
	if workers > height {
		workers = height
	}
	rowsPerWorker := (height + workers - 1) / workers

	partial := make([]box, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		y0 := w * rowsPerWorker
		y1 := min(y0+rowsPerWorker, height)
		partial[w] = emptyBox(width, height)
		if y0 >= y1 {
			continue
		}
		wg.Add(1)
		go func(b *box, y0, y1 int) {
			defer wg.Done()
			for y := y0; y < y1; y++ {
				row := img.Pix[y*img.Stride : y*img.Stride+width*4]
				for x := 0; x < width; x++ {
					i := x * 4
					gray := lumaR*float32(row[i]) + lumaG*float32(row[i+1]) + lumaB*float32(row[i+2])
					if gray > tol {
						b.include(x, y)
					}
				}
			}
		}(&partial[w], y0, y1)
	}
	wg.Wait()

	total := emptyBox(width, height)
	for _, b := range partial {
		total.merge(b)
	}

	if total.minX >= total.maxX || total.minY >= total.maxY {
		return image.Rectangle{}, false
	}

	return image.Rect(
		bounds.Min.X+total.minX,
		bounds.Min.Y+total.minY,
		bounds.Min.X+total.maxX+1,
		bounds.Min.Y+total.maxY+1,
	), true
}

// box is an inclusive min/max accumulator
type box struct {
	minX, minY, maxX, maxY int
}

func emptyBox(width, height int) box {
	return box{minX: width, minY: height, maxX: 0, maxY: 0}
}

func (b *box) include(x, y int) {
	b.minX = min(b.minX, x)
	b.minY = min(b.minY, y)
	b.maxX = max(b.maxX, x)
	b.maxY = max(b.maxY, y)
}

func (b *box) merge(o box) {
	b.minX = min(b.minX, o.minX)
	b.minY = min(b.minY, o.minY)
	b.maxX = max(b.maxX, o.maxX)
	b.maxY = max(b.maxY, o.maxY)
}
