package cropper

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/menta2k/retina-grader/pkg/types"
)

// CenterCrop cuts a width x height window out of the middle of img. The
// window origin is ((W-width)/2, (H-height)/2) with integer division.
func CenterCrop(img *image.NRGBA, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid crop size %dx%d", types.ErrResizeFailure, width, height)
	}

	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if width > srcW || height > srcH {
		return nil, fmt.Errorf("%w: %dx%d from %dx%d", types.ErrCropSizeExceedsImage, width, height, srcW, srcH)
	}

	x0 := bounds.Min.X + (srcW-width)/2
	y0 := bounds.Min.Y + (srcH-height)/2

	return imaging.Crop(img, image.Rect(x0, y0, x0+width, y0+height)), nil
}
