package cropper

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/menta2k/retina-grader/pkg/types"
)

// PadToSquare places img on a transparent black canvas whose side is the
// larger of its two dimensions. The offset uses floor division, so an odd
// difference leaves the extra pixel on the bottom or right edge.
func PadToSquare(img *image.NRGBA) (*image.NRGBA, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: cannot pad zero-area image %dx%d", types.ErrInvalidImage, width, height)
	}

	if width == height {
		return imaging.Clone(img), nil
	}

	side := max(width, height)
	canvas := imaging.New(side, side, color.NRGBA{})
	offset := image.Pt((side-width)/2, (side-height)/2)

	return imaging.Paste(canvas, img, offset), nil
}
