package enhance

import (
	"image"

	"github.com/disintegration/imaging"
)

// Graham subtracts a Gaussian-blurred copy of img from itself to boost local
// detail: out = clamp(4*img - 4*blur(img, sigma) + 128). Alpha is set to
// opaque.
func Graham(img *image.NRGBA, sigma float64) *image.NRGBA {
	blurred := imaging.Blur(img, sigma)

	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, width, height))

	parallelRows(height, func(start, end int) {
		for y := start; y < end; y++ {
			src := img.Pix[y*img.Stride : y*img.Stride+width*4]
			blr := blurred.Pix[y*blurred.Stride : y*blurred.Stride+width*4]
			dst := out.Pix[y*out.Stride : y*out.Stride+width*4]
			for i := 0; i < len(dst); i += 4 {
				dst[i] = weigh(src[i], blr[i])
				dst[i+1] = weigh(src[i+1], blr[i+1])
				dst[i+2] = weigh(src[i+2], blr[i+2])
				dst[i+3] = 255
			}
		}
	})

	return out
}

func weigh(orig, blur uint8) uint8 {
	v := grahamAlpha*float64(orig) + grahamBeta*float64(blur) + grahamGamma
	return saturate(v)
}
