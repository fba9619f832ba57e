//go:build opencv

package enhance

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/menta2k/retina-grader/pkg/types"
)

// CVEnhancer runs the enhancement steps through OpenCV
type CVEnhancer struct {
	params Params
}

func newOpenCV(p Params) (Enhancer, error) {
	return &CVEnhancer{params: p}, nil
}

// Enhance mirrors NativeEnhancer.Enhance using cv::CLAHE, GaussianBlur and
// addWeighted.
func (e *CVEnhancer) Enhance(img *image.NRGBA, cfg types.PipelineConfig) (*image.NRGBA, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: cannot enhance zero-area image", types.ErrInvalidImage)
	}

	flat := Flatten(img)
	width, height := flat.Bounds().Dx(), flat.Bounds().Dy()

	src, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC4, flat.Pix)
	if err != nil {
		return nil, fmt.Errorf("failed to create mat: %w", err)
	}
	defer src.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(src, &bgr, gocv.ColorRGBAToBGR)

	if cfg.EnhanceContrast {
		e.equalize(&bgr)
	}

	if cfg.Sharpen {
		sigma := float64(cfg.SharpenSigma)
		blurred := gocv.NewMat()
		defer blurred.Close()
		gocv.GaussianBlur(bgr, &blurred, image.Point{0, 0}, sigma, sigma, gocv.BorderDefault)
		gocv.AddWeighted(bgr, grahamAlpha, blurred, grahamBeta, grahamGamma, &bgr)
	}

	rgba := gocv.NewMat()
	defer rgba.Close()
	gocv.CvtColor(bgr, &rgba, gocv.ColorBGRToRGBA)

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	copy(out.Pix, rgba.ToBytes())
	return out, nil
}

func (e *CVEnhancer) equalize(bgr *gocv.Mat) {
	clahe := gocv.NewCLAHEWithParams(e.params.ClipLimit, image.Point{e.params.TileGridSize, e.params.TileGridSize})
	defer clahe.Close()

	if e.params.ContrastSpace == PerChannel {
		channels := gocv.Split(*bgr)
		for i := range channels {
			eq := gocv.NewMat()
			clahe.Apply(channels[i], &eq)
			channels[i].Close()
			channels[i] = eq
		}
		gocv.Merge(channels, bgr)
		closeAll(channels)
		return
	}

	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(*bgr, &lab, gocv.ColorBGRToLab)

	channels := gocv.Split(lab)
	eq := gocv.NewMat()
	clahe.Apply(channels[0], &eq)
	channels[0].Close()
	channels[0] = eq

	gocv.Merge(channels, &lab)
	closeAll(channels)
	gocv.CvtColor(lab, bgr, gocv.ColorLabToBGR)
}

func closeAll(mats []gocv.Mat) {
	for _, m := range mats {
		m.Close()
	}
}
