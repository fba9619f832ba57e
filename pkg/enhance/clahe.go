package enhance

import "math"

const histSize = 256

// CLAHE equalises single-channel 8-bit planes with contrast limited
// adaptive histogram equalisation. The tiling, clipping, redistribution and
// interpolation follow OpenCV's implementation so results are comparable
// with cv::createCLAHE.
type CLAHE struct {
	clipLimit float64
	tilesX    int
	tilesY    int
}

// NewCLAHE creates a CLAHE with a square tile grid. A clip limit of zero
// disables clipping.
func NewCLAHE(clipLimit float64, tileGrid int) *CLAHE {
	return &CLAHE{
		clipLimit: clipLimit,
		tilesX:    max(tileGrid, 1),
		tilesY:    max(tileGrid, 1),
	}
}

// Apply returns an equalised copy of a row-major width x height plane
func (c *CLAHE) Apply(src []uint8, width, height int) []uint8 {
	dst := make([]uint8, width*height)
	if width == 0 || height == 0 {
		return dst
	}

	// Histograms are taken over an image whose size is a multiple of the
	// grid. Like OpenCV, both axes are extended as soon as either one is
	// not divisible.
	ext, extW, extH := src, width, height
	if width%c.tilesX != 0 || height%c.tilesY != 0 {
		extW = width + c.tilesX - width%c.tilesX
		extH = height + c.tilesY - height%c.tilesY
		ext = padReflect101(src, width, height, extW, extH)
	}

	tileW, tileH := extW/c.tilesX, extH/c.tilesY
	luts := c.buildLUTs(ext, extW, tileW, tileH)
	c.interpolate(src, dst, width, height, tileW, tileH, luts)

	return dst
}

func (c *CLAHE) buildLUTs(ext []uint8, extW, tileW, tileH int) []uint8 {
	tileArea := tileW * tileH
	lutScale := float32(histSize-1) / float32(tileArea)

	clipLimit := 0
	if c.clipLimit > 0 {
		clipLimit = max(int(c.clipLimit*float64(tileArea)/histSize), 1)
	}

	tiles := c.tilesX * c.tilesY
	luts := make([]uint8, tiles*histSize)

	parallelRows(tiles, func(start, end int) {
		var hist [histSize]int
		for t := start; t < end; t++ {
			tx, ty := t%c.tilesX, t/c.tilesX

			hist = [histSize]int{}
			for y := ty * tileH; y < (ty+1)*tileH; y++ {
				row := ext[y*extW+tx*tileW : y*extW+(tx+1)*tileW]
				for _, v := range row {
					hist[v]++
				}
			}

			if clipLimit > 0 {
				clipHistogram(&hist, clipLimit)
			}

			lut := luts[t*histSize : (t+1)*histSize]
			sum := 0
			for i := 0; i < histSize; i++ {
				sum += hist[i]
				lut[i] = saturate(float64(float32(sum) * lutScale))
			}
		}
	})

	return luts
}

// clipHistogram caps every bin at limit and spreads the excess evenly,
// handing the remainder out one count at a time with a fixed stride.
func clipHistogram(hist *[histSize]int, limit int) {
	clipped := 0
	for i := range hist {
		if hist[i] > limit {
			clipped += hist[i] - limit
			hist[i] = limit
		}
	}

	batch := clipped / histSize
	residual := clipped - batch*histSize
	for i := range hist {
		hist[i] += batch
	}

	if residual != 0 {
		step := max(histSize/residual, 1)
		for i := 0; i < histSize && residual > 0; i, residual = i+step, residual-1 {
			hist[i]++
		}
	}
}

type tileCoord struct {
	lo, hi int
	w, w1  float32
}

// tileCoords maps each pixel position to its two neighbouring tile centres
// and the interpolation weight towards the upper one.
func tileCoords(n, tileSize, tiles int) []tileCoord {
	inv := float32(1) / float32(tileSize)
	coords := make([]tileCoord, n)
	for i := range coords {
		f := float32(i)*inv - 0.5
		lo := int(math.Floor(float64(f)))
		hi := lo + 1
		w := f - float32(lo)
		coords[i] = tileCoord{
			lo: max(lo, 0),
			hi: min(hi, tiles-1),
			w:  w,
			w1: 1 - w,
		}
	}
	return coords
}

func (c *CLAHE) interpolate(src, dst []uint8, width, height, tileW, tileH int, luts []uint8) {
	xs := tileCoords(width, tileW, c.tilesX)
	ys := tileCoords(height, tileH, c.tilesY)

	parallelRows(height, func(start, end int) {
		for y := start; y < end; y++ {
			ty := ys[y]
			plane1 := luts[ty.lo*c.tilesX*histSize:]
			plane2 := luts[ty.hi*c.tilesX*histSize:]

			for x := 0; x < width; x++ {
				tx := xs[x]
				v := int(src[y*width+x])
				i1 := tx.lo*histSize + v
				i2 := tx.hi*histSize + v

				top := float32(plane1[i1])*tx.w1 + float32(plane1[i2])*tx.w
				bottom := float32(plane2[i1])*tx.w1 + float32(plane2[i2])*tx.w
				res := float32(top*ty.w1) + float32(bottom*ty.w)

				dst[y*width+x] = saturate(float64(res))
			}
		}
	})
}

// padReflect101 extends src to extW x extH on the right and bottom edges,
// mirroring without repeating the border pixel.
func padReflect101(src []uint8, width, height, extW, extH int) []uint8 {
	ext := make([]uint8, extW*extH)
	colMap := make([]int, extW)
	for x := range colMap {
		colMap[x] = reflect101(x, width)
	}
	for y := 0; y < extH; y++ {
		sy := reflect101(y, height)
		srcRow := src[sy*width : (sy+1)*width]
		dstRow := ext[y*extW : (y+1)*extW]
		for x, sx := range colMap {
			dstRow[x] = srcRow[sx]
		}
	}
	return ext
}

// reflect101 folds p into [0,n) as gfedcb|abcdefgh|gfedcba
func reflect101(p, n int) int {
	if n == 1 {
		return 0
	}
	for p < 0 || p >= n {
		if p < 0 {
			p = -p
		} else {
			p = 2*(n-1) - p
		}
	}
	return p
}
