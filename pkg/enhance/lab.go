package enhance

import "math"

// 8-bit Lab encoding as produced by OpenCV for CV_8UC3 images:
// L is scaled to [0,255], a and b are offset by 128.

// D65 white point used to normalise X and Z
const (
	whiteX = 0.950456
	whiteZ = 1.088754
)

const (
	labThreshold = 0.008856
	labKappa     = 903.3
	labSlope     = 7.787
	labOffset    = 16.0 / 116.0
)

var srgbToLinear = func() [256]float64 {
	var table [256]float64
	for i := range table {
		v := float64(i) / 255
		if v <= 0.04045 {
			table[i] = v / 12.92
		} else {
			table[i] = math.Pow((v+0.055)/1.055, 2.4)
		}
	}
	return table
}()

func labF(t float64) float64 {
	if t > labThreshold {
		return math.Cbrt(t)
	}
	return labSlope*t + labOffset
}

func labFInv(f float64) float64 {
	// 0.206893 is the cube root of labThreshold
	if f > 0.206893 {
		return f * f * f
	}
	return (f - labOffset) / labSlope
}

func linearToSRGB(v float64) float64 {
	if v <= 0.0031308 {
		return 12.92 * v
	}
	return 1.055*math.Pow(v, 1/2.4) - 0.055
}

// rgbToLab8 converts an sRGB pixel into 8-bit Lab
func rgbToLab8(r, g, b uint8) (l, a, bb uint8) {
	rl, gl, bl := srgbToLinear[r], srgbToLinear[g], srgbToLinear[b]

	x := (0.412453*rl + 0.357580*gl + 0.180423*bl) / whiteX
	y := 0.212671*rl + 0.715160*gl + 0.072169*bl
	z := (0.019334*rl + 0.119193*gl + 0.950227*bl) / whiteZ

	fx, fy, fz := labF(x), labF(y), labF(z)

	var lightness float64
	if y > labThreshold {
		lightness = 116*fy - 16
	} else {
		lightness = labKappa * y
	}

	return saturate(lightness * 255 / 100),
		saturate(500*(fx-fy) + 128),
		saturate(200*(fy-fz) + 128)
}

// lab8ToRGB converts an 8-bit Lab pixel back to sRGB
func lab8ToRGB(l, a, bb uint8) (r, g, b uint8) {
	lightness := float64(l) * 100 / 255
	av := float64(a) - 128
	bv := float64(bb) - 128

	var y, fy float64
	if lightness <= 8 {
		y = lightness / labKappa
		fy = labSlope*y + labOffset
	} else {
		fy = (lightness + 16) / 116
		y = fy * fy * fy
	}

	x := labFInv(av/500+fy) * whiteX
	z := labFInv(fy-bv/200) * whiteZ

	rl := 3.240479*x - 1.53715*y - 0.498535*z
	gl := -0.969256*x + 1.875991*y + 0.041556*z
	bl := 0.055648*x - 0.204043*y + 1.057311*z

	return encodeSRGB(rl), encodeSRGB(gl), encodeSRGB(bl)
}

func encodeSRGB(v float64) uint8 {
	v = math.Max(0, math.Min(1, v))
	return saturate(linearToSRGB(v) * 255)
}
