package enhance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReflect101(t *testing.T) {
	tests := []struct {
		p, n, want int
	}{
		{0, 5, 0},
		{4, 5, 4},
		{5, 5, 3},
		{7, 5, 1},
		{-1, 5, 1},
		{9, 3, 1},
		{6, 1, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, reflect101(tt.p, tt.n), "reflect101(%d, %d)", tt.p, tt.n)
	}
}

func TestPadReflect101(t *testing.T) {
	src := []uint8{
		1, 2, 3,
		4, 5, 6,
	}
	ext := padReflect101(src, 3, 2, 5, 4)

	want := []uint8{
		1, 2, 3, 2, 1,
		4, 5, 6, 5, 4,
		1, 2, 3, 2, 1,
		4, 5, 6, 5, 4,
	}
	assert.Equal(t, want, ext)
}

func TestClipHistogramConservesCount(t *testing.T) {
	var hist [histSize]int
	hist[10] = 900
	hist[200] = 100
	hist[50] = 24

	clipHistogram(&hist, 40)

	total := 0
	for _, v := range hist {
		total += v
	}
	assert.Equal(t, 1024, total)

	// 920 excess: 3 per bin plus a residual of 152 at stride 1
	assert.Equal(t, 40+3+1, hist[10])
	assert.Equal(t, 24+3+1, hist[50])
	assert.Equal(t, 0+3, hist[255])
}

func TestCLAHEUniformPlaneStaysUniform(t *testing.T) {
	width, height := 64, 48
	src := make([]uint8, width*height)
	for i := range src {
		src[i] = 100
	}

	dst := NewCLAHE(DefaultClipLimit, DefaultTileGridSize).Apply(src, width, height)
	require.Len(t, dst, width*height)

	for i, v := range dst {
		if v != dst[0] {
			t.Fatalf("pixel %d = %d, expected uniform value %d", i, v, dst[0])
		}
	}
}

func TestCLAHEStretchesLowContrast(t *testing.T) {
	width, height := 64, 64
	src := make([]uint8, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			src[y*width+x] = uint8(100 + (x+y)%8)
		}
	}

	dst := NewCLAHE(4.0, 2).Apply(src, width, height)

	lo, hi := 255, 0
	for _, v := range dst {
		lo = min(lo, int(v))
		hi = max(hi, int(v))
	}
	assert.Greater(t, hi-lo, 7, "equalised range should exceed the input range")
}

func TestCLAHEOddSizes(t *testing.T) {
	for _, size := range [][2]int{{13, 7}, {1, 1}, {3, 100}, {225, 224}} {
		width, height := size[0], size[1]
		src := make([]uint8, width*height)
		for i := range src {
			src[i] = uint8(i * 7)
		}
		dst := NewCLAHE(DefaultClipLimit, DefaultTileGridSize).Apply(src, width, height)
		assert.Len(t, dst, width*height, "size %dx%d", width, height)
	}
}

func TestCLAHEDeterministic(t *testing.T) {
	width, height := 97, 61
	src := make([]uint8, width*height)
	for i := range src {
		src[i] = uint8((i * 31) % 251)
	}

	c := NewCLAHE(DefaultClipLimit, DefaultTileGridSize)
	assert.Equal(t, c.Apply(src, width, height), c.Apply(src, width, height))
}

func BenchmarkCLAHE(b *testing.B) {
	width, height := 1024, 1024
	src := make([]uint8, width*height)
	for i := range src {
		src[i] = uint8(i)
	}
	c := NewCLAHE(DefaultClipLimit, DefaultTileGridSize)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Apply(src, width, height)
	}
}
