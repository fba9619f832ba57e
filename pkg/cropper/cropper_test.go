package cropper

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/menta2k/retina-grader/pkg/types"
)

// createFundusImage draws a bright disc-like rectangle on a black background
func createFundusImage(width, height int, fg image.Rectangle) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if image.Pt(x, y).In(fg) {
				img.Set(x, y, color.NRGBA{180, 90, 40, 255})
			} else {
				img.Set(x, y, color.NRGBA{3, 3, 3, 255})
			}
		}
	}

	return img
}

func TestNew(t *testing.T) {
	cropper := New()
	if cropper == nil {
		t.Fatal("New() returned nil")
	}

	if cropper.Tolerance() != DefaultTolerance {
		t.Errorf("Expected tolerance %d, got %d", DefaultTolerance, cropper.Tolerance())
	}
}

func TestNewWithConfig(t *testing.T) {
	cropper := NewWithConfig(CropConfig{Tolerance: 20})
	if cropper.Tolerance() != 20 {
		t.Errorf("Expected tolerance 20, got %d", cropper.Tolerance())
	}
}

func TestCropFindsInclusiveBounds(t *testing.T) {
	img := createFundusImage(100, 80, image.Rect(10, 20, 61, 51))

	result := New().Crop(img)
	if result.Degenerate {
		t.Fatal("Expected a non-degenerate crop")
	}

	if result.Region != image.Rect(10, 20, 61, 51) {
		t.Errorf("Unexpected region %v", result.Region)
	}

	bounds := result.Image.Bounds()
	if bounds.Dx() != 51 || bounds.Dy() != 31 {
		t.Errorf("Expected 51x31, got %dx%d", bounds.Dx(), bounds.Dy())
	}

	if got := result.Image.NRGBAAt(0, 0); got.R != 180 {
		t.Errorf("Expected the crop to start on a foreground pixel, got %v", got)
	}
}

func TestCropAllDarkReturnsInput(t *testing.T) {
	img := createFundusImage(40, 30, image.Rectangle{})

	result := New().Crop(img)
	if !result.Degenerate {
		t.Error("Expected all-dark image to be degenerate")
	}

	if result.Image.Bounds() != img.Bounds() {
		t.Errorf("Expected unchanged bounds %v, got %v", img.Bounds(), result.Image.Bounds())
	}

	if &result.Image.Pix[0] == &img.Pix[0] {
		t.Error("Degenerate result should not alias the input buffer")
	}
}

func TestCropSingleLineIsDegenerate(t *testing.T) {
	// A single bright row yields minY == maxY
	img := createFundusImage(40, 30, image.Rect(5, 12, 35, 13))

	result := New().Crop(img)
	if !result.Degenerate {
		t.Error("Expected a one-row box to be degenerate")
	}
	if result.Image.Bounds().Dx() != 40 || result.Image.Bounds().Dy() != 30 {
		t.Errorf("Expected unchanged 40x30, got %v", result.Image.Bounds())
	}
}

func TestCropToleranceBoundary(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	// A strong red of 23 weighs in just under the tolerance
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 23, 0, 0, 255
	}
	img.Set(2, 2, color.NRGBA{0, 12, 0, 255})
	img.Set(6, 7, color.NRGBA{0, 12, 0, 255})

	result := New().Crop(img)
	if result.Degenerate {
		t.Fatal("Expected pixels above tolerance to be found")
	}
	if result.Region != image.Rect(2, 2, 7, 8) {
		t.Errorf("Unexpected region %v", result.Region)
	}
}

func TestCropTallImageUsesAllRows(t *testing.T) {
	// More rows than workers exercises the chunk merge
	img := createFundusImage(16, 997, image.Rect(3, 1, 9, 990))

	result := New().Crop(img)
	if result.Region != image.Rect(3, 1, 9, 990) {
		t.Errorf("Unexpected region %v", result.Region)
	}
}

func TestPadToSquare(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		side          int
		offset        image.Point
	}{
		{"landscape", 400, 300, 400, image.Pt(0, 50)},
		{"portrait", 301, 400, 400, image.Pt(49, 0)},
		{"square", 64, 64, 64, image.Pt(0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := createFundusImage(tt.width, tt.height, image.Rect(0, 0, tt.width, tt.height))

			padded, err := PadToSquare(img)
			if err != nil {
				t.Fatalf("PadToSquare failed: %v", err)
			}

			bounds := padded.Bounds()
			if bounds.Dx() != tt.side || bounds.Dy() != tt.side {
				t.Errorf("Expected %dx%d, got %dx%d", tt.side, tt.side, bounds.Dx(), bounds.Dy())
			}

			if got := padded.NRGBAAt(tt.offset.X, tt.offset.Y); got.R != 180 || got.A != 255 {
				t.Errorf("Expected source pixel at %v, got %v", tt.offset, got)
			}

			if tt.offset != (image.Point{}) {
				if got := padded.NRGBAAt(0, 0); got != (color.NRGBA{}) {
					t.Errorf("Expected transparent black padding, got %v", got)
				}
			}
		})
	}
}

func TestPadToSquareRejectsEmpty(t *testing.T) {
	_, err := PadToSquare(image.NewNRGBA(image.Rect(0, 0, 0, 5)))
	if !errors.Is(err, types.ErrInvalidImage) {
		t.Errorf("Expected ErrInvalidImage, got %v", err)
	}
}

func TestCenterCrop(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 280, 280))
	img.Set(28, 28, color.NRGBA{255, 0, 0, 255})
	img.Set(251, 251, color.NRGBA{0, 255, 0, 255})

	cropped, err := CenterCrop(img, 224, 224)
	if err != nil {
		t.Fatalf("CenterCrop failed: %v", err)
	}

	if cropped.Bounds() != image.Rect(0, 0, 224, 224) {
		t.Fatalf("Unexpected bounds %v", cropped.Bounds())
	}

	if got := cropped.NRGBAAt(0, 0); got.R != 255 {
		t.Errorf("Expected top-left to map to (28,28), got %v", got)
	}
	if got := cropped.NRGBAAt(223, 223); got.G != 255 {
		t.Errorf("Expected bottom-right to map to (251,251), got %v", got)
	}
}

func TestCenterCropTooLarge(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 200, 300))

	_, err := CenterCrop(img, 224, 224)
	if !errors.Is(err, types.ErrCropSizeExceedsImage) {
		t.Errorf("Expected ErrCropSizeExceedsImage, got %v", err)
	}
}

func TestCenterCropIdentity(t *testing.T) {
	img := createFundusImage(50, 40, image.Rect(0, 0, 50, 40))

	cropped, err := CenterCrop(img, 50, 40)
	if err != nil {
		t.Fatalf("CenterCrop failed: %v", err)
	}
	if cropped.Bounds().Dx() != 50 || cropped.Bounds().Dy() != 40 {
		t.Errorf("Expected 50x40, got %v", cropped.Bounds())
	}
}

func BenchmarkCrop(b *testing.B) {
	cropper := New()
	img := createFundusImage(1920, 1080, image.Rect(400, 40, 1520, 1040))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cropper.Crop(img)
	}
}
