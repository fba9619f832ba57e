package analyzer

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/menta2k/retina-grader/pkg/types"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// Fill with a gradient pattern
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			b := uint8(128)
			img.Set(x, y, color.RGBA{r, g, b, 255})
		}
	}

	return img
}

func TestNew(t *testing.T) {
	analyzer := New()
	if analyzer == nil {
		t.Fatal("New() returned nil")
	}

	if analyzer.config.MinImageSize != 1 {
		t.Errorf("Expected min size 1, got %d", analyzer.config.MinImageSize)
	}
}

func TestNewWithConfig(t *testing.T) {
	analyzer := NewWithConfig(Config{MinImageSize: 200})

	if analyzer.config.MinImageSize != 200 {
		t.Errorf("Expected min size 200, got %d", analyzer.config.MinImageSize)
	}

	err := analyzer.ValidateImage(createTestImage(300, 100))
	if !errors.Is(err, types.ErrInvalidImage) {
		t.Errorf("300x100 should be too small, got %v", err)
	}
}

func TestGetImageInfo(t *testing.T) {
	analyzer := New()
	img := createTestImage(400, 300)

	info := analyzer.GetImageInfo(img)

	if info.Width != 400 || info.Height != 300 {
		t.Errorf("Expected 400x300, got %dx%d", info.Width, info.Height)
	}

	expectedRatio := float64(400) / float64(300)
	if info.AspectRatio != expectedRatio {
		t.Errorf("Expected aspect ratio %f, got %f", expectedRatio, info.AspectRatio)
	}

	if info.Area != 120000 {
		t.Errorf("Expected area 120000, got %d", info.Area)
	}
}

func TestValidateImage(t *testing.T) {
	analyzer := New()

	if err := analyzer.ValidateImage(createTestImage(200, 200)); err != nil {
		t.Errorf("Valid image should pass validation: %v", err)
	}

	empty := image.NewNRGBA(image.Rect(0, 0, 0, 10))
	err := analyzer.ValidateImage(empty)
	if !errors.Is(err, types.ErrInvalidImage) {
		t.Errorf("Zero-area image should fail with ErrInvalidImage, got %v", err)
	}

	if err := analyzer.ValidateImage(nil); !errors.Is(err, types.ErrInvalidImage) {
		t.Errorf("Nil image should fail with ErrInvalidImage, got %v", err)
	}

	var typedNil *image.NRGBA
	if err := analyzer.ValidateImage(typedNil); !errors.Is(err, types.ErrInvalidImage) {
		t.Errorf("Typed nil image should fail with ErrInvalidImage, got %v", err)
	}
	var typedNilYCbCr *image.YCbCr
	if _, err := Capture(typedNilYCbCr); !errors.Is(err, types.ErrInvalidImage) {
		t.Errorf("Typed nil YCbCr should fail with ErrInvalidImage, got %v", err)
	}
}

func TestCaptureCopiesAndAnchors(t *testing.T) {
	src := image.NewNRGBA(image.Rect(10, 20, 14, 23))
	src.Set(10, 20, color.NRGBA{200, 100, 50, 255})

	captured, err := Capture(src)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	if captured.Bounds() != image.Rect(0, 0, 4, 3) {
		t.Errorf("Expected bounds anchored at origin, got %v", captured.Bounds())
	}

	if got := captured.NRGBAAt(0, 0); got != (color.NRGBA{200, 100, 50, 255}) {
		t.Errorf("Unexpected pixel %v", got)
	}

	// Mutating the source must not affect the capture
	src.Set(10, 20, color.NRGBA{0, 0, 0, 255})
	if got := captured.NRGBAAt(0, 0); got.R != 200 {
		t.Error("Capture shares its buffer with the source")
	}
}

func BenchmarkCapture(b *testing.B) {
	analyzer := New()
	img := createTestImage(1920, 1080)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		analyzer.Capture(img)
	}
}
