//go:build !opencv

package enhance

import (
	"errors"
	"testing"
)

func TestNewOpenCVUnavailable(t *testing.T) {
	p := DefaultParams()
	p.Backend = OpenCV

	_, err := New(p)
	if !errors.Is(err, ErrOpenCVUnavailable) {
		t.Fatalf("Expected ErrOpenCVUnavailable, got %v", err)
	}
}
