//go:build !opencv

package enhance

import "errors"

// ErrOpenCVUnavailable is returned when the OpenCV backend is requested from
// a binary built without the opencv tag.
var ErrOpenCVUnavailable = errors.New("opencv backend not available: rebuild with -tags opencv")

func newOpenCV(Params) (Enhancer, error) {
	return nil, ErrOpenCVUnavailable
}
