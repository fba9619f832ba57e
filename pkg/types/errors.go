package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidImage
	KindDegenerateCrop
	KindResizeFailure
	KindCropSizeExceedsImage
	KindTensorConversionFailure
	KindModelUnavailable
	KindInferenceFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidImage:
		return "InvalidImage"
	case KindDegenerateCrop:
		return "DegenerateCrop"
	case KindResizeFailure:
		return "ResizeFailure"
	case KindCropSizeExceedsImage:
		return "CropSizeExceedsImage"
	case KindTensorConversionFailure:
		return "TensorConversionFailure"
	case KindModelUnavailable:
		return "ModelUnavailable"
	case KindInferenceFailure:
		return "InferenceFailure"
	default:
		return "Unknown"
	}
}

// Sentinel errors, one per kind. Stage code wraps these with %w.
var (
	ErrInvalidImage            = errors.New("invalid image")
	ErrDegenerateCrop          = errors.New("degenerate crop")
	ErrResizeFailure           = errors.New("resize failed")
	ErrCropSizeExceedsImage    = errors.New("crop size exceeds image")
	ErrTensorConversionFailure = errors.New("tensor conversion failed")
	ErrModelUnavailable        = errors.New("model unavailable")
	ErrInferenceFailure        = errors.New("inference failed")
)

var kindSentinels = []struct {
	kind ErrorKind
	err  error
}{
	{KindInvalidImage, ErrInvalidImage},
	{KindDegenerateCrop, ErrDegenerateCrop},
	{KindResizeFailure, ErrResizeFailure},
	{KindCropSizeExceedsImage, ErrCropSizeExceedsImage},
	{KindTensorConversionFailure, ErrTensorConversionFailure},
	{KindModelUnavailable, ErrModelUnavailable},
	{KindInferenceFailure, ErrInferenceFailure},
}

// Sentinel returns the sentinel error for a kind
func (k ErrorKind) Sentinel() error {
	for _, ks := range kindSentinels {
		if ks.kind == k {
			return ks.err
		}
	}
	return nil
}

// StageError annotates a failure with the pipeline stage that produced it.
type StageError struct {
	Stage     string
	Kind      ErrorKind
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s [%s] (request_id=%s): %v", e.Stage, e.Kind, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStageError wraps err, deriving the kind from the sentinel it carries
// when one is present.
func NewStageError(stage, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Kind: KindOf(err), RequestID: requestID, Err: err}
}

// KindOf recovers the ErrorKind carried by err
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) && stageErr.Kind != KindUnknown {
		return stageErr.Kind
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return KindUnknown
}

// User-visible status texts
const (
	StatusProcessing     = "Processing image..."
	StatusPrepareError   = "Error preparing image for prediction."
	StatusPredictError   = "Error during prediction."
	StatusModelInitError = "Error: Model initialization failed."
)

// StatusMessage maps a pipeline outcome to the text shown to a user. The
// kind itself stays available through KindOf for logs and tests.
func StatusMessage(err error) string {
	if err == nil {
		return StatusProcessing
	}
	switch KindOf(err) {
	case KindModelUnavailable, KindInferenceFailure:
		return StatusPredictError
	default:
		return StatusPrepareError
	}
}

// PredictionStatus formats a successful result the way the original label did
func PredictionStatus(r PredictionResult) string {
	return fmt.Sprintf("Prediction: %s (%.2f%%)", r.Label, r.Confidence*100)
}
