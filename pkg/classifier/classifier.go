// Package classifier holds settings shared by the model backends. The
// backends themselves live in subpackages and all satisfy
// inference.Classifier.
package classifier

import (
	"fmt"
	"slices"

	"github.com/menta2k/retina-grader/pkg/types"
)

// Default tensor names. Models exported from the original training code
// name the logits output "linear_2".
const (
	DefaultInputName  = "input"
	DefaultOutputName = "output"
	LegacyOutputName  = "linear_2"
)

// Config describes where to find a model and how to bind its tensors
type Config struct {
	// ModelPath is a local path or URL (file://, s3://)
	ModelPath  string `json:"model_path"`
	InputName  string `json:"input_name,omitempty"`
	OutputName string `json:"output_name,omitempty"`
	// LibraryPath points at the onnxruntime shared library
	LibraryPath    string `json:"library_path,omitempty"`
	IntraOpThreads int    `json:"intra_op_threads,omitempty"`
}

// InputShape is the tensor shape every backend expects
func InputShape() []int64 {
	return []int64{1, types.Channels, types.InputHeight, types.InputWidth}
}

// ResolveName picks want from available. An empty want selects the first
// available name, then fallbacks are tried in order.
func ResolveName(kind, want string, available []string, fallbacks ...string) (string, error) {
	if len(available) == 0 {
		return "", fmt.Errorf("model declares no %s tensors", kind)
	}
	if want != "" {
		if slices.Contains(available, want) {
			return want, nil
		}
	}
	for _, name := range fallbacks {
		if slices.Contains(available, name) {
			return name, nil
		}
	}
	if want == "" || len(available) == 1 {
		return available[0], nil
	}
	return "", fmt.Errorf("%s tensor %q not found (available: %v)", kind, want, available)
}

// CheckInput verifies that t matches InputShape
func CheckInput(t *types.Tensor) error {
	if t == nil {
		return fmt.Errorf("nil input tensor")
	}
	want := InputShape()
	got := t.Shape64()
	if !slices.Equal(want, got) || len(t.Data) != t.Len() {
		return fmt.Errorf("input tensor shape %v (len %d), want %v", got, len(t.Data), want)
	}
	return nil
}
