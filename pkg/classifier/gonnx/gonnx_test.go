package gonnx

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/menta2k/retina-grader/pkg/classifier"
	"github.com/menta2k/retina-grader/pkg/types"
)

func TestNewWithoutModel(t *testing.T) {
	_, err := New(context.Background(), classifier.Config{}, nil)
	assert.True(t, errors.Is(err, types.ErrModelUnavailable))
}

func TestNewMissingFile(t *testing.T) {
	cfg := classifier.Config{ModelPath: filepath.Join(t.TempDir(), "missing.onnx")}
	_, err := New(context.Background(), cfg, nil)
	assert.True(t, errors.Is(err, types.ErrModelUnavailable))
}

func TestNewFromGarbage(t *testing.T) {
	_, err := NewFromBytes([]byte("definitely not protobuf"), classifier.Config{})
	assert.True(t, errors.Is(err, types.ErrModelUnavailable))
}

func TestClassifyValidatesInput(t *testing.T) {
	c := &Classifier{}

	_, err := c.Classify(context.Background(), types.NewTensor(1, 224, 224))
	assert.Error(t, err)

	_, err = c.Classify(context.Background(), types.NewTensor(3, 224, 224))
	assert.True(t, errors.Is(err, types.ErrModelUnavailable))
}
