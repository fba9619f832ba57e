package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithOperationAddsFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := WithOperation(zap.New(core), "pipeline.predict", "req-1")

	logger.Info("done")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "pipeline.predict" {
		t.Errorf("unexpected operation field %v", fields["operation"])
	}
	if fields["request_id"] != "req-1" {
		t.Errorf("unexpected request_id field %v", fields["request_id"])
	}
}

func TestWithOperationOmitsEmptyRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	WithOperation(zap.New(core), "stats", "").Info("x")

	if _, ok := logs.All()[0].ContextMap()["request_id"]; ok {
		t.Error("request_id should be omitted when empty")
	}
}

func TestOperationErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewOperationError("cache.get", "abc", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if err.Error() != "cache.get (request_id=abc): connection refused" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if NewOperationError("x", "", nil) != nil {
		t.Error("nil cause should produce nil error")
	}
}
