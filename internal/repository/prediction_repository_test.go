package repository

import (
	"testing"

	"github.com/menta2k/retina-grader/pkg/types"
)

func TestPredictionLogProbabilities(t *testing.T) {
	log := &PredictionLog{
		RequestID:  "req-1",
		Label:      types.ClassLabels[2],
		ClassIndex: 2,
		Confidence: 0.6,
	}
	probs := []float32{0.1, 0.1, 0.6, 0.1, 0.1}
	if err := log.SetProbabilities(probs); err != nil {
		t.Fatalf("SetProbabilities failed: %v", err)
	}

	got, err := log.Prediction()
	if err != nil {
		t.Fatalf("Prediction failed: %v", err)
	}
	if got.Label != "Moderate DR" || got.ClassIndex != 2 || got.Confidence != 0.6 {
		t.Errorf("Unexpected prediction %+v", got)
	}
	if len(got.Probabilities) != len(probs) {
		t.Fatalf("Expected %d probabilities, got %d", len(probs), len(got.Probabilities))
	}
	for i := range probs {
		if got.Probabilities[i] != probs[i] {
			t.Errorf("probability %d: expected %f, got %f", i, probs[i], got.Probabilities[i])
		}
	}
}

func TestPredictionLogEmptyAndCorruptProbabilities(t *testing.T) {
	empty := &PredictionLog{}
	if probs, err := empty.ProbabilityValues(); err != nil || probs != nil {
		t.Errorf("Expected nil, nil for empty column, got %v, %v", probs, err)
	}

	corrupt := &PredictionLog{Probabilities: "[0.1,"}
	if _, err := corrupt.Prediction(); err == nil {
		t.Error("Expected an error for a corrupt column")
	}
}

func TestTableName(t *testing.T) {
	if got := (PredictionLog{}).TableName(); got != "prediction_logs" {
		t.Errorf("Expected prediction_logs, got %s", got)
	}
}
