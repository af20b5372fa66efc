package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDiagnosticError(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		message   string
		details   string
		requestID string
	}{
		{
			name:      "Validation error",
			code:      ErrValidation,
			message:   "age must be non-negative",
			details:   "received -3",
			requestID: "req-123",
		},
		{
			name:      "Pipeline error",
			code:      ErrUnableToAssess,
			message:   "unable to assess",
			details:   "rule set unavailable",
			requestID: "req-456",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewDiagnosticError(tt.code, tt.message, tt.details, tt.requestID)

			if err.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, err.Code)
			}
			if err.RequestID != tt.requestID {
				t.Errorf("Expected requestID %s, got %s", tt.requestID, err.RequestID)
			}
			if time.Since(err.Timestamp) > time.Minute {
				t.Errorf("Timestamp should be recent, got %v", err.Timestamp)
			}
			expectedError := tt.code + ": " + tt.message
			if err.Error() != expectedError {
				t.Errorf("Expected error string %s, got %s", expectedError, err.Error())
			}
		})
	}
}

func TestNormalizationErrorUnwrap(t *testing.T) {
	err := &NormalizationError{Index: 2, Symptom: "cough", Stage: "embed", Err: fmt.Errorf("upstream: %w", ErrTransient)}

	if !errors.Is(err, ErrTransient) {
		t.Error("Expected NormalizationError to unwrap to ErrTransient")
	}
	want := `normalization of symptom 2 ("cough") failed at embed: upstream: capability temporarily unavailable`
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestPipelineErrorUnwrap(t *testing.T) {
	err := NewPipelineError(StateAnalyzing, AgentUrgency, ErrRuleSetUnavailable)

	if !errors.Is(err, ErrRuleSetUnavailable) {
		t.Error("Expected PipelineError to unwrap to ErrRuleSetUnavailable")
	}
	var pe *PipelineError
	if !errors.As(fmt.Errorf("wrapped: %w", err), &pe) {
		t.Fatal("Expected errors.As to find PipelineError")
	}
	if pe.Component != AgentUrgency {
		t.Errorf("Expected component %s, got %s", AgentUrgency, pe.Component)
	}
}

func TestToDiagnosticError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"validation", NewPipelineError(StateReceived, AgentCoordinator, NewValidationError("patient.age", "must be non-negative", -1)), ErrValidation},
		{"pipeline", NewPipelineError(StateAnalyzing, AgentUrgency, ErrRuleSetUnavailable), ErrUnableToAssess},
		{"cancelled", NewPipelineError(StateNormalizing, AgentCoordinator, fmt.Errorf("%w: %w", ErrCancelledRequest, context.Canceled)), ErrCancelled},
		{"unknown", errors.New("boom"), ErrInternalServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := ToDiagnosticError(tt.err, "req-1")
			if de.Code != tt.expected {
				t.Errorf("Expected code %s, got %s", tt.expected, de.Code)
			}
			if de.RequestID != "req-1" {
				t.Errorf("Expected request id req-1, got %s", de.RequestID)
			}
		})
	}
}

func TestToDiagnosticErrorRequestIDFromPipeline(t *testing.T) {
	pe := NewPipelineError(StateAnalyzing, AgentUrgency, ErrRuleSetUnavailable)
	pe.RequestID = "req-7"

	if de := ToDiagnosticError(pe, ""); de.RequestID != "req-7" {
		t.Errorf("Expected request id req-7, got %q", de.RequestID)
	}
	if de := ToDiagnosticError(fmt.Errorf("assess: %w", pe), ""); de.RequestID != "req-7" {
		t.Errorf("Expected request id from wrapped error, got %q", de.RequestID)
	}
	if de := ToDiagnosticError(pe, "caller-id"); de.RequestID != "caller-id" {
		t.Errorf("Expected explicit request id to win, got %q", de.RequestID)
	}

	invalid := NewPipelineError(StateReceived, AgentCoordinator, NewValidationError("patient.age", "must be non-negative", -1))
	invalid.RequestID = "req-8"
	de := ToDiagnosticError(invalid, "")
	if de.Code != ErrValidation || de.RequestID != "req-8" {
		t.Errorf("Expected VALIDATION_ERROR for req-8, got %s for %q", de.Code, de.RequestID)
	}

	if de := ToDiagnosticError(errors.New("boom"), ""); de.RequestID != "" {
		t.Errorf("Expected no request id, got %q", de.RequestID)
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("symptoms[0].name", "must not be empty", "")

	expected := "validation error for field 'symptoms[0].name': must not be empty"
	if err.Error() != expected {
		t.Errorf("Expected error string %s, got %s", expected, err.Error())
	}
}
