package domain

import (
	"errors"
	"fmt"
	"time"
)

// DiagnosticError represents a standardized error response
type DiagnosticError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *DiagnosticError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	ErrInvalidInput   = "INVALID_INPUT"
	ErrValidation     = "VALIDATION_ERROR"
	ErrPipeline       = "PIPELINE_ERROR"
	ErrKnowledgeBase  = "KNOWLEDGE_BASE_ERROR"
	ErrDatabaseError  = "DATABASE_ERROR"
	ErrExternalAPI    = "EXTERNAL_API_ERROR"
	ErrInternalServer = "INTERNAL_SERVER_ERROR"
	ErrUnableToAssess = "UNABLE_TO_ASSESS"
	ErrCancelled      = "REQUEST_CANCELLED"
)

// Sentinel errors shared across packages.
var (
	// ErrTransient marks temporary unavailability of an injected capability.
	// Any error wrapping it is retried once.
	ErrTransient           = errors.New("capability temporarily unavailable")
	ErrDimensionMismatch   = errors.New("embedding dimension mismatch")
	ErrRuleSetUnavailable  = errors.New("red-flag rule set unavailable")
	ErrNotFound            = errors.New("not found")
	ErrKnowledgeBaseClosed = errors.New("knowledge base closed")
	ErrInvalidTransition   = errors.New("invalid pipeline state transition")
)

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewDiagnosticError creates a new DiagnosticError with timestamp
func NewDiagnosticError(code, message, details, requestID string) *DiagnosticError {
	return &DiagnosticError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NormalizationError is a per-symptom failure of the normalizer. It never
// aborts the pipeline.
type NormalizationError struct {
	Index   int
	Symptom string
	Stage   string
	Err     error
}

// Error implements the error interface
func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalization of symptom %d (%q) failed at %s: %v", e.Index, e.Symptom, e.Stage, e.Err)
}

// Unwrap returns the underlying error
func (e *NormalizationError) Unwrap() error { return e.Err }

// NoMatchError reports that no condition could be ranked. Callers treat the
// accompanying empty candidate list as a valid result.
type NoMatchError struct {
	Reason string
}

// Error implements the error interface
func (e *NoMatchError) Error() string {
	return "no matching condition: " + e.Reason
}

// NoGuidelineError reports a condition without a reference guideline.
type NoGuidelineError struct {
	ConditionID   string
	ConditionName string
}

// Error implements the error interface
func (e *NoGuidelineError) Error() string {
	return fmt.Sprintf("no treatment guideline for condition %s (%s)", e.ConditionID, e.ConditionName)
}

// PipelineError is the only fatal coordinator error. The caller must treat it
// as "unable to assess" and never substitute a default urgency tier.
type PipelineError struct {
	RequestID string
	State     PipelineState
	Component AgentName
	Err       error
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed in %s (%s): %v", e.State, e.Component, e.Err)
}

// Unwrap returns the underlying error
func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError wraps err as a PipelineError.
func NewPipelineError(state PipelineState, component AgentName, err error) *PipelineError {
	return &PipelineError{State: state, Component: component, Err: err}
}

// ToDiagnosticError converts any error into the response envelope. An empty
// requestID is taken from a wrapped PipelineError.
func ToDiagnosticError(err error, requestID string) *DiagnosticError {
	var de *DiagnosticError
	if errors.As(err, &de) {
		return de
	}
	var pe *PipelineError
	isPipeline := errors.As(err, &pe)
	if isPipeline && requestID == "" {
		requestID = pe.RequestID
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return NewDiagnosticError(ErrValidation, ve.Error(), "", requestID)
	}
	if isPipeline {
		if errors.Is(err, ErrCancelledRequest) {
			return NewDiagnosticError(ErrCancelled, "request cancelled", pe.Error(), requestID)
		}
		return NewDiagnosticError(ErrUnableToAssess,
			"unable to assess: seek professional medical care", pe.Error(), requestID)
	}
	return NewDiagnosticError(ErrInternalServer, "internal error", err.Error(), requestID)
}

// ErrCancelledRequest is wrapped into a PipelineError when the caller cancels.
var ErrCancelledRequest = errors.New("request cancelled by caller")
