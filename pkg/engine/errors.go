package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an engine error.
type ErrorClass string

const (
	// ErrorClassSchema indicates a malformed document shape.
	// The operation is never partially applied.
	ErrorClassSchema ErrorClass = "schema"

	// ErrorClassValidation indicates structural or semantic graph problems.
	// Blocks publish only.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassNotFound indicates an unknown playbook, version or binding.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassConflict indicates a state conflict such as a duplicate id.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassStepExecution indicates that a single step's capability failed.
	// Captured in the run record, never returned by the executor.
	ErrorClassStepExecution ErrorClass = "step_execution"

	// ErrorClassInternal indicates an unexpected failure of a collaborator.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the playbook, version, binding or step that caused the error.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Findings holds the validator output for validation errors.
	Findings *ValidationResult `json:"findings,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewSchemaError creates a new schema error.
func NewSchemaError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassSchema,
		Message: message,
		Code:    ErrCodeSchema,
		Err:     err,
	}
}

// NewValidationError creates a validation error carrying the validator findings verbatim.
func NewValidationError(result ValidationResult) *EngineError {
	findings := result.Clone()
	return &EngineError{
		Class:    ErrorClassValidation,
		Message:  fmt.Sprintf("playbook has %d validation error(s)", len(findings.Errors)),
		Code:     ErrCodeValidation,
		Findings: &findings,
	}
}

// NewNotFoundError creates a new not-found error for the given entity kind and id.
func NewNotFoundError(kind, id string) *EngineError {
	return &EngineError{
		Class:    ErrorClassNotFound,
		Message:  kind + " not found",
		Code:     ErrCodeNotFound,
		Resource: id,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Code:    ErrCodeConflict,
		Err:     err,
	}
}

// NewStepExecutionError creates an error describing a failed step capability.
func NewStepExecutionError(stepID string, kind StepKind, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassStepExecution,
		Message:   fmt.Sprintf("step %s failed", stepID),
		Code:      ErrCodeStepFailed,
		Resource:  stepID,
		Operation: string(kind),
		Err:       err,
	}
}

// NewDryRunViolationError reports a side-effecting step that did not simulate during a dry run.
func NewDryRunViolationError(stepID string, kind StepKind) *EngineError {
	return &EngineError{
		Class:     ErrorClassStepExecution,
		Message:   fmt.Sprintf("step %s made a live call during a dry run", stepID),
		Code:      ErrCodeDryRun,
		Resource:  stepID,
		Operation: string(kind),
	}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInternal,
		Message: message,
		Code:    ErrCodeInternal,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsSchema returns true if the error is classified as a schema error.
func IsSchema(err error) bool {
	return hasClass(err, ErrorClassSchema)
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return hasClass(err, ErrorClassValidation)
}

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool {
	return hasClass(err, ErrorClassNotFound)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsStepExecution returns true if the error is a step capability failure.
func IsStepExecution(err error) bool {
	return hasClass(err, ErrorClassStepExecution)
}

// ValidationFindings extracts the validator findings from a validation error.
func ValidationFindings(err error) (ValidationResult, bool) {
	var e *EngineError
	if errors.As(err, &e) && e.Class == ErrorClassValidation && e.Findings != nil {
		return e.Findings.Clone(), true
	}
	return ValidationResult{}, false
}

// Common error codes.
const (
	ErrCodeSchema        = "SCHEMA_ERROR"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternal      = "INTERNAL_ERROR"
	ErrCodeStepFailed    = "STEP_FAILED"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeDryRun        = "DRY_RUN"
)
