package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeCompilation      = "COMPILATION_FAILED"
	ErrCodeInstantiation    = "INSTANTIATION_FAILED"
	ErrCodeAborted          = "ABORTED"
	ErrCodeEvaluation       = "EVALUATION_FAILED"
	ErrCodeIllegalProperty  = "ILLEGAL_PROPERTY"
	ErrCodeArithmetic       = "ARITHMETIC_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeStore            = "STORE_ERROR"
	ErrCodeExecutionStopped = "EXECUTION_STOPPED"
)

// EngineError is the structured error type for all rowscript operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	RowKey  string         `json:"row_key,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.RowKey != "" {
		return fmt.Sprintf("[%s] row %q: %s", e.Code, e.RowKey, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRow attaches the key of the row being processed.
func (e *EngineError) WithRow(rowKey string) *EngineError {
	e.RowKey = rowKey
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// Code returns the code of the outermost EngineError in err's chain, or "".
func Code(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// HasCode reports whether any EngineError in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var ee *EngineError
		if !errors.As(err, &ee) {
			return false
		}
		if ee.Code == code {
			return true
		}
		err = ee.Cause
	}
	return false
}

// IsAbort reports whether err is a deliberate, user-signalled abort.
func IsAbort(err error) bool { return HasCode(err, ErrCodeAborted) }

// IsEvaluationFailed reports whether err is a failure raised by user code.
func IsEvaluationFailed(err error) bool { return Code(err) == ErrCodeEvaluation }

// IsIllegalProperty reports whether err is an unresolved or incompatible binding.
func IsIllegalProperty(err error) bool { return Code(err) == ErrCodeIllegalProperty }

// IsCompilationFailed reports whether err is a compilation failure.
func IsCompilationFailed(err error) bool { return HasCode(err, ErrCodeCompilation) }

// Diagnostics returns the compiler diagnostics attached to a compilation failure.
func Diagnostics(err error) []string {
	var ee *EngineError
	for errors.As(err, &ee) {
		if d, ok := ee.Details["diagnostics"].([]string); ok {
			return d
		}
		err = ee.Cause
	}
	return nil
}
