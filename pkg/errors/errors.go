// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Arbiter.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Arbiter errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeStoreUnavailable indicates the shared state store could not be
	// reached. Operations fail fast on this code; callers own the fallback.
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// CodeInsufficientData indicates a statistical window held too few
	// samples for the requested computation.
	CodeInsufficientData ErrorCode = "INSUFFICIENT_DATA"

	// CodeUnavailable indicates no candidate is currently admitted
	// (for example, every breaker is open).
	CodeUnavailable ErrorCode = "UNAVAILABLE"

	// CodeConfig indicates the service configuration could not be loaded.
	CodeConfig ErrorCode = "CONFIG_ERROR"
)

// ArbiterError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type ArbiterError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int // For HTTP responses
}

// Error implements the error interface.
func (e *ArbiterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *ArbiterError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *ArbiterError) MarshalJSON() ([]byte, error) {
	type Alias ArbiterError
	return json.Marshal(&struct {
		Message     string `json:"message"`
		Code        string `json:"code"`
		Err         string `json:"error,omitempty"`
		Recoverable bool   `json:"recoverable"`
		*Alias
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         fmt.Sprintf("%v", e.Err),
		Recoverable: e.Recoverable,
		Alias:       (*Alias)(e),
	})
}

// New creates a new ArbiterError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *ArbiterError {
	return &ArbiterError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *ArbiterError) WithContext(key string, value interface{}) *ArbiterError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *ArbiterError) WithAttribute(key, value string) *ArbiterError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *ArbiterError) WithRecoverable(recoverable bool) *ArbiterError {
	e.Recoverable = recoverable
	return e
}

// AsArbiterError attempts to convert an error to an ArbiterError.
// Returns the error as ArbiterError if it is one, or wraps it otherwise.
func AsArbiterError(err error) *ArbiterError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*ArbiterError); ok {
		return ae
	}
	// Wrap unknown error as internal
	return New(CodeInternal, "wrapped error", err)
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *ArbiterError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return 404 // NOT_FOUND
	case CodeInvalidInput:
		return 400 // INVALID_ARGUMENT
	case CodeTimeout:
		return 408 // DEADLINE_EXCEEDED
	case CodeStoreUnavailable, CodeUnavailable:
		return 503 // UNAVAILABLE
	case CodeInsufficientData:
		return 422 // UNPROCESSABLE_CONTENT
	default:
		return 500 // INTERNAL
	}
}
