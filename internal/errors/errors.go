// Package errors provides structured error handling for subsonic operations.
// It defines error codes and the error types returned by the connection,
// session and configuration layers, with helpers for inspecting them.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"

	// Connection errors.
	CodeNotConnected   ErrorCode = "NOT_CONNECTED"
	CodeDialFailed     ErrorCode = "DIAL_FAILED"
	CodeTransport      ErrorCode = "TRANSPORT"
	CodeMalformedFrame ErrorCode = "MALFORMED_FRAME"
	CodeEncodeFailed   ErrorCode = "ENCODE_FAILED"
)

// ConnectionError represents an error raised by the real-time connection.
type ConnectionError struct {
	Code        ErrorCode
	Message     string
	Endpoint    string
	MessageType string
	Cause       error
	Context     map[string]interface{}
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.MessageType != "" {
		msg = fmt.Sprintf("%s (type: %s)", msg, e.MessageType)
	}
	if e.Endpoint != "" {
		msg = fmt.Sprintf("%s (endpoint: %s)", msg, e.Endpoint)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ConnectionError) WithContext(key string, value interface{}) *ConnectionError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewConnectionError creates a new connection error with the specified code and message.
func NewConnectionError(code ErrorCode, message string) *ConnectionError {
	return &ConnectionError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapConnectionError wraps an existing error as a connection error.
func WrapConnectionError(code ErrorCode, message string, err error) *ConnectionError {
	return &ConnectionError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// IsCode checks if an error, or any error it wraps, has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	var connErr *ConnectionError
	if stderrors.As(err, &connErr) {
		return connErr.Code
	}
	var cfgErr *ConfigError
	if stderrors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether the condition may clear up on a later attempt.
// A lost connection is retryable: the reconnect loop will bring it back.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeNotConnected, CodeDialFailed, CodeTransport:
		return true
	default:
		return false
	}
}

// ErrNotConnected creates the error returned when sending without a live connection.
func ErrNotConnected(messageType string) *ConnectionError {
	err := NewConnectionError(CodeNotConnected, "connection is not open")
	err.MessageType = messageType
	return err
}

// ErrDialFailed creates an error for a failed connection attempt.
func ErrDialFailed(endpoint string, err error) *ConnectionError {
	e := WrapConnectionError(CodeDialFailed, "failed to open connection", err)
	e.Endpoint = endpoint
	return e
}

// ErrMalformedFrame creates an error for an inbound frame that is not a valid envelope.
func ErrMalformedFrame(err error) *ConnectionError {
	return WrapConnectionError(CodeMalformedFrame, "inbound frame is not a valid message envelope", err)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}
