// Package errors provides structured error handling for scanqueue operations.
// It defines error codes, error types, and provides utilities for creating
// and classifying errors raised by the task store, queue, idempotency layer,
// scanner registry and orchestrator.
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

	// Task lifecycle errors.
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeConflict          ErrorCode = "CONFLICT"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeNoCapacity        ErrorCode = "NO_CAPACITY"

	// Scanner backend errors.
	CodeBackend        ErrorCode = "BACKEND"
	CodeAuthentication ErrorCode = "AUTHENTICATION"

	// Infrastructure errors.
	CodeStorage ErrorCode = "STORAGE"
	CodeQueue   ErrorCode = "QUEUE"
)

// TaskError represents an error raised while operating on a scan task.
type TaskError struct {
	Code      ErrorCode
	Message   string
	TaskID    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("[%s] %s (task: %s)", e.Code, e.Message, e.TaskID)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *TaskError) WithContext(key string, value interface{}) *TaskError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewTaskError creates a new task error with the specified code and message.
func NewTaskError(code ErrorCode, message string) *TaskError {
	return &TaskError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewTaskErrorWithID creates a task error for a specific task.
func NewTaskErrorWithID(code ErrorCode, message, taskID string) *TaskError {
	return &TaskError{
		Code:    code,
		Message: message,
		TaskID:  taskID,
		Context: make(map[string]interface{}),
	}
}

// WrapTaskError wraps an existing error as a task error.
func WrapTaskError(code ErrorCode, message, taskID string, err error) *TaskError {
	return &TaskError{
		Code:    code,
		Message: message,
		TaskID:  taskID,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// StorageError represents task store, queue and idempotency backend errors.
type StorageError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new storage error.
func NewStorageError(code ErrorCode, message string) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
	}
}

// WrapStorageError wraps an existing error as a storage error.
func WrapStorageError(code ErrorCode, operation string, err error) *StorageError {
	return &StorageError{
		Code:      code,
		Message:   fmt.Sprintf("%s failed", operation),
		Operation: operation,
		Cause:     err,
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

// Utility functions for common error operations

// GetCode extracts the error code from the first coded error in the chain.
func GetCode(err error) ErrorCode {
	var taskErr *TaskError
	if stderrors.As(err, &taskErr) {
		return taskErr.Code
	}
	var storageErr *StorageError
	if stderrors.As(err, &storageErr) {
		return storageErr.Code
	}
	var configErr *ConfigError
	if stderrors.As(err, &configErr) {
		return configErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return GetCode(err) == code
}

// IsNotFound reports whether err signals a missing task or record.
func IsNotFound(err error) bool { return IsCode(err, CodeNotFound) }

// IsConflict reports whether err signals an existing record or an idempotency mismatch.
func IsConflict(err error) bool { return IsCode(err, CodeConflict) }

// IsValidation reports whether err signals malformed or conflicting arguments.
func IsValidation(err error) bool { return IsCode(err, CodeValidation) }

// IsInvalidTransition reports whether err signals a rejected state change.
func IsInvalidTransition(err error) bool { return IsCode(err, CodeInvalidTransition) }

// IsNoCapacity reports whether err signals that no healthy scanner was available.
func IsNoCapacity(err error) bool { return IsCode(err, CodeNoCapacity) }

// IsRetryable determines if an error indicates a retryable condition.
// The core never retries on its own; callers use this to decide policy.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeNoCapacity, CodeStorage, CodeQueue:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrValidation creates a validation error with the given message.
func ErrValidation(message string) *TaskError {
	return NewTaskError(CodeValidation, message)
}

// ErrMutuallyExclusive creates a validation error for two arguments that cannot be combined.
func ErrMutuallyExclusive(a, b string) *TaskError {
	return NewTaskError(CodeValidation, fmt.Sprintf("%s and %s are mutually exclusive", a, b))
}

// ErrTaskNotFound creates an error for an unknown task id.
func ErrTaskNotFound(taskID string) *TaskError {
	return NewTaskErrorWithID(CodeNotFound, "Task not found", taskID)
}

// ErrTaskExists creates an error for a duplicate task id.
func ErrTaskExists(taskID string) *TaskError {
	return NewTaskErrorWithID(CodeConflict, "Task already exists", taskID)
}

// ErrInvalidTransition creates an error for a state change the lifecycle does not allow.
func ErrInvalidTransition(taskID, from, to string) *TaskError {
	return NewTaskErrorWithID(CodeInvalidTransition,
		fmt.Sprintf("invalid transition from %s to %s", from, to), taskID).
		WithContext("from", from).
		WithContext("to", to)
}

// ErrIdempotencyConflict creates an error for a key reused with different parameters.
func ErrIdempotencyConflict(key, existingTaskID string) *TaskError {
	return NewTaskErrorWithID(CodeConflict,
		"idempotency key was already used with different request parameters", existingTaskID).
		WithContext("idempotency_key", key)
}

// ErrIdempotencyKeyMismatch creates an error for differing header and argument keys.
func ErrIdempotencyKeyMismatch(header, arg string) *TaskError {
	return NewTaskError(CodeValidation, "idempotency key in header and argument differ").
		WithContext("header", header).
		WithContext("argument", arg)
}

// ErrNoCapacity creates an error for a pool without a healthy instance.
func ErrNoCapacity(pool string) *TaskError {
	return NewTaskError(CodeNoCapacity, fmt.Sprintf("no healthy scanner with free capacity in pool %q", pool)).
		WithContext("pool", pool)
}

// ErrBackend wraps a scanner engine failure for a task.
func ErrBackend(taskID, operation string, err error) *TaskError {
	msg := fmt.Sprintf("scanner %s failed", operation)
	if err != nil {
		msg += ": " + err.Error()
	}
	e := WrapTaskError(CodeBackend, msg, taskID, err)
	e.Operation = operation
	return e
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
