package errors

import (
	stderrors "errors"
	"fmt"
)

// Code identifies a failure class. Postgres SQLSTATE codes are carried through verbatim.
type Code string

const (
	CodeNoTransport       Code = "NO_TRANSPORT"
	CodeTimeout           Code = "TIMEOUT"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeNetwork           Code = "NETWORK_ERROR"
	CodeQueueTimeout      Code = "QUEUE_TIMEOUT"
	CodeBatchDisposed     Code = "BATCH_DISPOSED"
	CodeCancelled         Code = "CANCELLED"
	CodeTransformFailed   Code = "TRANSFORM_FAILED"
	CodeSubscriptionLimit Code = "SUBSCRIPTION_LIMIT"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeUnknown           Code = "UNKNOWN"
)

// QueryError is the normalized failure value produced by every failure path of the
// data layer. It is never mutated after it has been handed to a caller.
type QueryError struct {
	Code      Code                   `json:"code"`
	Message   string                 `json:"message"`
	Hint      string                 `json:"hint,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *QueryError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *QueryError) Unwrap() error {
	return e.Cause
}

// NewQueryError creates a new QueryError
func NewQueryError(code Code, message string, retryable bool, cause error) *QueryError {
	return &QueryError{
		Code:      code,
		Message:   message,
		Details:   make(map[string]interface{}),
		Retryable: retryable,
		Cause:     cause,
	}
}

// WithDetail adds a detail to the error. Only call it before the error is returned.
func (e *QueryError) WithDetail(key string, value interface{}) *QueryError {
	e.Details[key] = value
	return e
}

// WithHint attaches a hint to the error
func (e *QueryError) WithHint(hint string) *QueryError {
	e.Hint = hint
	return e
}

// Convenience constructors for common errors

func NoTransport() *QueryError {
	return NewQueryError(CodeNoTransport, "no transport configured", false, nil).
		WithHint("configure a postgres or sqlite transport before issuing queries")
}

func Timeout(after fmt.Stringer) *QueryError {
	return NewQueryError(CodeTimeout, fmt.Sprintf("operation timed out after %s", after), true, nil)
}

func QueueTimeout(operationID string, after fmt.Stringer) *QueryError {
	return NewQueryError(CodeQueueTimeout, fmt.Sprintf("operation %s waited in queue longer than %s", operationID, after), false, nil).
		WithDetail("operation_id", operationID)
}

func BatchDisposed(operationID string) *QueryError {
	return NewQueryError(CodeBatchDisposed, "batch writer disposed before operation was flushed", false, nil).
		WithDetail("operation_id", operationID)
}

func TransformFailed(table string, cause error) *QueryError {
	return NewQueryError(CodeTransformFailed, fmt.Sprintf("row transform for %s failed", table), false, cause).
		WithDetail("table", table)
}

func SubscriptionLimit(table string, limit int) *QueryError {
	return NewQueryError(CodeSubscriptionLimit, fmt.Sprintf("subscription limit %d reached for %s", limit, table), false, nil).
		WithDetail("table", table).
		WithDetail("limit", limit)
}

func InvalidArgument(message string, cause error) *QueryError {
	return NewQueryError(CodeInvalidArgument, message, false, cause)
}

// IsQueryError checks if an error is, or wraps, a QueryError
func IsQueryError(err error) bool {
	var qe *QueryError
	return stderrors.As(err, &qe)
}

// GetCode extracts the error code from an error
func GetCode(err error) Code {
	var qe *QueryError
	if stderrors.As(err, &qe) {
		return qe.Code
	}
	return CodeUnknown
}
