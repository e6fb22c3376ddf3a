package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorCode is the stable, user-visible failure classification. Callers see
// one of these codes, never a raw transport error.
type ErrorCode string

const (
	CodeValidation         ErrorCode = "VALIDATION"
	CodeNoWorkersAvailable ErrorCode = "NO_WORKERS_AVAILABLE"
	CodeNoHealthyWorkers   ErrorCode = "NO_HEALTHY_WORKERS"
	CodeWorkerTimeout      ErrorCode = "WORKER_TIMEOUT"
	CodeWorkerUnavailable  ErrorCode = "WORKER_UNAVAILABLE"
	CodeCircuitBreakerOpen ErrorCode = "CIRCUIT_BREAKER_OPEN"
	CodeCancelled          ErrorCode = "CANCELLED"
	CodeInternal           ErrorCode = "INTERNAL"
	CodeQueueFull          ErrorCode = "QUEUE_FULL"
	CodeStreamTimeout      ErrorCode = "STREAM_TIMEOUT"
)

// Error is the coded error type used across the control plane.
type Error struct {
	Code     ErrorCode
	Message  string
	WorkerID string
	Err      error
}

func (e *Error) Error() string {
	if e.WorkerID != "" {
		return fmt.Sprintf("%s: %s (worker %s)", e.Code, e.Message, e.WorkerID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewValidationError(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

func NewNoWorkersError(modelID string) *Error {
	return &Error{Code: CodeNoWorkersAvailable, Message: "no workers available for model " + modelID}
}

func NewNoHealthyWorkersError() *Error {
	return &Error{Code: CodeNoHealthyWorkers, Message: "no healthy workers in the routing pool"}
}

func NewWorkerUnavailableError(workerID string, err error) *Error {
	return &Error{Code: CodeWorkerUnavailable, Message: "worker unreachable", WorkerID: workerID, Err: err}
}

func NewBreakerOpenError(workerID string) *Error {
	return &Error{Code: CodeCircuitBreakerOpen, Message: "circuit breaker open", WorkerID: workerID}
}

func NewCancelledError(msg string) *Error {
	return &Error{Code: CodeCancelled, Message: msg}
}

func NewInternalError(msg string, err error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Err: err}
}

func NewQueueFullError(size int) *Error {
	return &Error{Code: CodeQueueFull, Message: fmt.Sprintf("scheduler queue full (%d)", size)}
}

func NewStreamTimeoutError(streamID string) *Error {
	return &Error{Code: CodeStreamTimeout, Message: fmt.Sprintf("stream %s timed out waiting for chunk ack", streamID)}
}

// TimeoutError tags an expired attempt with the method, configured deadline
// and the observed duration.
type TimeoutError struct {
	Method    string
	RequestID string
	Timeout   time.Duration
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s timed out after %s (budget %s, request %s)",
		CodeWorkerTimeout, e.Method, e.Elapsed, e.Timeout, e.RequestID)
}

// CodeOf extracts the error code, defaulting to INTERNAL for uncoded errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return CodeWorkerTimeout
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeWorkerTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeInternal
}

// WorkerOf extracts the worker an error is attributed to, if any.
func WorkerOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.WorkerID
	}
	return ""
}

// IsRetryable reports whether a failed attempt may be retried on a different
// worker. Validation errors, exhausted routing and cancellations are final.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeWorkerTimeout, CodeWorkerUnavailable, CodeCircuitBreakerOpen, CodeInternal:
		return true
	case CodeQueueFull:
		// A saturated worker only rules out that worker. Scheduler
		// admission rejections carry no worker and are final.
		return WorkerOf(err) != ""
	default:
		return false
	}
}
