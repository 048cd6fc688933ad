package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure local to one node or task run.
	// Examples: dispatch timeouts, unreachable nodes.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion on a collaborator.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict.
	// Examples: two transactions claiming the same node.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unresolved task references, dependency cycles, threshold breaches.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the task id, node uid or transaction id involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when both class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
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

// Error codes.
const (
	ErrCodeGraphValidation   = "GRAPH_VALIDATION"
	ErrCodeCycle             = "CYCLE_DETECTED"
	ErrCodeStrictOverride    = "STRICT_OVERRIDE"
	ErrCodeDispatchTimeout   = "DISPATCH_TIMEOUT"
	ErrCodeDeploymentAborted = "DEPLOYMENT_ABORTED"
	ErrCodeTransport         = "TRANSPORT"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// NewGraphValidationError reports an invalid task graph, typically an
// unresolved reference. It is fatal at build time.
func NewGraphValidationError(message string, taskID string) *EngineError {
	return NewPermanentError(message, nil).
		WithCode(ErrCodeGraphValidation).
		WithResource(taskID).
		WithOperation("build_graph")
}

// NewCycleError reports a dependency cycle. path lists the task ids forming it.
func NewCycleError(path []string) *EngineError {
	return NewPermanentError(fmt.Sprintf("dependency cycle detected: %s", formatCycle(path)), nil).
		WithCode(ErrCodeCycle).
		WithOperation("build_graph").
		WithDetail("cycle", path)
}

// NewStrictOverrideError reports a task id collision while merging in strict mode.
func NewStrictOverrideError(taskID string) *EngineError {
	return NewPermanentError("task id registered twice", nil).
		WithCode(ErrCodeStrictOverride).
		WithResource(taskID).
		WithOperation("merge_graph")
}

// NewDispatchTimeoutError reports a task run that exceeded its deadline.
func NewDispatchTimeoutError(taskID, nodeUID string, err error) *EngineError {
	return NewTransientError("task run exceeded its deadline", err).
		WithCode(ErrCodeDispatchTimeout).
		WithResource(taskID).
		WithOperation("dispatch").
		WithDetail("node_uid", nodeUID)
}

// NewTransportError reports a node that could not be reached by the transport.
func NewTransportError(nodeUID string, err error) *EngineError {
	return NewTransientError("node unreachable", err).
		WithCode(ErrCodeTransport).
		WithResource(nodeUID).
		WithOperation("send")
}

// NewDeploymentAbortedError reports a failure threshold breach for role.
func NewDeploymentAbortedError(role string, failed, allowed int) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("role %s exceeded failure threshold: %d failed, %d allowed", role, failed, allowed), nil).
		WithCode(ErrCodeDeploymentAborted).
		WithResource(role).
		WithDetail("failed", failed).
		WithDetail("allowed", allowed)
}

// ErrDeploymentAborted matches any DeploymentAborted error with errors.Is.
var ErrDeploymentAborted = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDeploymentAborted}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return hasClass(err, ErrorClassPermanent)
}

// IsGraphValidationError reports whether err is a graph validation failure.
// Strict-mode override rejections count as validation failures.
func IsGraphValidationError(err error) bool {
	return hasCode(err, ErrCodeGraphValidation) || hasCode(err, ErrCodeStrictOverride)
}

// IsCycleError reports whether err is a dependency cycle.
func IsCycleError(err error) bool {
	return hasCode(err, ErrCodeCycle)
}

// IsDispatchTimeoutError reports whether err is a task run deadline expiry.
func IsDispatchTimeoutError(err error) bool {
	return hasCode(err, ErrCodeDispatchTimeout)
}

// IsDeploymentAborted reports whether err is a threshold breach.
func IsDeploymentAborted(err error) bool {
	return hasCode(err, ErrCodeDeploymentAborted)
}

// IsTransportError reports whether err is a transport failure.
func IsTransportError(err error) bool {
	return hasCode(err, ErrCodeTransport)
}

// IsNotFound reports whether err is a missing entity.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
