package tool

import (
	"errors"
	"fmt"
)

// ErrorCode classifies tool execution failures. Codes are part of the tool
// contract: they are rendered into error envelopes and fed back to the model,
// which decides whether to retry, switch tools, or conclude.
type ErrorCode string

const (
	// CodeValidation means the tool was called with bad arguments.
	CodeValidation ErrorCode = "VALIDATION_ERROR"
	// CodeNotFound means an upstream 404 or a missing identifier.
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodeRateLimit means an upstream 429. Details may carry retry_after seconds.
	CodeRateLimit ErrorCode = "RATE_LIMIT"
	// CodeUpstream means a 5xx or a network failure.
	CodeUpstream ErrorCode = "UPSTREAM_ERROR"
	// CodeDependencyMissing means an optional library or credential is not present.
	CodeDependencyMissing ErrorCode = "DEPENDENCY_MISSING"
	// CodeUnconfigured means an optional source is gated off.
	CodeUnconfigured ErrorCode = "UNCONFIGURED"
)

// ExecError is the typed error tools raise. Anything else escaping a handler
// collapses to CodeUpstream with the original message preserved in Details.
type ExecError struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError reports bad tool arguments.
func NewValidationError(format string, args ...any) *ExecError {
	return &ExecError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError reports a missing upstream record or identifier.
func NewNotFoundError(format string, args ...any) *ExecError {
	return &ExecError{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewRateLimitError reports an upstream 429. retryAfter ≤ 0 omits the hint.
func NewRateLimitError(msg string, retryAfter float64) *ExecError {
	e := &ExecError{Code: CodeRateLimit, Message: msg, Retryable: true}
	if retryAfter > 0 {
		e.Details = map[string]any{"retry_after": retryAfter}
	}
	return e
}

// NewUpstreamError reports a 5xx or network failure. retryable is true for
// transport-level failures the caller may reasonably reissue.
func NewUpstreamError(msg string, retryable bool) *ExecError {
	return &ExecError{Code: CodeUpstream, Message: msg, Retryable: retryable}
}

// NewDependencyMissingError reports an absent optional library or credential.
func NewDependencyMissingError(format string, args ...any) *ExecError {
	return &ExecError{Code: CodeDependencyMissing, Message: fmt.Sprintf(format, args...)}
}

// NewUnconfiguredError reports a source that is gated off.
func NewUnconfiguredError(format string, args ...any) *ExecError {
	return &ExecError{Code: CodeUnconfigured, Message: fmt.Sprintf(format, args...)}
}

// Classify coerces any error into an ExecError. Typed errors pass through;
// unknown errors become UPSTREAM_ERROR with the original message in Details.
func Classify(err error) *ExecError {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee
	}
	return &ExecError{
		Code:      CodeUpstream,
		Message:   "tool execution failed",
		Retryable: false,
		Details:   map[string]any{"cause": err.Error()},
	}
}
