package tools

import (
	"errors"
	"fmt"
)

// Code classifies a tool failure. The same taxonomy is shared by every
// tool so the runtime and the model see uniform error shapes.
type Code string

const (
	CodeNotFound          Code = "not_found"
	CodePermissionDenied  Code = "permission_denied"
	CodeSizeLimitExceeded Code = "size_limit_exceeded"
	CodeInvalidArgument   Code = "invalid_argument"
	CodeTimeout           Code = "timeout"
	CodeExecutionFailed   Code = "execution_failed"
)

// Error is the typed failure of a single tool call. It is fed back into
// the conversation as a tool result rather than aborting the session.
type Error struct {
	Code    Code   `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetail attaches underlying error detail without changing the code.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing file, directory, database or resource.
func NotFound(format string, args ...interface{}) *Error {
	return newError(CodeNotFound, format, args...)
}

// PermissionDenied reports a sandbox or policy violation.
func PermissionDenied(format string, args ...interface{}) *Error {
	return newError(CodePermissionDenied, format, args...)
}

// SizeLimitExceeded reports content larger than the configured ceiling.
// size may be zero when the total is unknown (capped streaming reads).
func SizeLimitExceeded(size, max int64) *Error {
	if size > 0 {
		return newError(CodeSizeLimitExceeded, "size %d exceeds limit of %d bytes", size, max)
	}
	return newError(CodeSizeLimitExceeded, "content exceeds limit of %d bytes", max)
}

// InvalidArgument reports a request that failed validation.
func InvalidArgument(format string, args ...interface{}) *Error {
	return newError(CodeInvalidArgument, format, args...)
}

// Timeout reports a tool call that ran out of time.
func Timeout(format string, args ...interface{}) *Error {
	return newError(CodeTimeout, format, args...)
}

// ExecutionFailed reports a tool that ran but could not complete.
func ExecutionFailed(format string, args ...interface{}) *Error {
	return newError(CodeExecutionFailed, format, args...)
}

// AsError extracts a typed tool error, converting anything else into an
// execution failure so callers always hold the shared taxonomy.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var toolErr *Error
	if errors.As(err, &toolErr) {
		return toolErr
	}
	return ExecutionFailed("%s", err.Error())
}
