// Package apierr defines the error taxonomy shared by every Suzent
// component. Handlers map these to HTTP status codes at the boundary;
// internal callers branch on the Code.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the error category.
type Code string

const (
	CodeInvalidInput      Code = "invalid_input"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict"
	CodeNoModelConfigured Code = "no_model_configured"
	CodeTimeout           Code = "timeout"
	CodeConnectionFailed  Code = "connection_failed"
	CodeInternal          Code = "internal"
)

// Error is a categorized error carrying an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// InvalidInput reports a request rejected at the boundary.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing resource.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a duplicate id or an already-active stream.
func Conflict(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// NoModelConfigured reports that no enabled LLM model is available.
func NoModelConfigured(format string, args ...any) *Error {
	return &Error{Code: CodeNoModelConfigured, Message: fmt.Sprintf(format, args...)}
}

// Timeout reports an operation that exceeded its deadline.
func Timeout(format string, args ...any) *Error {
	return &Error{Code: CodeTimeout, Message: fmt.Sprintf(format, args...)}
}

// ConnectionFailed reports a broken connection to a peer (node, channel).
func ConnectionFailed(format string, args ...any) *Error {
	return &Error{Code: CodeConnectionFailed, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected error. The message shown to clients is
// generic; the cause is preserved for logging.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// Wrap attaches a cause to a categorized error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the Code from err, or CodeInternal for uncategorized errors.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error to its HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeNoModelConfigured:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeConnectionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to clients. Internal
// errors collapse to a generic message so details stay in the logs.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Code != CodeInternal {
		return ae.Message
	}
	return "internal error"
}
