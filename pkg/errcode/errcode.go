// Package errcode defines the machine-readable error codes returned by the audit
// subsystem to its callers, and their HTTP status mapping.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier
type Code string

const (
	InvalidFormat         Code = "INVALID_FORMAT"
	InvalidDateRange      Code = "INVALID_DATE_RANGE"
	SearchTooLong         Code = "SEARCH_TOO_LONG"
	RateLimitExceeded     Code = "RATE_LIMIT_EXCEEDED"
	AccessDenied          Code = "ACCESS_DENIED"
	ExportNotFound        Code = "EXPORT_NOT_FOUND"
	ExportTooLarge        Code = "EXPORT_TOO_LARGE"
	DownloadTokenExpired  Code = "DOWNLOAD_TOKEN_EXPIRED"
	DownloadTokenNotFound Code = "DOWNLOAD_TOKEN_NOT_FOUND"
	EventNotFound         Code = "EVENT_NOT_FOUND"
	InvalidPagination     Code = "INVALID_PAGINATION"
	InvalidSort           Code = "INVALID_SORT"
	RecorderOverloaded    Code = "RECORDER_OVERLOADED"
	ValidationFailed      Code = "VALIDATION_FAILED"
	Internal              Code = "INTERNAL_ERROR"
)

// Error carries a Code plus a human readable message. The wrapped cause is kept for
// errors.Is/As and logging but is never rendered to external callers.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so sentinel values work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a coded error
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from err, defaulting to INTERNAL_ERROR
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return Internal
}

// MessageOf returns the public message for err. Uncoded errors get a generic message
// so internal details never leak.
func MessageOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Message
	}
	return "internal error"
}

// HTTPStatus maps a code to the HTTP status used by the thin HTTP layer
func HTTPStatus(code Code) int {
	switch code {
	case InvalidFormat, InvalidDateRange, SearchTooLong, InvalidPagination, InvalidSort, ValidationFailed:
		return http.StatusBadRequest
	case ExportTooLarge:
		return http.StatusUnprocessableEntity
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case AccessDenied:
		return http.StatusForbidden
	case ExportNotFound, EventNotFound, DownloadTokenNotFound:
		return http.StatusNotFound
	case DownloadTokenExpired:
		return http.StatusGone
	case RecorderOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
