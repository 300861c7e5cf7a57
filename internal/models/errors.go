package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable failure signal surfaced to clients.
type ErrorCode string

const (
	CodeUploadTooLarge   ErrorCode = "UPLOAD_TOO_LARGE"
	CodeUnsupportedMime  ErrorCode = "UNSUPPORTED_MIME"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeExtractionFailed ErrorCode = "EXTRACTION_FAILED"
	CodeOCRTimeout       ErrorCode = "OCR_TIMEOUT"
	CodeStorageError     ErrorCode = "STORAGE_ERROR"
	CodeUnknownPolicy    ErrorCode = "UNKNOWN_POLICY"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeBadRequest       ErrorCode = "BAD_REQUEST"
	CodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	CodeGenerationFailed ErrorCode = "GENERATION_FAILED"
)

// HTTPStatus maps a code to its HTTP-equivalent status.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeUploadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnsupportedMime:
		return http.StatusUnsupportedMediaType
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnknownPolicy, CodeBadRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed application failure carrying an ErrorCode.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error, optionally wrapping a cause.
func NewError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the ErrorCode from err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = NewError(CodeNotFound, nil, "record not found")
