package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeValidation   = "validation_error"
	CodeConflict     = "conflict"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// Violation is a per-field validation failure attached to validation_error
// responses.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Error struct {
	Status     int
	Code       string
	Err        error
	Violations []Violation
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func NotFound(msg string) *Error {
	return New(http.StatusNotFound, CodeNotFound, errors.New(msg))
}

func Forbidden(msg string) *Error {
	return New(http.StatusForbidden, CodeForbidden, errors.New(msg))
}

func Unauthorized(msg string) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, errors.New(msg))
}

func Conflict(msg string) *Error {
	return New(http.StatusConflict, CodeConflict, errors.New(msg))
}

func Validation(msg string, violations ...Violation) *Error {
	return &Error{
		Status:     http.StatusBadRequest,
		Code:       CodeValidation,
		Err:        errors.New(msg),
		Violations: violations,
	}
}

func Internal(err error) *Error {
	return New(http.StatusInternalServerError, CodeInternal, err)
}

// As unwraps err into an *Error, or nil if it is not one.
func As(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}
