package utils

import (
	"errors"
	"fmt"
)

// AppError wraps an operation, human-facing message, and underlying error. Status carries the
// upstream HTTP status when the failure came from a non-2xx response.
type AppError struct {
	Op     string
	Msg    string
	Status int
	Err    error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// NewUpstreamError reports an upstream endpoint that answered with a non-2xx status.
func NewUpstreamError(op string, status int, statusText string) error {
	return &AppError{Op: op, Msg: fmt.Sprintf("upstream returned %s", statusText), Status: status}
}

// UpstreamStatus extracts the upstream HTTP status from err, if any.
func UpstreamStatus(err error) (int, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status, true
	}
	return 0, false
}
