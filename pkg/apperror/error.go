// Package apperror carries a machine-readable code alongside an error so the
// HTTP edge can pick a status without knowing about individual failures.
package apperror

import (
	"errors"
	"fmt"
)

type AppError struct {
	code    string
	message string
	err     error
}

func New(code, message string) *AppError {
	return &AppError{code: code, message: message}
}

func Wrap(code, message string, err error) *AppError {
	return &AppError{code: code, message: message, err: err}
}

func (e *AppError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.message, e.err.Error())
	}
	return e.message
}

func (e *AppError) Code() string { return e.code }

// Message is the user-facing text, without the wrapped cause.
func (e *AppError) Message() string { return e.message }

func (e *AppError) Unwrap() error { return e.err }

// Is matches another AppError by code so wrapped sentinels compare equal.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return other.code == e.code && other.message == e.message
}

// CodeOf returns the code of the first AppError in err's chain, or CodeInternal.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.code
	}
	return CodeInternal
}

// MessageOf returns the user-facing message for err. Errors without a code
// get a generic message so internal details never reach the client.
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.message
	}
	return "Internal server error"
}
