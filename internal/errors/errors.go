package errors

import (
	"errors"
	"fmt"
)

// Standard library helpers, re-exported so callers need a single import.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

type codedError struct {
	code    ErrorCode
	message string
	cause   error
	data    any
}

func (e *codedError) Error() string {
	msg := e.message
	if msg == "" {
		msg = GetErrorMessage(e.code)
	}

	switch {
	case e.data != nil:
		return fmt.Sprintf("%s: %v", msg, e.data)
	case e.cause != nil:
		return msg + ": " + e.cause.Error()
	default:
		return msg
	}
}

func (e *codedError) Code() ErrorCode { return e.code }

func (e *codedError) Data() any { return e.data }

func (e *codedError) Unwrap() error { return e.cause }

// Is matches any coded error with the same code, so errors.Is works against
// values built by New.
func (e *codedError) Is(target error) bool {
	t, ok := target.(*codedError)
	return ok && t.code == e.code
}

func (e *codedError) WithMessage(msg string) Error {
	out := *e
	out.message = msg
	return &out
}

func (e *codedError) WithData(data any) Error {
	out := *e
	out.data = data
	return &out
}

type factory struct{}

// New returns the package Factory.
func New() Factory {
	return factory{}
}

func (factory) New(code ErrorCode) Error {
	return &codedError{code: code}
}

func (factory) Wrap(code ErrorCode, err error) Error {
	return &codedError{code: code, cause: err}
}

func (factory) WithMessage(code ErrorCode, msg string) Error {
	return &codedError{code: code, message: msg}
}

func (factory) WithData(code ErrorCode, data any) Error {
	return &codedError{code: code, data: data}
}

// CodeOf returns the outermost code in err's chain, or "" when there is none.
func CodeOf(err error) ErrorCode {
	var e Error
	if As(err, &e) {
		return e.Code()
	}
	return ""
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	return Is(err, &codedError{code: code})
}
