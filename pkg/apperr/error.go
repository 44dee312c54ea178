package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code int

const (
	Internal Code = iota
	NotFound
	Conflict
	// WriteConflict is a serialization failure from the persistence layer.
	// Callers may retry it a bounded number of times; it is never a business rule violation.
	WriteConflict
	InvalidArgument
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case WriteConflict:
		return "write_conflict"
	case InvalidArgument:
		return "invalid_argument"
	default:
		return "internal"
	}
}

func (c Code) HTTPCode() int {
	switch c {
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case WriteConflict:
		return http.StatusServiceUnavailable
	case InvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Code Code
	Msg  string // returned to the caller together with Code
	Err  error  // underlying cause, for logs only
}

func New(code Code, msg string, underlying error) *Error {
	return &Error{Code: code, Msg: msg, Err: underlying}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Msg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...), nil)
}

func Conflictf(format string, args ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, args...), nil)
}

func Invalidf(format string, args ...any) *Error {
	return New(InvalidArgument, fmt.Sprintf(format, args...), nil)
}

func NewWriteConflict(msg string, underlying error) *Error {
	return New(WriteConflict, msg, underlying)
}

// CodeOf returns Internal for errors that carry no code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

func IsNotFound(err error) bool  { return IsCode(err, NotFound) }
func IsConflict(err error) bool  { return IsCode(err, Conflict) }
func IsRetryable(err error) bool { return IsCode(err, WriteConflict) }

// Message is the caller-facing text of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}
