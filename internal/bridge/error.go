package bridge

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Code mirrors the HTTP status codes the bridge can synthesize.
type Code int

const (
	CodeUnknown               Code = 0
	CodeBadRequest            Code = http.StatusBadRequest            // RFC 9110, 15.5.1
	CodeNotFound              Code = http.StatusNotFound              // RFC 9110, 15.5.5
	CodeRequestEntityTooLarge Code = http.StatusRequestEntityTooLarge // RFC 9110, 15.5.14
	CodeInternalServerError   Code = http.StatusInternalServerError   // RFC 9110, 15.6.1
)

// Error is a failure that maps to a synthesized response.
type Error struct {
	code Code
	err  error
}

// NewError inits a new error given the error code.
func NewError(c Code, underlying error) *Error {
	return &Error{c, underlying}
}

func (e *Error) Code() Code    { return e.code }
func (e *Error) Unwrap() error { return e.err }
func (e *Error) Error() string {
	status := http.StatusText(int(e.code))
	if status == "" {
		status = "Unknown"
	}
	return fmt.Sprintf("%s: %s", status, e.err.Error())
}

// CodeOf returns the error's code if it is or wraps an *Error and
// CodeUnknown otherwise.
func CodeOf(err error) Code {
	var berr *Error
	if errors.As(err, &berr) {
		return berr.Code()
	}
	return CodeUnknown
}
