// Package errs provides types and support related to web error functionality.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
)

// ErrCode represents an error code in the system.
type ErrCode struct {
	value int
}

// Value returns the integer value of the error code.
func (ec ErrCode) Value() int { return ec.value }

// String returns the string representation of the error code.
func (ec ErrCode) String() string { return codeNames[ec] }

// Error codes the API can return.
var (
	OK                 = ErrCode{value: 0}
	Canceled           = ErrCode{value: 1}
	InvalidArgument    = ErrCode{value: 3}
	NotFound           = ErrCode{value: 5}
	ResourceExhausted  = ErrCode{value: 8}
	FailedPrecondition = ErrCode{value: 9}
	Internal           = ErrCode{value: 13}
	Unavailable        = ErrCode{value: 14}
	PayloadTooLarge    = ErrCode{value: 17}
)

var codeNames = map[ErrCode]string{
	OK:                 "ok",
	Canceled:           "canceled",
	InvalidArgument:    "invalid_argument",
	NotFound:           "not_found",
	ResourceExhausted:  "resource_exhausted",
	FailedPrecondition: "failed_precondition",
	Internal:           "internal",
	Unavailable:        "unavailable",
	PayloadTooLarge:    "payload_too_large",
}

var httpStatus = map[ErrCode]int{
	OK:                 http.StatusOK,
	Canceled:           http.StatusGatewayTimeout,
	InvalidArgument:    http.StatusBadRequest,
	NotFound:           http.StatusNotFound,
	ResourceExhausted:  http.StatusTooManyRequests,
	FailedPrecondition: http.StatusConflict,
	Internal:           http.StatusInternalServerError,
	Unavailable:        http.StatusServiceUnavailable,
	PayloadTooLarge:    http.StatusRequestEntityTooLarge,
}

// Error represents an error in the system.
type Error struct {
	Code     ErrCode `json:"-"`
	Message  string  `json:"error"`
	FuncName string  `json:"-"`
	FileName string  `json:"-"`
}

// New constructs an error based on an app error.
func New(code ErrCode, err error) *Error {
	pc, filename, line, _ := runtime.Caller(1)

	return &Error{
		Code:     code,
		Message:  err.Error(),
		FuncName: runtime.FuncForPC(pc).Name(),
		FileName: fmt.Sprintf("%s:%d", filename, line),
	}
}

// Newf constructs an error based on an error message.
func Newf(code ErrCode, format string, v ...any) *Error {
	pc, filename, line, _ := runtime.Caller(1)

	return &Error{
		Code:     code,
		Message:  fmt.Sprintf(format, v...),
		FuncName: runtime.FuncForPC(pc).Name(),
		FileName: fmt.Sprintf("%s:%d", filename, line),
	}
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// Encode implements the web.Encoder interface.
func (e *Error) Encode() ([]byte, string, error) {
	data, err := json.Marshal(e)
	return data, "application/json", err
}

// HTTPStatus implements the web handler interface for the status code.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Equal provides support for the go-cmp package and testing.
func (e *Error) Equal(e2 *Error) bool {
	return e.Code == e2.Code && e.Message == e2.Message
}

// IsError tests the concrete error is of the Error type.
func IsError(err error) bool {
	var er *Error
	return errors.As(err, &er)
}

// GetError returns a copy of the Error pointer.
func GetError(err error) *Error {
	var er *Error
	if !errors.As(err, &er) {
		return nil
	}
	return er
}
