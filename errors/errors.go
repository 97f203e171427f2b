package errors

import (
	"errors"
	"net/http"
	"strings"
)

type ErrCode string

const (
	ErrCodeNotFound       ErrCode = "NotFound"
	ErrCodeForbidden      ErrCode = "Forbidden"
	ErrCodeServiceFailure ErrCode = "ServiceFailure"
	ErrCodeBadRequest     ErrCode = "BadRequest"
	ErrCodeOversized      ErrCode = "Oversized"
)

// Err is the error type vended by stores and services of the listings application
type Err struct {
	Code  ErrCode
	msg   string
	cause error
}

func (e *Err) Error() string {
	return e.msg
}

// Trace returns the chain of causes associated with the error, one cause per line
func (e *Err) Trace() string {
	b := &strings.Builder{}
	b.WriteString(e.msg)
	depth := 1
	for err := errors.Unwrap(e); err != nil; err = errors.Unwrap(err) {
		b.WriteString("\n")
		b.WriteString(strings.Repeat("\t", depth))
		b.WriteString("Caused by: ")
		b.WriteString(err.Error())
		depth++
	}
	return b.String()
}

func (e *Err) Unwrap() error {
	return e.cause
}

func (e *Err) WithCause(c error) *Err {
	e.cause = c
	return e
}

// prefer NewX(msg).WithCause(cause) over NewX(msg, cause) since the former is explicit about what
// the 2nd value is for
func NewServiceFailure(m string) *Err {
	return &Err{Code: ErrCodeServiceFailure, msg: m}
}

func NewNotFound(m string) *Err {
	return &Err{Code: ErrCodeNotFound, msg: m}
}

func NewForbidden(m string) *Err {
	return &Err{Code: ErrCodeForbidden, msg: m}
}

func NewBadInput(m string) *Err {
	return &Err{Code: ErrCodeBadRequest, msg: m}
}

func NewOversized(m string) *Err {
	return &Err{Code: ErrCodeOversized, msg: m}
}

// Is reports whether err is an *Err with the given code
func Is(err error, code ErrCode) bool {
	var e *Err
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// StatusCode returns the http response status code associated with the Err value
func (e *Err) StatusCode() int {
	switch e.Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeOversized:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
