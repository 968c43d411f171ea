package domain

import (
	"fmt"
	"net/http"
)

// ErrorCode groups errors by how clients should react to them.
type ErrorCode struct {
	Name       string
	StatusCode int
}

var (
	ErrorCodeParameterInvalid     = ErrorCode{Name: "PARAMETER_INVALID", StatusCode: http.StatusBadRequest}
	ErrorCodeResourceNotFound     = ErrorCode{Name: "RESOURCE_NOT_FOUND", StatusCode: http.StatusNotFound}
	ErrorCodeAuthPermissionDenied = ErrorCode{Name: "AUTH_PERMISSION_DENIED", StatusCode: http.StatusForbidden}
	ErrorCodeAuthNotAuthenticated = ErrorCode{Name: "AUTH_NOT_AUTHENTICATED", StatusCode: http.StatusUnauthorized}
	ErrorCodeInternalProcess      = ErrorCode{Name: "INTERNAL_PROCESS", StatusCode: http.StatusInternalServerError}
	ErrorCodeRemoteProcessError   = ErrorCode{Name: "REMOTE_PROCESS_ERROR", StatusCode: http.StatusBadGateway}
	errorCodeUnknown              = ErrorCode{Name: "UNKNOWN_ERROR", StatusCode: http.StatusInternalServerError}
)

// DomainError is the error type REST handlers translate into responses.
// The zero value reports an unknown internal error.
type DomainError struct {
	code      ErrorCode
	err       error
	clientMsg string
	detail    map[string]interface{}
}

type ErrorOption func(*DomainError)

// WithMsg sets the message shown to API clients.
func WithMsg(msg string) ErrorOption {
	return func(e *DomainError) {
		e.clientMsg = msg
	}
}

// WithDetail attaches structured detail to the response body.
func WithDetail(detail map[string]interface{}) ErrorOption {
	return func(e *DomainError) {
		e.detail = detail
	}
}

func NewError(code ErrorCode, err error, opts ...ErrorOption) error {
	e := DomainError{code: code, err: err}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (e DomainError) Error() string {
	if e.err == nil {
		return e.Name()
	}
	return fmt.Sprintf("%s: %v", e.Name(), e.err)
}

func (e DomainError) Unwrap() error {
	return e.err
}

func (e DomainError) Name() string {
	if e.code.Name == "" {
		return errorCodeUnknown.Name
	}
	return e.code.Name
}

func (e DomainError) ClientMsg() string {
	return e.clientMsg
}

func (e DomainError) Detail() map[string]interface{} {
	return e.detail
}

func (e DomainError) HTTPStatus() int {
	if e.code.StatusCode == 0 {
		return errorCodeUnknown.StatusCode
	}
	return e.code.StatusCode
}
