// Package errors 定义统一错误码
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK             Code = "OK"
	CodeUnknown        Code = "UNKNOWN"
	CodeInvalidParam   Code = "INVALID_PARAM"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeNotFound       Code = "NOT_FOUND"
	CodeAlreadyExists  Code = "ALREADY_EXISTS"
	CodeInternal       Code = "INTERNAL"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeTimeout        Code = "TIMEOUT"

	// 协调层
	CodeSagaNotFound        Code = "SAGA_NOT_FOUND"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeInvalidDefinition   Code = "INVALID_DEFINITION"
	CodePartialCompensation Code = "PARTIAL_COMPENSATION"
	CodeRPCTimeout          Code = "RPC_TIMEOUT"
	CodeRemoteFailure       Code = "REMOTE_FAILURE"
	CodeRouteNotFound       Code = "ROUTE_NOT_FOUND"

	// 限流
	CodeRateLimited Code = "RATE_LIMITED"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDefault creates an error and falls back to the code as message.
func NewWithDefault(code Code, message string) *Error {
	if code == "" {
		code = CodeUnknown
	}
	if message == "" {
		message = string(code)
	}
	return New(code, message)
}

// WithRequestID 返回带请求 ID 的副本
func (e *Error) WithRequestID(requestID string) *Error {
	cp := *e
	cp.RequestID = requestID
	return &cp
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// From extracts the coded error from an error chain. Errors without a code
// become CodeInternal so internals never leak to callers.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded
	}
	return New(CodeInternal, "internal error")
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeRateLimited, CodeTimeout, CodeRPCTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeInvalidDefinition:
		return http.StatusBadRequest
	case CodeNotFound, CodeSagaNotFound, CodeRouteNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeInvalidTransition:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout, CodeRPCTimeout:
		return http.StatusGatewayTimeout
	case CodeRemoteFailure, CodePartialCompensation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound     = New(CodeNotFound, "not found")
	ErrRateLimited  = New(CodeRateLimited, "rate limited")
)
