// Package dispatcher routes commands arriving at the local endpoint to the
// agent's command surface and defines the request/reply envelopes shared by
// every transport.
package dispatcher

import (
	"encoding/json"
	"fmt"
)

// Error codes carried in ErrorDetail.Code.
const (
	CodeChannelDenied         = "CHANNEL_DENIED"
	CodeTimeout               = "TIMEOUT"
	CodeEndpointUnavailable   = "ENDPOINT_UNAVAILABLE"
	CodeExecutionFailed       = "EXECUTION_FAILED"
	CodePartialReconciliation = "PARTIAL_RECONCILIATION"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeMethodNotFound        = "METHOD_NOT_FOUND"
)

// Request is a command submitted over a channel.
type Request struct {
	ID          string          `json:"id,omitempty" cbor:"id,omitempty"`
	Channel     string          `json:"channel" cbor:"channel"`
	Payload     json.RawMessage `json:"payload,omitempty" cbor:"payload,omitempty"`
	Origin      string          `json:"origin" cbor:"origin"`
	ExpectReply bool            `json:"expectReply" cbor:"expectReply"`
	TimeoutMs   int             `json:"timeoutMs,omitempty" cbor:"timeoutMs,omitempty"`
}

// Response is the single terminal reply to a Request that expects one.
type Response struct {
	ID     string          `json:"id" cbor:"id"`
	Ok     bool            `json:"ok" cbor:"ok"`
	Result json.RawMessage `json:"result,omitempty" cbor:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty" cbor:"error,omitempty"`
}

// Progress is an intermediate frame emitted before the terminal Response.
type Progress struct {
	ID      string          `json:"id" cbor:"id"`
	Payload json.RawMessage `json:"payload" cbor:"payload"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string `json:"code" cbor:"code"`
	Message   string `json:"message" cbor:"message"`
	Retryable bool   `json:"retryable" cbor:"retryable"`
}

func (e *ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

// NewError builds an ErrorDetail; transport-level codes are retryable.
func NewError(code, message string) *ErrorDetail {
	return &ErrorDetail{
		Code:      code,
		Message:   message,
		Retryable: code == CodeTimeout || code == CodeEndpointUnavailable,
	}
}

// Errorf is NewError with formatting.
func Errorf(code, format string, args ...interface{}) *ErrorDetail {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Fail builds a failed Response for id.
func Fail(id, code, message string) *Response {
	return &Response{ID: id, Ok: false, Error: NewError(code, message)}
}

// FailWith builds a failed Response from an existing ErrorDetail.
func FailWith(id string, detail *ErrorDetail) *Response {
	return &Response{ID: id, Ok: false, Error: detail}
}

// Succeed builds a successful Response, encoding result as JSON.
func Succeed(id string, result interface{}) *Response {
	if result == nil {
		return &Response{ID: id, Ok: true}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return Fail(id, CodeExecutionFailed, fmt.Sprintf("failed to encode result: %v", err))
	}
	return &Response{ID: id, Ok: true, Result: data}
}

// ErrorCode returns the response's error code, or "" on success.
func (r *Response) ErrorCode() string {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Code
}
