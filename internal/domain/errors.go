package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the gateway client. Structured error types below wrap
// these so callers can branch with errors.Is while still reading the detail.
var (
	ErrNotConnected     = fmt.Errorf("not connected to gateway")
	ErrConnectFailed    = fmt.Errorf("gateway connect failed")
	ErrDisconnected     = fmt.Errorf("gateway connection lost")
	ErrTimeout          = fmt.Errorf("request timed out")
	ErrSendFailed       = fmt.Errorf("send failed")
	ErrRequestFailed    = fmt.Errorf("request rejected by server")
	ErrDecodingFailed   = fmt.Errorf("payload decoding failed")
	ErrUnknownFrameType = fmt.Errorf("unknown frame type")
)

// TimeoutError reports that no matching response arrived within the budget.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response within %s", e.Budget)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// RequestError carries a server-side ok=false rejection. Code may be empty
// when the server returned only a message.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server rejected request (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("server rejected request: %s", e.Message)
}

func (e *RequestError) Unwrap() error { return ErrRequestFailed }

// ConnectError is a terminal handshake failure.
type ConnectError struct {
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("connect: %s", e.Reason)
}

func (e *ConnectError) Unwrap() error {
	// Keep the inner cause reachable for errors.Is/As while categorizing
	// the failure as ErrConnectFailed.
	if e.Err != nil {
		return e.Err
	}
	return ErrConnectFailed
}

func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailed }

// SendError wraps a transport write failure.
type SendError struct {
	Err error
}

func (e *SendError) Error() string        { return fmt.Sprintf("send: %v", e.Err) }
func (e *SendError) Unwrap() error        { return e.Err }
func (e *SendError) Is(target error) bool { return target == ErrSendFailed }

// DecodeError reports a payload that did not match its expected shape. The
// pending request still resolves; it never hangs on a malformed response.
type DecodeError struct {
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("decode %s", e.Detail)
}

func (e *DecodeError) Unwrap() error        { return e.Err }
func (e *DecodeError) Is(target error) bool { return target == ErrDecodingFailed }

// ErrorCode is a machine-parseable error category for status surfaces.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotConnected     ErrorCode = "NOT_CONNECTED"
	CodeConnectFailed    ErrorCode = "CONNECT_FAILED"
	CodeDisconnected     ErrorCode = "DISCONNECTED"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeSendFailed       ErrorCode = "SEND_FAILED"
	CodeRequestFailed    ErrorCode = "REQUEST_FAILED"
	CodeDecodingFailed   ErrorCode = "DECODING_FAILED"
	CodeUnknownFrameType ErrorCode = "UNKNOWN_FRAME_TYPE"
)

// errorCodeOrder is checked front to back. A chain can satisfy more than one
// sentinel (a ConnectError wrapping a RequestError is both), so the order
// decides which code wins: the outermost category first.
var errorCodeOrder = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrConnectFailed, CodeConnectFailed},
	{ErrNotConnected, CodeNotConnected},
	{ErrDisconnected, CodeDisconnected},
	{ErrTimeout, CodeTimeout},
	{ErrSendFailed, CodeSendFailed},
	{ErrRequestFailed, CodeRequestFailed},
	{ErrDecodingFailed, CodeDecodingFailed},
	{ErrUnknownFrameType, CodeUnknownFrameType},
}

// ErrorCodeOf walks the error chain and returns the matching code, or
// CodeUnknown when no sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodeOrder {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeUnknown
}

// WrapOp adds operation context to an error.
// Returns nil if err is nil, enabling: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
