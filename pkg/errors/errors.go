// Package errors provides the closed error taxonomy used throughout the
// transport core: every failure surfaced across connection establishment,
// HTTP/1.1, HTTP/2, and WebSocket boundaries is wrapped into one of these
// types before it reaches a caller.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorType is the closed category a transport Error belongs to.
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeHTTP        ErrorType = "http"
	ErrorTypeCertificate ErrorType = "certificate"
	ErrorTypeCancelled   ErrorType = "cancelled"
	ErrorTypeInvalid     ErrorType = "invalid_request"
	ErrorTypeUnknown     ErrorType = "unknown"

	// WebSocket-specific additions.
	ErrorTypeProtocol             ErrorType = "ws_protocol"
	ErrorTypeFrameTooLarge        ErrorType = "ws_frame_too_large"
	ErrorTypeMessageTooLarge      ErrorType = "ws_message_too_large"
	ErrorTypeCompressionFailed    ErrorType = "ws_compression_failed"
	ErrorTypeDecompressionFailed  ErrorType = "ws_decompression_failed"
	ErrorTypePongTimeout          ErrorType = "ws_pong_timeout"
	ErrorTypeAbnormalClosure      ErrorType = "ws_abnormal_closure"
	ErrorTypeSerializationFailed  ErrorType = "ws_serialization_failed"
	ErrorTypeProxyAuthRequired    ErrorType = "proxy_auth_required"
	ErrorTypeProxyConnFailed      ErrorType = "proxy_connection_failed"
	ErrorTypeProxyTunnelFailed    ErrorType = "proxy_tunnel_failed"
	ErrorTypeExtensionNegotiation ErrorType = "extension_negotiation_failed"
)

// Error is a structured, wrapped transport error.
type Error struct {
	Type      ErrorType
	Op        string
	Message   string
	Cause     error
	Host      string
	Port      int
	Addr      string
	Status    int // populated for ErrorTypeHTTP
	Timestamp time.Time
}

// TransportError is an alias kept for API continuity with the teacher's naming.
type TransportError = Error

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Addr != "" {
		parts = append(parts, e.Addr)
	} else if e.Host != "" {
		if e.Port > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", e.Host, e.Port))
		} else {
			parts = append(parts, e.Host)
		}
	}
	errStr := strings.Join(parts, " ")
	if e.Message != "" {
		errStr += ": " + e.Message
	}
	if e.Cause != nil {
		errStr += ": " + e.Cause.Error()
	}
	return errStr
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// Retryable reports whether a retry middleware may safely resend the
// request that produced this error: true for NetworkError, Timeout, and
// HttpError with status >= 500.
func (e *Error) Retryable() bool {
	switch e.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout:
		return true
	case ErrorTypeHTTP:
		return e.Status >= 500
	default:
		return false
	}
}

func NewNetworkError(op, host string, port int, cause error) *Error {
	addr := host
	if port > 0 {
		addr = fmt.Sprintf("%s:%d", host, port)
	}
	return &Error{
		Type: ErrorTypeNetwork, Op: op, Host: host, Port: port, Addr: addr,
		Message: fmt.Sprintf("network error during %s", op), Cause: cause, Timestamp: time.Now(),
	}
}

// NewBodyTooLargeError reports a response body that overflowed the
// configured maximum (spec §4.3 parser / §6.8 max_response_body_bytes).
func NewBodyTooLargeError(limit int64) *Error {
	return &Error{
		Type: ErrorTypeNetwork, Op: "read",
		Message: fmt.Sprintf("body too large: exceeds configured maximum of %d bytes", limit), Timestamp: time.Now(),
	}
}

func NewTimeoutError(operation string, timeout time.Duration) *Error {
	return &Error{
		Type: ErrorTypeTimeout, Op: operation,
		Message: fmt.Sprintf("operation timed out after %v", timeout), Timestamp: time.Now(),
	}
}

func NewHTTPError(status int) *Error {
	return &Error{
		Type: ErrorTypeHTTP, Status: status,
		Message: fmt.Sprintf("http status %d", status), Timestamp: time.Now(),
	}
}

func NewCertificateError(host string, port int, cause error) *Error {
	addr := fmt.Sprintf("%s:%d", host, port)
	return &Error{
		Type: ErrorTypeCertificate, Op: "handshake", Host: host, Port: port, Addr: addr,
		Message: fmt.Sprintf("certificate validation failed for %s", addr), Cause: cause, Timestamp: time.Now(),
	}
}

func NewCancelledError(op string) *Error {
	return &Error{Type: ErrorTypeCancelled, Op: op, Message: "operation cancelled", Timestamp: time.Now()}
}

func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrorTypeInvalid, Op: "validate", Message: message, Timestamp: time.Now()}
}

func NewUnknownError(op string, cause error) *Error {
	return &Error{Type: ErrorTypeUnknown, Op: op, Message: "unclassified error", Cause: cause, Timestamp: time.Now()}
}

func NewProtocolError(message string, cause error) *Error {
	return &Error{Type: ErrorTypeProtocol, Op: "parse", Message: message, Cause: cause, Timestamp: time.Now()}
}

func NewProxyTunnelFailed(message string, cause error) *Error {
	return &Error{Type: ErrorTypeProxyTunnelFailed, Op: "connect", Message: message, Cause: cause, Timestamp: time.Now()}
}

func NewProxyAuthRequired(message string) *Error {
	return &Error{Type: ErrorTypeProxyAuthRequired, Op: "connect", Message: message, Timestamp: time.Now()}
}

// NewFrameTooLargeError reports a WebSocket frame whose declared payload
// length exceeds the configured per-frame cap.
func NewFrameTooLargeError(length, limit int64) *Error {
	return &Error{
		Type: ErrorTypeFrameTooLarge, Op: "read",
		Message: fmt.Sprintf("frame payload %d bytes exceeds limit of %d bytes", length, limit), Timestamp: time.Now(),
	}
}

// NewMessageTooLargeError reports a reassembled WebSocket message (across
// one or more fragments) exceeding the configured cap.
func NewMessageTooLargeError(length, limit int64) *Error {
	return &Error{
		Type: ErrorTypeMessageTooLarge, Op: "read",
		Message: fmt.Sprintf("message size %d bytes exceeds limit of %d bytes", length, limit), Timestamp: time.Now(),
	}
}

// NewExtensionNegotiationError reports a permessage-deflate or other
// negotiated-extension mismatch between what was offered and what the
// peer's stream actually does.
func NewExtensionNegotiationError(message string) *Error {
	return &Error{Type: ErrorTypeExtensionNegotiation, Op: "negotiate", Message: message, Timestamp: time.Now()}
}

// NewCompressionFailedError wraps a permessage-deflate compression failure.
func NewCompressionFailedError(cause error) *Error {
	return &Error{Type: ErrorTypeCompressionFailed, Op: "deflate", Message: "compression failed", Cause: cause, Timestamp: time.Now()}
}

// NewDecompressionFailedError wraps a permessage-deflate decompression
// failure, including the zip-bomb guard tripping.
func NewDecompressionFailedError(cause error) *Error {
	return &Error{Type: ErrorTypeDecompressionFailed, Op: "inflate", Message: "decompression failed", Cause: cause, Timestamp: time.Now()}
}

// NewAbnormalClosure reports a WebSocket connection that was lost without
// a Close frame ever being exchanged.
func NewAbnormalClosure(cause error) *Error {
	return &Error{Type: ErrorTypeAbnormalClosure, Op: "read", Message: "connection closed abnormally", Cause: cause, Timestamp: time.Now()}
}

// NewProxyConnFailedError reports failure to establish the underlying TCP
// (or TLS, for an HTTPS proxy) connection to the proxy itself, distinct
// from a failed CONNECT tunnel to the target.
func NewProxyConnFailedError(proxyAddr string, cause error) *Error {
	return &Error{
		Type: ErrorTypeProxyConnFailed, Op: "connect", Addr: proxyAddr,
		Message: fmt.Sprintf("failed to connect to proxy %s", proxyAddr), Cause: cause, Timestamp: time.Now(),
	}
}

// IsTimeoutError reports whether err is a transport Timeout, a net.Error
// timeout, or a context deadline exceeded.
func IsTimeoutError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsTemporaryError reports whether err is a net.Error marked Temporary.
func IsTemporaryError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Temporary()
	}
	return false
}

func GetErrorType(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func IsContextTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
