package errors

import (
	"fmt"
	"testing"
	"time"
)

func TestErrorTypesAndRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		wantType  ErrorType
		retryable bool
	}{
		{"network", NewNetworkError("dial", "example.com", 443, fmt.Errorf("refused")), ErrorTypeNetwork, true},
		{"timeout", NewTimeoutError("connect", 5*time.Second), ErrorTypeTimeout, true},
		{"http 503", NewHTTPError(503), ErrorTypeHTTP, true},
		{"http 404", NewHTTPError(404), ErrorTypeHTTP, false},
		{"certificate", NewCertificateError("example.com", 443, fmt.Errorf("bad chain")), ErrorTypeCertificate, false},
		{"cancelled", NewCancelledError("send"), ErrorTypeCancelled, false},
		{"invalid", NewInvalidRequestError("bad header"), ErrorTypeInvalid, false},
		{"unknown", NewUnknownError("op", nil), ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.wantType {
				t.Errorf("expected type %v, got %v", tt.wantType, tt.err.Type)
			}
			if tt.err.Retryable() != tt.retryable {
				t.Errorf("expected retryable=%v, got %v", tt.retryable, tt.err.Retryable())
			}
			if tt.err.Error() == "" {
				t.Error("expected non-empty error string")
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	a := NewNetworkError("dial", "h", 1, nil)
	b := NewNetworkError("dial", "other", 2, nil)
	if !a.Is(b) {
		t.Error("expected errors of the same type to match Is")
	}
	if a.Is(NewTimeoutError("x", time.Second)) {
		t.Error("expected errors of different types not to match Is")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := NewNetworkError("dial", "h", 1, cause)
	if err.Unwrap() != cause {
		t.Error("expected Unwrap to return the cause")
	}
}
