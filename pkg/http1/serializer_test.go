package http1

import (
	"net/url"
	"strings"
	"testing"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/message"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing url: %v", err)
	}
	return u
}

func TestSerializeBasicRequest(t *testing.T) {
	h := message.NewHeaders()
	h.Add("User-Agent", "test/1.0")
	req := message.NewRequest("GET", mustURL(t, "http://example.com/path?q=1"), h, nil)

	out, err := Serialize(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(out)
	if !strings.HasPrefix(s, "GET /path?q=1 HTTP/1.1\r\n") {
		t.Errorf("unexpected request line: %q", s)
	}
	if !strings.Contains(s, "Host: example.com\r\n") {
		t.Errorf("expected Host header, got %q", s)
	}
	if !strings.HasSuffix(s, "\r\n\r\n") {
		t.Errorf("expected request to end with blank line, got %q", s)
	}
}

// S3: conflicting Content-Length values must write zero bytes and fail InvalidRequest.
func TestSerializeSmugglingConflictingContentLength(t *testing.T) {
	h := message.NewHeaders()
	h.Add("Content-Length", "5")
	h.Add("Content-Length", "6")
	req := message.NewRequest("POST", mustURL(t, "http://example.com/"), h, []byte("hello"))

	out, err := Serialize(req)
	if out != nil {
		t.Errorf("expected no bytes written, got %d", len(out))
	}
	if errors.GetErrorType(err) != errors.ErrorTypeInvalid {
		t.Errorf("expected InvalidRequest, got %v", err)
	}
}

func TestSerializeSmugglingContentLengthAndTransferEncoding(t *testing.T) {
	h := message.NewHeaders()
	h.Add("Content-Length", "5")
	h.Add("Transfer-Encoding", "chunked")
	req := message.NewRequest("POST", mustURL(t, "http://example.com/"), h, []byte("hello"))

	out, err := Serialize(req)
	if out != nil {
		t.Errorf("expected no bytes written, got %d", len(out))
	}
	if errors.GetErrorType(err) != errors.ErrorTypeInvalid {
		t.Errorf("expected InvalidRequest, got %v", err)
	}
}

func TestSerializeRejectsCRLFInHeaderValue(t *testing.T) {
	h := message.NewHeaders()
	h.Add("X-Injected", "value\r\nEvil-Header: yes")
	req := message.NewRequest("GET", mustURL(t, "http://example.com/"), h, nil)

	out, err := Serialize(req)
	if out != nil {
		t.Errorf("expected no bytes written, got %d", len(out))
	}
	if errors.GetErrorType(err) != errors.ErrorTypeInvalid {
		t.Errorf("expected InvalidRequest, got %v", err)
	}
}

func TestSerializeOmitsDefaultPort(t *testing.T) {
	req := message.NewRequest("GET", mustURL(t, "https://example.com:443/"), nil, nil)
	out, err := Serialize(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), "Host: example.com\r\n") {
		t.Errorf("expected default port omitted from Host header, got %q", out)
	}
}
