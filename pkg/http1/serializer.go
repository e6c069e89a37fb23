// Package http1 implements the request-smuggling-safe HTTP/1.1 serializer
// and the tolerant HTTP/1.1 response parser.
package http1

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/message"
)

// isToken reports whether s is a valid RFC 7230 header field-name token.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", rune(c)):
		default:
			return false
		}
	}
	return true
}

func hasRawCRLF(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}

// Serialize builds the raw HTTP/1.1 request bytes for req. Validation runs
// to completion before a single byte is produced: any ambiguous framing or
// invalid header content fails with InvalidRequest and writes nothing.
func Serialize(req *message.Request) ([]byte, error) {
	headers := req.Headers()
	body := req.Body()

	// Step 1: framing. At most one of Content-Length / Transfer-Encoding.
	clValues := headers.Values("Content-Length")
	teValues := headers.Values("Transfer-Encoding")
	if len(clValues) > 1 {
		seen := clValues[0]
		for _, v := range clValues[1:] {
			if v != seen {
				return nil, errors.NewInvalidRequestError("conflicting Content-Length values")
			}
		}
	}
	if len(clValues) > 0 && len(teValues) > 0 {
		return nil, errors.NewInvalidRequestError("Content-Length and Transfer-Encoding both present")
	}

	// Step 2: validate every header name/value.
	var invalid error
	headers.Each(func(name, value string) {
		if invalid != nil {
			return
		}
		if !isToken(name) {
			invalid = errors.NewInvalidRequestError(fmt.Sprintf("invalid header name %q", name))
			return
		}
		if hasRawCRLF(value) {
			invalid = errors.NewInvalidRequestError(fmt.Sprintf("header %q contains raw CR/LF", name))
		}
	})
	if invalid != nil {
		return nil, invalid
	}

	uri := req.URI()
	if uri == nil {
		return nil, errors.NewInvalidRequestError("request URI is nil")
	}
	target := uri.RequestURI()
	if target == "" {
		target = "/"
	}

	var buf bytes.Buffer

	// Step 3: request line.
	buf.WriteString(req.Method())
	buf.WriteByte(' ')
	buf.WriteString(target)
	buf.WriteString(" HTTP/1.1\r\n")

	// Step 4: Host header (authority without userinfo, omitting default port).
	host := uri.Hostname()
	port := uri.Port()
	if port != "" && !isDefaultPort(uri.Scheme, port) {
		host = host + ":" + port
	}
	buf.WriteString("Host: ")
	buf.WriteString(host)
	buf.WriteString("\r\n")

	// Framing header, if the caller didn't already set one and there's a body.
	if len(clValues) == 0 && len(teValues) == 0 && len(body) > 0 {
		buf.WriteString("Content-Length: ")
		buf.WriteString(strconv.Itoa(len(body)))
		buf.WriteString("\r\n")
	}

	// Step 5: remaining headers, one line per value, skipping Host (already written).
	headers.Each(func(name, value string) {
		if strings.EqualFold(name, "Host") {
			return
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	})

	// Step 6: terminator + body.
	buf.WriteString("\r\n")
	if len(body) > 0 {
		buf.Write(body)
	}

	return buf.Bytes(), nil
}

func isDefaultPort(scheme, port string) bool {
	switch scheme {
	case "http", "ws":
		return port == "80"
	case "https", "wss":
		return port == "443"
	default:
		return false
	}
}
