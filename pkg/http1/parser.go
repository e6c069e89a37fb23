package http1

import (
	"bufio"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/message"
)

// ParsedResponse is the result of parsing an HTTP/1.1 response head + body.
type ParsedResponse struct {
	HTTPVersion string
	StatusCode  int
	Headers     *message.Headers
	Body        []byte
}

// Options controls parser limits.
type Options struct {
	MaxHeaderBytes   int64 // bounded buffered head read, default 16KB
	MaxBodyBytes     int64 // decoded body cap, default 100MB
	Method           string
}

func (o Options) maxHeaderBytes() int64 {
	if o.MaxHeaderBytes > 0 {
		return o.MaxHeaderBytes
	}
	return constants.DefaultMaxHeaderBytes
}

func (o Options) maxBodyBytes() int64 {
	if o.MaxBodyBytes > 0 {
		return o.MaxBodyBytes
	}
	return constants.DefaultMaxResponseBodyBytes
}

// ParseResponse reads one HTTP/1.1 response from r, discarding any leading
// 1xx (non-101) informational responses, and materializes the body
// according to its framing (chunked, Content-Length, or read-until-close).
func ParseResponse(r *bufio.Reader, opts Options) (*ParsedResponse, error) {
	for {
		statusLine, httpVersion, statusCode, err := readStatusLine(r)
		if err != nil {
			return nil, err
		}
		_ = statusLine

		headers, err := readHeaders(r, opts.maxHeaderBytes())
		if err != nil {
			return nil, err
		}

		if statusCode >= 100 && statusCode < 200 && statusCode != 101 {
			// Informational: discard and read the next head.
			continue
		}

		resp := &ParsedResponse{HTTPVersion: httpVersion, StatusCode: statusCode, Headers: headers}

		if err := readBody(r, resp, opts); err != nil {
			return resp, err
		}
		return resp, nil
	}
}

func readStatusLine(r *bufio.Reader) (line, version string, status int, err error) {
	line, err = readLine(r)
	if err != nil {
		return "", "", 0, errors.NewProtocolError("reading status line", err)
	}
	// Tolerant: allow extra spaces in the reason phrase by splitting on the
	// first two spaces only.
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", "", 0, errors.NewProtocolError("invalid status line format", nil)
	}
	code, cerr := strconv.Atoi(parts[1])
	if cerr != nil {
		return "", "", 0, errors.NewProtocolError("invalid status code", cerr)
	}
	return line, parts[0], code, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(line, "\r\n") {
		return line[:len(line)-2], nil
	}
	return strings.TrimRight(line, "\n"), nil
}

func readHeaders(r *bufio.Reader, maxBytes int64) (*message.Headers, error) {
	headers := message.NewHeaders()
	var total int64
	var lastName string

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, errors.NewProtocolError("reading headers", err)
		}
		total += int64(len(line))
		if total > maxBytes {
			return nil, errors.NewProtocolError("headers exceed maximum size", nil)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
		trimmed := strings.TrimRight(line, "\r\n")

		// RFC 7230 §3.2.4 obsolete header-continuation (leading whitespace).
		if (strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t")) && lastName != "" {
			existing := headers.Values(lastName)
			if len(existing) > 0 {
				existing[len(existing)-1] += " " + strings.TrimSpace(trimmed)
				headers.Set(lastName, existing[0])
				for _, v := range existing[1:] {
					headers.Add(lastName, v)
				}
			}
			continue
		}

		idx := strings.IndexByte(trimmed, ':')
		if idx < 0 {
			continue
		}
		name := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(trimmed[:idx]))
		value := strings.TrimSpace(trimmed[idx+1:])
		headers.Add(name, value)
		lastName = name
	}

	return headers, nil
}

func readBody(r *bufio.Reader, resp *ParsedResponse, opts Options) error {
	if opts.Method == "HEAD" ||
		(resp.StatusCode >= 100 && resp.StatusCode < 200) ||
		resp.StatusCode == 204 || resp.StatusCode == 304 {
		if r.Buffered() == 0 {
			return nil
		}
		// RFC-violating server sent a body anyway; fall through to capture it.
	}

	te := strings.ToLower(resp.Headers.Get("Transfer-Encoding"))
	cl := resp.Headers.Get("Content-Length")
	conn := resp.Headers.Get("Connection")

	switch {
	case strings.Contains(te, "chunked"):
		return readChunkedBody(r, resp, opts.maxBodyBytes())
	case cl != "":
		length, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || length < 0 {
			return errors.NewProtocolError("invalid content-length", err)
		}
		if length > constants.MaxContentLength {
			return errors.NewProtocolError("content-length too large", nil)
		}
		if length > opts.maxBodyBytes() {
			return errors.NewBodyTooLargeError(opts.maxBodyBytes())
		}
		return readFixedBody(r, length, resp)
	default:
		_ = conn
		return readUntilClose(r, resp, opts.maxBodyBytes())
	}
}

func readChunkedBody(r *bufio.Reader, resp *ParsedResponse, maxBody int64) error {
	tp := textproto.NewReader(r)
	var body []byte
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return errors.NewProtocolError("reading chunk size", err)
		}
		sizeStr := strings.TrimSpace(strings.Split(line, ";")[0])
		size, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil {
			return errors.NewProtocolError("invalid chunk size", err)
		}
		if size == 0 {
			break
		}
		if int64(len(body))+size > maxBody {
			return errors.NewBodyTooLargeError(maxBody)
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(tp.R, chunk); err != nil {
			return errors.NewProtocolError("reading chunk body", err)
		}
		body = append(body, chunk...)

		crlf := make([]byte, 2)
		if _, err := io.ReadFull(tp.R, crlf); err != nil {
			return errors.NewProtocolError("reading chunk CRLF", err)
		}
	}

	// Trailers, appended to the header set.
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return errors.NewProtocolError("reading chunk trailer", err)
		}
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		resp.Headers.Add(name, value)
	}

	resp.Body = body
	return nil
}

func readFixedBody(r *bufio.Reader, length int64, resp *ParsedResponse) error {
	if length == 0 {
		resp.Body = nil
		return nil
	}
	body := make([]byte, length)
	n, err := io.ReadFull(r, body)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return errors.NewProtocolError("reading fixed body", err)
	}
	resp.Body = body[:n]
	return nil
}

func readUntilClose(r *bufio.Reader, resp *ParsedResponse, maxBody int64) error {
	limited := io.LimitReader(r, maxBody+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return errors.NewProtocolError("reading until close", err)
	}
	if int64(len(body)) > maxBody {
		return errors.NewBodyTooLargeError(maxBody)
	}
	resp.Body = body
	return nil
}
