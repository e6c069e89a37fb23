package http2conn

import (
	"context"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/message"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// forbiddenConnSpecificHeaders lists the connection-specific header names
// that have no meaning in HTTP/2 and must be rejected both on send and on
// receipt (RFC 9113 §8.2.2).
var forbiddenConnSpecificHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
}

func isForbiddenHeaderName(lower string) bool {
	if forbiddenConnSpecificHeaders[lower] {
		return true
	}
	return len(lower) > 6 && lower[:6] == "proxy-"
}

// writeHeaders encodes req's pseudo-headers and fields and writes them as
// a HEADERS frame (continued across CONTINUATION frames if the encoded
// block exceeds one frame's max size).
func (c *Conn) writeHeaders(st *stream, req *message.Request) error {
	var rejected string
	req.Headers().Each(func(name, value string) {
		if rejected == "" && isForbiddenHeaderName(lowerHeaderName(name)) {
			rejected = name
		}
	})
	if rejected != "" {
		return errors.NewInvalidRequestError("connection-specific header not allowed over HTTP/2: " + rejected)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.encBuf.buf = c.encBuf.buf[:0]

	uri := req.URI()
	scheme := uri.Scheme
	if scheme == "" {
		scheme = "https"
	}
	path := uri.RequestURI()
	if path == "" {
		path = "/"
	}

	_ = c.encoder.WriteField(hpack.HeaderField{Name: ":method", Value: req.Method()})
	_ = c.encoder.WriteField(hpack.HeaderField{Name: ":scheme", Value: scheme})
	_ = c.encoder.WriteField(hpack.HeaderField{Name: ":authority", Value: uri.Host})
	_ = c.encoder.WriteField(hpack.HeaderField{Name: ":path", Value: path})

	req.Headers().Each(func(name, value string) {
		_ = c.encoder.WriteField(hpack.HeaderField{Name: lowerHeaderName(name), Value: value})
	})

	body := req.Body()
	endStream := len(body) == 0

	block := c.encBuf.buf
	maxFrame := int(c.peerSettings.MaxFrameSize)
	if maxFrame <= 0 {
		maxFrame = 16384
	}

	first := block
	rest := []byte(nil)
	if len(first) > maxFrame {
		rest = first[maxFrame:]
		first = first[:maxFrame]
	}

	if err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      st.id,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    rest == nil,
	}); err != nil {
		return errors.NewNetworkError("write", "", 0, err)
	}

	for len(rest) > 0 {
		chunk := rest
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		rest = rest[len(chunk):]
		if err := c.framer.WriteContinuation(st.id, len(rest) == 0, chunk); err != nil {
			return errors.NewNetworkError("write", "", 0, err)
		}
	}

	return nil
}

// writeData splits body into frames no larger than the peer's max frame
// size or the stream/connection send window, whichever is smaller. When
// either window is exhausted it blocks on windowCond until a
// WINDOW_UPDATE (handleWindowUpdate) or a connection failure wakes it,
// per spec scenario S4: a 100 KB body over a 65535-byte window suspends
// after the first 65535 bytes and resumes exactly as much as the next
// WINDOW_UPDATE credits.
func (c *Conn) writeData(ctx context.Context, st *stream, body []byte) error {
	maxFrame := int(c.peerSettings.MaxFrameSize)
	if maxFrame <= 0 {
		maxFrame = 16384
	}

	unblock := c.watchCancellation(ctx, c.windowCond)
	defer unblock()

	for len(body) > 0 {
		n := len(body)
		if n > maxFrame {
			n = maxFrame
		}

		c.mu.Lock()
		for {
			if c.closeErr != nil {
				err := c.closeErr
				c.mu.Unlock()
				return err
			}
			if st.state == stateClosed {
				err := st.err
				c.mu.Unlock()
				if err == nil {
					err = errors.NewNetworkError("write", "", 0, nil)
				}
				return err
			}
			if ctx.Err() != nil {
				c.mu.Unlock()
				return errors.NewCancelledError("http2 write")
			}
			avail := st.sendWindow
			if c.connSendWindow < avail {
				avail = c.connSendWindow
			}
			if avail > 0 {
				if int32(n) > avail {
					n = int(avail)
				}
				break
			}
			c.windowCond.Wait()
		}
		c.mu.Unlock()

		chunk := body[:n]
		body = body[n:]
		endStream := len(body) == 0

		c.writeMu.Lock()
		err := c.framer.WriteData(st.id, endStream, chunk)
		c.writeMu.Unlock()
		if err != nil {
			return errors.NewNetworkError("write", "", 0, err)
		}

		c.mu.Lock()
		st.sendWindow -= int32(n)
		c.connSendWindow -= int32(n)
		c.mu.Unlock()
	}
	return nil
}

func (c *Conn) resetStream(id uint32, code http2.ErrCode) {
	c.writeMu.Lock()
	_ = c.framer.WriteRSTStream(id, code)
	c.writeMu.Unlock()
}

func lowerHeaderName(s string) string {
	b := []byte(s)
	for i, r := range b {
		if r >= 'A' && r <= 'Z' {
			b[i] = r - 'A' + 'a'
		}
	}
	return string(b)
}
