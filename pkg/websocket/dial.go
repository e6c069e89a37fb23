package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strconv"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/dialer"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/http1"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/message"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/timing"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/tlsconfig"
)

// Conn is an established WebSocket connection: the raw transport plus the
// framing Reader/Writer negotiated during the handshake, and the
// None->Connecting->Open->Closing->Closed lifecycle machinery in
// connLifecycle.
type Conn struct {
	net.Conn
	Reader *Reader
	Writer *Writer
	connLifecycle
}

// DialConfig controls how Dial reaches the server before performing the
// WebSocket upgrade handshake.
type DialConfig struct {
	Backend    tlsconfig.Backend // nil uses the system backend
	DialConfig dialer.Config
	Headers    *message.Headers
	TLSParams  tlsconfig.Params
	KeepAlive  KeepAliveConfig
}

// Dial opens a TCP (or TLS, for wss) connection to uri's host and performs
// the RFC 6455 opening handshake, negotiating permessage-deflate if the
// server accepts the offer.
func Dial(ctx context.Context, uri *url.URL, cfg DialConfig) (*Conn, error) {
	host := uri.Hostname()
	port := portOrDefault(uri)
	tlsRequired := uri.Scheme == "wss"

	dcfg := cfg.DialConfig
	dcfg.Host, dcfg.Port = host, port
	result, err := dialer.Dial(ctx, dcfg, timing.NewTimer())
	if err != nil {
		return nil, err
	}
	nc := result.Conn

	if tlsRequired {
		backend := cfg.Backend
		if backend == nil {
			backend = tlsconfig.NewSystemBackend()
		}
		params := cfg.TLSParams
		params.Host, params.Port = host, port
		if len(params.ALPNProtocols) == 0 {
			params.ALPNProtocols = []string{"http/1.1"}
		}
		tlsCfg, cerr := backend.BuildConfig(params)
		if cerr != nil {
			nc.Close()
			return nil, cerr
		}
		tlsConn := tls.Client(nc, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, errors.NewCertificateError(host, port, err)
		}
		nc = tlsConn
	}

	req, key, err := HandshakeRequest(uri, cfg.Headers)
	if err != nil {
		nc.Close()
		return nil, err
	}
	raw, err := http1.Serialize(req)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if _, err := nc.Write(raw); err != nil {
		nc.Close()
		return nil, errors.NewNetworkError("write", host, port, err)
	}

	br := bufio.NewReader(nc)
	parsed, err := http1.ParseResponse(br, http1.Options{Method: "GET", MaxBodyBytes: constants.WSErrorBodyCap})
	if err != nil {
		nc.Close()
		return nil, err
	}
	resp := &message.Response{StatusCode: parsed.StatusCode, Headers: parsed.Headers, Body: parsed.Body, Request: req}

	result2, err := ValidateHandshake(resp, key)
	if err != nil {
		nc.Close()
		return nil, err
	}

	c := &Conn{
		Conn:          nc,
		Reader:        NewReader(br, result2.Extension),
		Writer:        NewWriter(nc, result2.Extension),
		connLifecycle: newConnLifecycle(),
	}
	c.markOpen()
	c.startKeepAlive(cfg.KeepAlive)
	return c, nil
}

// Next reads the next complete message or control frame. Pings are
// answered automatically; Pongs and Closes feed the connection's
// keep-alive and close-handshake state instead of being left for the
// caller to handle by hand.
func (c *Conn) Next() (Event, error) {
	ev, err := c.Reader.Next()
	if err != nil {
		return ev, err
	}
	if ev.Control != nil {
		switch ev.Control.Opcode {
		case OpPing:
			if werr := c.Writer.WritePong(ev.Control.Payload); werr != nil {
				return ev, werr
			}
		case OpPong:
			c.notifyPong()
		case OpClose:
			c.markPeerClose()
		}
		return ev, nil
	}
	c.markActivity()
	return ev, nil
}

// SendMessage writes an application message and resets the idle timer
// that governs whether the keep-alive goroutine skips its next ping.
func (c *Conn) SendMessage(opcode Opcode, payload []byte) error {
	if err := c.Writer.WriteMessage(opcode, payload); err != nil {
		return err
	}
	c.markActivity()
	return nil
}

// Close performs a best-effort graceful close (CloseNormal, bounded by
// constants.DefaultWSCloseTimeout) and tears down the transport. Use
// CloseAsync directly for control over the status code, reason, or
// deadline.
func (c *Conn) Close() error {
	return c.CloseAsync(context.Background(), CloseNormal, "", 0)
}

func portOrDefault(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if u.Scheme == "wss" {
		return 443
	}
	return 80
}
