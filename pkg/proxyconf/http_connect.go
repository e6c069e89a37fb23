package proxyconf

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
)

// connectResponse is the parsed CONNECT response status line plus the two
// headers that determine whether the same connection can be reused for a
// second CONNECT attempt.
type connectResponse struct {
	status          int
	connectionClose bool
	contentLength   int64 // -1 when absent or not a plain integer
}

// connectHTTP issues an HTTP CONNECT to tunnel to targetAddr. A 407
// response is retried exactly once, and only when cfg carries credentials
// to add. The retry reuses the same TCP connection, which is only safe
// when the first response declared a Content-Length whose body has been
// fully drained and the proxy did not announce Connection: close;
// otherwise unread bytes from
// the first response would corrupt the second, so the tunnel is failed
// instead of risking a desynced reuse.
func (d Dialer) connectHTTP(ctx context.Context, cfg *Config, proxyAddr, targetHost, targetAddr string) (net.Conn, error) {
	conn, err := d.rawDial(ctx, proxyAddr)
	if err != nil {
		return nil, errors.NewProxyConnFailedError(proxyAddr, err)
	}

	if cfg.Type == TypeHTTPS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: cfg.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.NewProxyConnFailedError(proxyAddr, err)
		}
		conn = tlsConn
	}

	resp, err := sendConnect(conn, cfg, targetHost, targetAddr, false)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if resp.status == 407 && cfg.Username != "" {
		if resp.connectionClose || resp.contentLength < 0 {
			conn.Close()
			return nil, errors.NewProxyAuthRequired(fmt.Sprintf("proxy %s requires authentication and the connection cannot be reused", proxyAddr))
		}
		// Single retry with credentials now that the proxy has asked for them.
		resp, err = sendConnect(conn, cfg, targetHost, targetAddr, true)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	if resp.status != 200 {
		conn.Close()
		if resp.status == 407 {
			return nil, errors.NewProxyAuthRequired(fmt.Sprintf("proxy %s requires authentication", proxyAddr))
		}
		return nil, errors.NewProxyTunnelFailed(fmt.Sprintf("CONNECT %s via %s returned status %d", targetAddr, proxyAddr, resp.status), nil)
	}

	return conn, nil
}

func sendConnect(conn net.Conn, cfg *Config, targetHost, targetAddr string, withAuth bool) (connectResponse, error) {
	var out connectResponse
	out.contentLength = -1

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", targetAddr)
	fmt.Fprintf(&b, "Host: %s\r\n", targetHost)
	b.WriteString("Connection: keep-alive\r\n")
	for k, v := range cfg.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	if withAuth && cfg.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", auth)
	}
	b.WriteString("\r\n")

	if _, err := conn.Write([]byte(b.String())); err != nil {
		return out, errors.NewProxyTunnelFailed("writing CONNECT request", err)
	}

	reader := bufio.NewReaderSize(io.LimitReader(conn, constants.DefaultProxyConnectHeaderCap), int(constants.DefaultProxyConnectHeaderCap))
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return out, errors.NewProxyTunnelFailed("reading CONNECT response", err)
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return out, errors.NewProxyTunnelFailed("malformed CONNECT response status line", nil)
	}
	var status int
	fmt.Sscanf(parts[1], "%d", &status)
	out.status = status

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return out, errors.NewProxyTunnelFailed("reading CONNECT response headers", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		idx := strings.IndexByte(trimmed, ':')
		if idx < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(trimmed[:idx]))
		value := strings.TrimSpace(trimmed[idx+1:])
		switch name {
		case "connection":
			out.connectionClose = strings.EqualFold(value, "close")
		case "content-length":
			if n, perr := strconv.ParseInt(value, 10, 64); perr == nil && n >= 0 {
				out.contentLength = n
			}
		}
	}

	// A proxy error response (e.g. 407) may carry an explanatory body;
	// it must be fully drained before the connection can be reused for a
	// second CONNECT, or the retry's response parsing would desync.
	if out.contentLength > 0 {
		if _, derr := io.CopyN(io.Discard, reader, out.contentLength); derr != nil {
			return out, errors.NewProxyTunnelFailed("draining CONNECT response body", derr)
		}
	}

	return out, nil
}
