package proxyconf

import (
	"context"
	"io"
	"net"
	"strconv"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	netproxy "golang.org/x/net/proxy"
)

// connectSOCKS4 is a hand-rolled SOCKS4 client: RFC 1928's predecessor,
// IPv4-only, with an optional user-ID field and no negotiated
// authentication. golang.org/x/net/proxy has no SOCKS4 support, so this
// stays hand-rolled.
func (d Dialer) connectSOCKS4(ctx context.Context, cfg *Config, proxyAddr, targetAddr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid target address: " + targetAddr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid target port: " + portStr)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return nil, errors.NewNetworkError("resolve", host, port, err)
	}
	targetIP := ips[0].To4()
	if targetIP == nil {
		return nil, errors.NewInvalidRequestError("SOCKS4 requires an IPv4 target address")
	}

	conn, err := d.rawDial(ctx, proxyAddr)
	if err != nil {
		return nil, errors.NewProxyConnFailedError(proxyAddr, err)
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xFF)}
	req = append(req, targetIP...)
	if cfg.Username != "" {
		req = append(req, []byte(cfg.Username)...)
	}
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, errors.NewProxyTunnelFailed("sending SOCKS4 request", err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, errors.NewProxyTunnelFailed("reading SOCKS4 response", err)
	}

	switch resp[1] {
	case 0x5A:
		return conn, nil
	case 0x5B:
		conn.Close()
		return nil, errors.NewProxyTunnelFailed("SOCKS4 request rejected", nil)
	case 0x5C:
		conn.Close()
		return nil, errors.NewProxyTunnelFailed("SOCKS4 identd unreachable", nil)
	case 0x5D:
		conn.Close()
		return nil, errors.NewProxyTunnelFailed("SOCKS4 identd auth mismatch", nil)
	default:
		conn.Close()
		return nil, errors.NewProxyTunnelFailed("unknown SOCKS4 status code", nil)
	}
}

// connectSOCKS5 delegates to golang.org/x/net/proxy, which handles
// version negotiation, optional username/password auth, and proxy-side
// DNS resolution.
func (d Dialer) connectSOCKS5(ctx context.Context, cfg *Config, proxyAddr, targetAddr string) (net.Conn, error) {
	var auth *netproxy.Auth
	if cfg.Username != "" {
		auth = &netproxy.Auth{User: cfg.Username, Password: cfg.Password}
	}

	dialer, err := netproxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{})
	if err != nil {
		return nil, errors.NewProxyConnFailedError(proxyAddr, err)
	}

	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	if cd, ok := dialer.(contextDialer); ok {
		conn, err := cd.DialContext(ctx, "tcp", targetAddr)
		if err != nil {
			return nil, errors.NewProxyTunnelFailed("SOCKS5 connect failed", err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial("tcp", targetAddr)
	if err != nil {
		return nil, errors.NewProxyTunnelFailed("SOCKS5 connect failed", err)
	}
	return conn, nil
}
