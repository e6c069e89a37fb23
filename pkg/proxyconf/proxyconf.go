// Package proxyconf resolves proxy configuration (explicit config, then
// environment variables) and establishes the tunnel connection to a target
// through an HTTP CONNECT, SOCKS4, or SOCKS5 proxy.
package proxyconf

import (
	"context"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
)

// Type identifies the proxy protocol.
type Type string

const (
	TypeHTTP   Type = "http"
	TypeHTTPS  Type = "https"
	TypeSOCKS4 Type = "socks4"
	TypeSOCKS5 Type = "socks5"
)

// Config describes one upstream proxy.
type Config struct {
	Type     Type
	Host     string
	Port     int
	Username string
	Password string
	Headers  map[string]string // extra CONNECT request headers
}

// ParseURL parses a proxy URL of the form scheme://[user:pass@]host:port.
func ParseURL(raw string) (*Config, error) {
	if raw == "" {
		return nil, errors.NewInvalidRequestError("proxy URL cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid proxy URL: " + err.Error())
	}

	var typ Type
	switch u.Scheme {
	case "http":
		typ = TypeHTTP
	case "https":
		typ = TypeHTTPS
	case "socks4":
		typ = TypeSOCKS4
	case "socks5":
		typ = TypeSOCKS5
	case "":
		return nil, errors.NewInvalidRequestError("proxy URL must include a scheme")
	default:
		return nil, errors.NewInvalidRequestError("unsupported proxy scheme: " + u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, errors.NewInvalidRequestError("proxy URL must include a host")
	}

	port, err := defaultPort(typ, u.Port())
	if err != nil {
		return nil, err
	}

	cfg := &Config{Type: typ, Host: host, Port: port}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	return cfg, nil
}

func defaultPort(typ Type, portStr string) (int, error) {
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p < 1 || p > 65535 {
			return 0, errors.NewInvalidRequestError("invalid proxy port: " + portStr)
		}
		return p, nil
	}
	switch typ {
	case TypeHTTP:
		return 8080, nil
	case TypeHTTPS:
		return 443, nil
	case TypeSOCKS4, TypeSOCKS5:
		return 1080, nil
	default:
		return 0, errors.NewInvalidRequestError("unsupported proxy scheme")
	}
}

// FromEnvironment resolves a proxy for targetScheme from HTTPS_PROXY/
// HTTP_PROXY/ALL_PROXY, honoring NO_PROXY bypass rules. Returns nil, nil
// when no proxy applies.
func FromEnvironment(targetScheme, targetHost string) (*Config, error) {
	if Bypassed(targetHost, os.Getenv("NO_PROXY")) {
		return nil, nil
	}

	var raw string
	switch targetScheme {
	case "https", "wss":
		raw = firstNonEmpty(os.Getenv("HTTPS_PROXY"), os.Getenv("https_proxy"))
	default:
		raw = firstNonEmpty(os.Getenv("HTTP_PROXY"), os.Getenv("http_proxy"))
	}
	if raw == "" {
		raw = firstNonEmpty(os.Getenv("ALL_PROXY"), os.Getenv("all_proxy"))
	}
	if raw == "" {
		return nil, nil
	}
	return ParseURL(raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Bypassed reports whether host matches a NO_PROXY entry. A bare "*"
// matches every host; any other entry, after a leading "*." or "." is
// removed, matches that exact host and its subdomains. Entries with a
// ":port" suffix never match (host carries no port), and CIDR ranges are
// compared as plain strings, not as address ranges.
func Bypassed(host, noProxy string) bool {
	if noProxy == "" {
		return false
	}
	for _, entry := range strings.Split(noProxy, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		entry = strings.TrimPrefix(entry, "*.")
		entry = strings.TrimPrefix(entry, ".")
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// Dialer establishes tunnels through proxies for a lower-level TCP dial.
type Dialer struct {
	// RawDial opens the TCP connection to addr (proxy or, for SOCKS5,
	// unused since the library dials directly).
	RawDial func(ctx context.Context, addr string) (net.Conn, error)
}

func (d Dialer) rawDial(ctx context.Context, addr string) (net.Conn, error) {
	if d.RawDial != nil {
		return d.RawDial(ctx, addr)
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", addr)
}

// Tunnel connects to targetAddr through cfg, returning a connection ready
// for the caller to layer TLS/HTTP on top of.
func (d Dialer) Tunnel(ctx context.Context, cfg *Config, targetHost, targetAddr string) (net.Conn, error) {
	proxyAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	switch cfg.Type {
	case TypeHTTP, TypeHTTPS:
		return d.connectHTTP(ctx, cfg, proxyAddr, targetHost, targetAddr)
	case TypeSOCKS4:
		return d.connectSOCKS4(ctx, cfg, proxyAddr, targetAddr)
	case TypeSOCKS5:
		return d.connectSOCKS5(ctx, cfg, proxyAddr, targetAddr)
	default:
		return nil, errors.NewInvalidRequestError("unsupported proxy type: " + string(cfg.Type))
	}
}
