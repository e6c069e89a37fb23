// Package roundtrip performs one request/response exchange: resolve the
// proxy, acquire or dial a connection, negotiate TLS and protocol, send the
// request over HTTP/1.1 or HTTP/2, and return the connection to the pool.
package roundtrip

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/dialer"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/http1"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/http2conn"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/message"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/plugin"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/pool"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/proxyconf"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/timing"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/tlsconfig"
)

// Protocol selects which wire protocol a request is sent over.
type Protocol string

const (
	ProtocolAuto Protocol = ""
	ProtocolH1   Protocol = "http/1.1"
	ProtocolH2   Protocol = "h2"
)

// Config controls one RoundTripper's connection policy.
type Config struct {
	Protocol      Protocol
	ProxyURL      string // explicit proxy, overriding environment discovery
	NoProxyEnv    bool   // disable HTTPS_PROXY/HTTP_PROXY/ALL_PROXY discovery
	TLSBackend    string // name registered in the plugin.Registry, "" = system
	ConnectIP     string // bypass DNS and dial this IP directly
	DialConfig    dialer.Config
	TLSParams     tlsconfig.Params // Host/Port/ALPN are filled in per request
	PoolConfig    pool.Config
	Http2Settings http2conn.Settings
}

// RoundTripper owns the shared pool and plugin registry used across many
// requests to the same process's transport.
type RoundTripper struct {
	cfg     Config
	pool    *pool.Pool
	plugins *plugin.Registry
}

// New builds a RoundTripper. plugins may be nil to use a fresh default
// registry.
func New(cfg Config, plugins *plugin.Registry) *RoundTripper {
	if plugins == nil {
		plugins = plugin.NewRegistry()
	}
	poolCfg := cfg.PoolConfig
	if poolCfg == (pool.Config{}) {
		poolCfg = pool.DefaultConfig()
	}
	rt := &RoundTripper{cfg: cfg, plugins: plugins}
	rt.pool = pool.New(poolCfg, rt.probe)
	return rt
}

// Close releases every idle pooled connection.
func (rt *RoundTripper) Close() { rt.pool.CloseAll() }

// PoolStats exposes aggregate and per-key connection pool occupancy.
func (rt *RoundTripper) PoolStats() (pool.Stats, map[string]pool.Stats) { return rt.pool.Stats() }

// taggedConn remembers which protocol was negotiated on a pooled
// connection, and (for HTTP/2) the multiplexed connection object whose
// background read loop is the real liveness signal.
type taggedConn struct {
	net.Conn
	protocol Protocol
	h2       *http2conn.Conn
}

func (rt *RoundTripper) probe(c net.Conn) bool {
	tc, ok := c.(*taggedConn)
	if !ok {
		return true
	}
	if tc.h2 != nil {
		return tc.h2.Err() == nil
	}
	return true
}

// Send resolves req's target, obtains a connection, and performs the
// exchange, timing each phase into the returned Response.
func (rt *RoundTripper) Send(ctx context.Context, req *message.Request) (*message.Response, error) {
	uri := req.URI()
	if uri == nil {
		return nil, errors.NewInvalidRequestError("request URI is nil")
	}

	host := uri.Hostname()
	port := portFor(uri)
	tlsRequired := uri.Scheme == "https" || uri.Scheme == "wss"

	proxyCfg, err := rt.resolveProxy(uri)
	if err != nil {
		return nil, err
	}

	key := connKey(uri.Scheme, host, port, proxyCfg)
	timer := timing.NewTimer()

	conn, reserved, _ := rt.pool.Acquire(key)
	if !reserved {
		return nil, errors.NewNetworkError("acquire", host, port, fmt.Errorf("connection pool exhausted for %s", key))
	}

	var tc *taggedConn
	reused := conn != nil
	if reused {
		tc, _ = conn.Conn.(*taggedConn)
	} else {
		nc, dialErr := rt.dial(ctx, host, port, tlsRequired, proxyCfg, key, timer)
		if dialErr != nil {
			return nil, dialErr
		}
		tc = nc
	}

	resp, sendErr := rt.send(ctx, tc, req, timer)
	if sendErr != nil {
		rt.pool.Discard(key, tc)
		// A pooled connection can go stale between health checks (the
		// peer closed it right after our last use); for idempotent
		// methods, re-dial and retry exactly once rather than surfacing
		// a failure the caller would just retry themselves.
		if !reused || !pool.RetryEligible(req.Method()) {
			return nil, sendErr
		}
		nc, dialErr := rt.dial(ctx, host, port, tlsRequired, proxyCfg, key, timer)
		if dialErr != nil {
			return nil, dialErr
		}
		resp, sendErr = rt.send(ctx, nc, req, timer)
		if sendErr != nil {
			rt.pool.Discard(key, nc)
			return nil, sendErr
		}
		resp.Timings = timer.GetMetrics()
		rt.pool.Release(key, nc, nil)
		return resp, nil
	}
	resp.Timings = timer.GetMetrics()
	rt.pool.Release(key, tc, nil)
	return resp, nil
}

// dial establishes a fresh connection for key and registers its creation
// with the pool, discarding the reservation placeholder on failure.
func (rt *RoundTripper) dial(ctx context.Context, host string, port int, tlsRequired bool, proxyCfg *proxyconf.Config, key string, timer *timing.Timer) (*taggedConn, error) {
	nc, dialErr := rt.establish(ctx, host, port, tlsRequired, proxyCfg, timer)
	if dialErr != nil {
		rt.pool.Discard(key, discardPlaceholder{})
		return nil, dialErr
	}
	rt.pool.MarkCreated()
	return nc, nil
}

// discardPlaceholder satisfies net.Conn for Discard's bookkeeping path when
// establish failed before a real connection existed; Discard only needs a
// Close() call, which is a no-op here.
type discardPlaceholder struct{}

func (discardPlaceholder) Read([]byte) (int, error)  { return 0, net.ErrClosed }
func (discardPlaceholder) Write([]byte) (int, error) { return 0, net.ErrClosed }
func (discardPlaceholder) Close() error              { return nil }
func (discardPlaceholder) LocalAddr() net.Addr       { return nil }
func (discardPlaceholder) RemoteAddr() net.Addr      { return nil }
func (discardPlaceholder) SetDeadline(time.Time) error      { return nil }
func (discardPlaceholder) SetReadDeadline(time.Time) error  { return nil }
func (discardPlaceholder) SetWriteDeadline(time.Time) error { return nil }

func portFor(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err == nil {
			return n
		}
	}
	switch u.Scheme {
	case "https", "wss":
		return 443
	default:
		return 80
	}
}

func connKey(scheme, host string, port int, proxyCfg *proxyconf.Config) string {
	base := fmt.Sprintf("%s://%s:%d", scheme, host, port)
	if proxyCfg == nil {
		return base
	}
	return fmt.Sprintf("%s|proxy=%s:%d", base, proxyCfg.Host, proxyCfg.Port)
}

func (rt *RoundTripper) resolveProxy(uri *url.URL) (*proxyconf.Config, error) {
	if rt.cfg.ProxyURL != "" {
		return proxyconf.ParseURL(rt.cfg.ProxyURL)
	}
	if rt.cfg.NoProxyEnv {
		return nil, nil
	}
	return proxyconf.FromEnvironment(uri.Scheme, uri.Hostname())
}

func (rt *RoundTripper) establish(ctx context.Context, host string, port int, tlsRequired bool, proxyCfg *proxyconf.Config, timer *timing.Timer) (*taggedConn, error) {
	var nc net.Conn
	var err error

	if proxyCfg != nil {
		targetAddr := net.JoinHostPort(host, strconv.Itoa(port))
		nc, err = rt.plugins.Tunnel(ctx, proxyCfg, host, targetAddr)
	} else {
		dcfg := rt.cfg.DialConfig
		dcfg.Host, dcfg.Port = host, port
		if rt.cfg.ConnectIP != "" {
			dcfg.ConnectIP = rt.cfg.ConnectIP
		}
		var result dialer.Result
		result, err = dialer.Dial(ctx, dcfg, timer)
		if err == nil {
			nc = result.Conn
		}
	}
	if err != nil {
		return nil, err
	}

	negotiated := ProtocolH1
	if tlsRequired {
		backend, berr := rt.plugins.TLSBackend(rt.cfg.TLSBackend)
		if berr != nil {
			nc.Close()
			return nil, errors.NewCertificateError(host, port, berr)
		}
		params := rt.cfg.TLSParams
		params.Host, params.Port = host, port
		if len(params.ALPNProtocols) == 0 {
			params.ALPNProtocols = alpnCandidates(rt.cfg.Protocol)
		}
		tlsCfg, cerr := backend.BuildConfig(params)
		if cerr != nil {
			nc.Close()
			return nil, cerr
		}

		timer.StartTLS()
		tlsConn := tls.Client(nc, tlsCfg)
		hsErr := tlsConn.HandshakeContext(ctx)
		timer.EndTLS()
		if hsErr != nil {
			nc.Close()
			return nil, errors.NewCertificateError(host, port, hsErr)
		}
		nc = tlsConn
		if proto := tlsconfig.NegotiatedProtocol(tlsConn.ConnectionState()); proto == "h2" {
			negotiated = ProtocolH2
		}
	} else if rt.cfg.Protocol == ProtocolH2 {
		negotiated = ProtocolH2 // h2c, assumed by explicit configuration only
	}

	tc := &taggedConn{Conn: nc, protocol: negotiated}
	if negotiated == ProtocolH2 {
		settings := rt.cfg.Http2Settings
		if settings == (http2conn.Settings{}) {
			settings = http2conn.DefaultSettings()
		}
		h2, herr := http2conn.Open(nc, settings)
		if herr != nil {
			nc.Close()
			return nil, herr
		}
		tc.h2 = h2
	}
	return tc, nil
}

// alpnCandidates returns the ALPN offer list for the configured protocol
// preference: only http/1.1 when HTTP/1.1 is forced, otherwise h2 and
// http/1.1, so a forced h2 still runs HTTP/1.1 when the server selects it.
func alpnCandidates(p Protocol) []string {
	switch p {
	case ProtocolH1:
		return []string{"http/1.1"}
	case ProtocolH2:
		return []string{"h2", "http/1.1"}
	default:
		return []string{"h2", "http/1.1"}
	}
}

func (rt *RoundTripper) send(ctx context.Context, tc *taggedConn, req *message.Request, timer *timing.Timer) (*message.Response, error) {
	if tc.h2 != nil {
		return tc.h2.Send(ctx, req)
	}
	return rt.sendHTTP1(tc, req, timer)
}

var zeroTime time.Time

func deadlineFromTimeout(req *message.Request) (time.Time, bool) {
	if req.Timeout() <= 0 {
		return zeroTime, false
	}
	return time.Now().Add(req.Timeout()), true
}

func (rt *RoundTripper) sendHTTP1(tc *taggedConn, req *message.Request, timer *timing.Timer) (*message.Response, error) {
	raw, err := http1.Serialize(req)
	if err != nil {
		return nil, err
	}
	if deadline, ok := deadlineFromTimeout(req); ok {
		tc.SetDeadline(deadline)
		defer tc.SetDeadline(zeroTime)
	}

	if _, err := tc.Write(raw); err != nil {
		return nil, errors.NewNetworkError("write", "", 0, err)
	}

	timer.StartTTFB()
	br := bufio.NewReader(tc)
	_, _ = br.Peek(1)
	timer.EndTTFB()
	parsed, err := http1.ParseResponse(br, http1.Options{Method: req.Method(), MaxBodyBytes: constants.DefaultMaxResponseBodyBytes})
	if err != nil {
		return nil, err
	}

	return &message.Response{
		StatusCode: parsed.StatusCode,
		Headers:    parsed.Headers,
		Body:       parsed.Body,
		Request:    req,
	}, nil
}
