// Package rawhttp provides a low-level HTTP client for Go that speaks
// HTTP/1.1 and HTTP/2 directly over pooled sockets, with pluggable TLS and
// proxy backends and a WebSocket core built on the same connections.
package rawhttp

import (
	"context"
	"net/url"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/message"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/pipeline"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/plugin"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/pool"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/proxyconf"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/roundtrip"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/tlsconfig"
)

// Version is the current version of the library.
const Version = "3.0.0"

// GetVersion returns the current version of the library.
func GetVersion() string { return Version }

// Re-export key types for easier usage.
type (
	// Request is the wire-agnostic request model shared by every transport.
	Request = message.Request

	// Response is the fully materialized result of sending a Request.
	Response = message.Response

	// Headers is an ordered, case-insensitive header multimap.
	Headers = message.Headers

	// Error is a structured, typed transport error.
	Error = errors.Error

	// ErrorType is the closed category an Error belongs to.
	ErrorType = errors.ErrorType

	// ProxyConfig describes one upstream proxy.
	ProxyConfig = proxyconf.Config

	// PoolStats is a point-in-time snapshot of connection pool occupancy.
	PoolStats = pool.Stats

	// Interceptor is a pipeline middleware stage.
	Interceptor = pipeline.Interceptor
)

// Re-export error type constants for convenience.
const (
	ErrorTypeNetwork     = errors.ErrorTypeNetwork
	ErrorTypeTimeout     = errors.ErrorTypeTimeout
	ErrorTypeHTTP        = errors.ErrorTypeHTTP
	ErrorTypeCertificate = errors.ErrorTypeCertificate
	ErrorTypeCancelled   = errors.ErrorTypeCancelled
	ErrorTypeInvalid     = errors.ErrorTypeInvalid
	ErrorTypeUnknown     = errors.ErrorTypeUnknown
)

// ClientConfig controls how a Client establishes and reuses connections.
type ClientConfig struct {
	Protocol   roundtrip.Protocol // ProtocolAuto negotiates via ALPN
	ProxyURL   string
	NoProxyEnv bool
	TLSBackend string
	ConnectIP  string
	PoolConfig pool.Config
}

// adHocCapabilities is granted to interceptors passed directly to Send:
// since they are not registered through RegisterPlugin, there is no
// separate declaration step for them to name a narrower set.
const adHocCapabilities = pipeline.ObserveRequests | pipeline.ReadOnlyMonitoring |
	pipeline.MutateRequests | pipeline.MutateResponses | pipeline.HandleErrors | pipeline.ShortCircuit

// Client is the top-level entry point: it wires a RoundTripper through a
// middleware Pipeline and exposes ergonomic per-verb helpers.
type Client struct {
	rt       *roundtrip.RoundTripper
	plugins  *plugin.Registry
	manager  *plugin.Manager
	pipeline func(interceptors ...pipeline.Interceptor) *pipeline.Pipeline
}

// New builds a Client with its own connection pool and plugin registry.
func New(cfg ClientConfig) *Client {
	plugins := plugin.NewRegistry()
	rtCfg := roundtrip.Config{
		Protocol:   cfg.Protocol,
		ProxyURL:   cfg.ProxyURL,
		NoProxyEnv: cfg.NoProxyEnv,
		TLSBackend: cfg.TLSBackend,
		ConnectIP:  cfg.ConnectIP,
		PoolConfig: cfg.PoolConfig,
	}
	rt := roundtrip.New(rtCfg, plugins)
	manager := plugin.NewManager(constants.DefaultPluginShutdownTimeout)
	c := &Client{rt: rt, plugins: plugins, manager: manager}
	c.pipeline = func(interceptors ...pipeline.Interceptor) *pipeline.Pipeline {
		entries := manager.Interceptors()
		for _, ic := range interceptors {
			entries = append(entries, pipeline.Entry{Interceptor: ic, Capabilities: adHocCapabilities})
		}
		return pipeline.NewWithEntries(rt.Send, entries...)
	}
	return c
}

// RegisterPlugin initializes p and, on success, merges the interceptors it
// contributes into every subsequent Send. Initialize failure leaves the
// client exactly as it was before the call.
func (c *Client) RegisterPlugin(ctx context.Context, p plugin.Plugin) error {
	return c.manager.Register(ctx, p)
}

// UnregisterPlugin shuts down and removes the named plugin, bounded by
// constants.DefaultPluginShutdownTimeout.
func (c *Client) UnregisterPlugin(ctx context.Context, name string) error {
	return c.manager.Unregister(ctx, name)
}

// Send runs req through interceptors and the wire transport.
func (c *Client) Send(ctx context.Context, req *message.Request, interceptors ...pipeline.Interceptor) (*message.Response, error) {
	return c.pipeline(interceptors...).Send(ctx, req)
}

func (c *Client) do(ctx context.Context, method string, rawURL string, headers *message.Headers, body []byte, interceptors ...pipeline.Interceptor) (*message.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid URL: " + err.Error())
	}
	req := message.NewRequest(method, u, headers, body)
	return c.Send(ctx, req, interceptors...)
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, headers *message.Headers) (*message.Response, error) {
	return c.do(ctx, "GET", rawURL, headers, nil)
}

// Head issues a HEAD request.
func (c *Client) Head(ctx context.Context, rawURL string, headers *message.Headers) (*message.Response, error) {
	return c.do(ctx, "HEAD", rawURL, headers, nil)
}

// Options issues an OPTIONS request.
func (c *Client) Options(ctx context.Context, rawURL string, headers *message.Headers) (*message.Response, error) {
	return c.do(ctx, "OPTIONS", rawURL, headers, nil)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, rawURL string, headers *message.Headers) (*message.Response, error) {
	return c.do(ctx, "DELETE", rawURL, headers, nil)
}

// Post issues a POST request with body.
func (c *Client) Post(ctx context.Context, rawURL string, headers *message.Headers, body []byte) (*message.Response, error) {
	return c.do(ctx, "POST", rawURL, headers, body)
}

// Put issues a PUT request with body.
func (c *Client) Put(ctx context.Context, rawURL string, headers *message.Headers, body []byte) (*message.Response, error) {
	return c.do(ctx, "PUT", rawURL, headers, body)
}

// Patch issues a PATCH request with body.
func (c *Client) Patch(ctx context.Context, rawURL string, headers *message.Headers, body []byte) (*message.Response, error) {
	return c.do(ctx, "PATCH", rawURL, headers, body)
}

// PoolStats returns aggregate and per-key connection pool occupancy.
func (c *Client) PoolStats() (pool.Stats, map[string]pool.Stats) {
	return c.rt.PoolStats()
}

// RegisterTLSBackend installs a custom TLS backend under name, replacing
// the system backend for requests that opt into it via ClientConfig.TLSBackend.
func (c *Client) RegisterTLSBackend(name string, backend tlsconfig.Backend) error {
	return c.plugins.RegisterTLSBackend(name, backend)
}

// UnregisterTLSBackend removes a custom TLS backend, reverting name (if it
// was the active default) to the system backend.
func (c *Client) UnregisterTLSBackend(name string) {
	c.plugins.UnregisterTLSBackend(name)
}

// RegisterProxyTunnel installs a custom dialer for proxy type typ (e.g.
// "http", "socks5"), replacing the built-in implementation.
func (c *Client) RegisterProxyTunnel(typ string, dialer plugin.TunnelDialer) error {
	return c.plugins.RegisterTunnel(typ, dialer)
}

// UnregisterProxyTunnel restores the built-in dialer for proxy type typ.
func (c *Client) UnregisterProxyTunnel(typ string) {
	c.plugins.UnregisterTunnel(typ)
}

// Close shuts down every registered plugin (in reverse registration
// order) and releases every idle pooled connection.
func (c *Client) Close() error {
	err := c.manager.Shutdown(context.Background())
	c.rt.Close()
	return err
}

// ParseProxyURL parses a proxy URL of the form scheme://[user:pass@]host:port.
func ParseProxyURL(raw string) (*ProxyConfig, error) {
	return proxyconf.ParseURL(raw)
}

// IsTimeoutError reports whether err is a timeout at any layer.
func IsTimeoutError(err error) bool { return errors.IsTimeoutError(err) }

// IsTemporaryError reports whether err is a temporary network error.
func IsTemporaryError(err error) bool { return errors.IsTemporaryError(err) }

// GetErrorType returns the error's type, or "" if err is not a structured Error.
func GetErrorType(err error) ErrorType { return errors.GetErrorType(err) }
