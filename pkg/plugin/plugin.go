// Package plugin is the pluggability point for alternate TLS and proxy
// backends: callers register implementations by name and the client
// resolves them at request time instead of hard-wiring crypto/tls and the
// built-in proxy dialer.
package plugin

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/proxyconf"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/tlsconfig"
)

// TunnelDialer establishes a tunneled connection through a proxy. It is the
// plugin-facing equivalent of proxyconf.Dialer.Tunnel, letting a caller
// substitute a custom proxy implementation (e.g. a corporate relay) for one
// of the built-in proxy types.
type TunnelDialer interface {
	Tunnel(ctx context.Context, cfg *proxyconf.Config, targetHost, targetAddr string) (net.Conn, error)
}

// Registry holds named TLS and proxy backends. Build one with NewRegistry,
// which seeds the system TLS backend and the built-in proxyconf.Dialer;
// callers only need to register alternates. The zero Registry has no maps,
// so registering into it panics.
type Registry struct {
	mu       sync.RWMutex
	tls      map[string]tlsconfig.Backend
	tunnels  map[string]TunnelDialer
	defaultTLS string
}

// NewRegistry returns a Registry seeded with the built-in backends.
func NewRegistry() *Registry {
	r := &Registry{
		tls:        make(map[string]tlsconfig.Backend),
		tunnels:    make(map[string]TunnelDialer),
		defaultTLS: string(tlsconfig.BackendSystem),
	}
	r.tls[string(tlsconfig.BackendSystem)] = tlsconfig.NewSystemBackend()
	for _, t := range []proxyconf.Type{proxyconf.TypeHTTP, proxyconf.TypeHTTPS, proxyconf.TypeSOCKS4, proxyconf.TypeSOCKS5} {
		r.tunnels[string(t)] = proxyconf.Dialer{}
	}
	return r
}

// RegisterTLSBackend installs backend under name. Registration is
// all-or-nothing: a nil backend is rejected before anything is mutated.
func (r *Registry) RegisterTLSBackend(name string, backend tlsconfig.Backend) error {
	if backend == nil {
		return errors.NewInvalidRequestError("nil TLS backend for " + name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tls[name] = backend
	return nil
}

// UnregisterTLSBackend removes a previously registered backend. Removing
// the currently selected default backend falls back to the system backend.
func (r *Registry) UnregisterTLSBackend(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tls, name)
	if r.defaultTLS == name {
		r.defaultTLS = string(tlsconfig.BackendSystem)
	}
}

// TLSBackend resolves name, or the default backend if name is empty.
func (r *Registry) TLSBackend(name string) (tlsconfig.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultTLS
	}
	b, ok := r.tls[name]
	if !ok {
		return nil, fmt.Errorf("no TLS backend registered under %q", name)
	}
	return b, nil
}

// RegisterTunnel installs a custom proxy tunnel dialer for proxy type typ
// (e.g. "http", "socks5"), replacing the built-in implementation.
func (r *Registry) RegisterTunnel(typ string, dialer TunnelDialer) error {
	if dialer == nil {
		return errors.NewInvalidRequestError("nil tunnel dialer for " + typ)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tunnels[typ] = dialer
	return nil
}

// UnregisterTunnel restores the built-in dialer for typ.
func (r *Registry) UnregisterTunnel(typ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tunnels[typ] = proxyconf.Dialer{}
}

// Tunnel resolves the dialer registered for cfg.Type and opens a tunnel.
func (r *Registry) Tunnel(ctx context.Context, cfg *proxyconf.Config, targetHost, targetAddr string) (net.Conn, error) {
	r.mu.RLock()
	d, ok := r.tunnels[string(cfg.Type)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewInvalidRequestError("no tunnel dialer registered for proxy type " + string(cfg.Type))
	}
	return d.Tunnel(ctx, cfg, targetHost, targetAddr)
}
