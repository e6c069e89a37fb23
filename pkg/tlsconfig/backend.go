package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
)

// BackendKind selects which TLS implementation handles a handshake.
type BackendKind string

const (
	// BackendSystem delegates to crypto/tls. It is the only kind ever
	// chosen automatically.
	BackendSystem BackendKind = "system"
	// BackendEmbedded is reserved for an alternate implementation. Callers
	// must opt into it explicitly; it is never auto-selected because
	// crypto/tls has no "weak implementation" failure mode that would
	// justify a runtime fallback.
	BackendEmbedded BackendKind = "embedded"
)

// Params configures one TLS client handshake.
type Params struct {
	Host               string
	Port               int
	ServerName         string // overrides SNI; empty uses Host
	DisableSNI         bool
	InsecureSkipVerify bool
	ALPNProtocols      []string // e.g. "h2", "http/1.1"
	MinVersion         uint16   // zero defaults to VersionTLS12
	RootCAs            *x509.CertPool
	ClientCertificates []tls.Certificate // mTLS client auth
	VersionProfile     *VersionProfile
}

// Backend produces the *tls.Config for a given connection; the caller runs
// the handshake with it. System is the only kind wired to crypto/tls; Embedded exists
// as an extension point for a future alternate implementation and is never
// selected unless a caller asks for it by name.
type Backend interface {
	Kind() BackendKind
	BuildConfig(p Params) (*tls.Config, error)
}

type systemBackend struct{}

// NewSystemBackend returns the default Backend, backed by crypto/tls.
func NewSystemBackend() Backend { return systemBackend{} }

func (systemBackend) Kind() BackendKind { return BackendSystem }

func (systemBackend) BuildConfig(p Params) (*tls.Config, error) {
	if p.DisableSNI && p.ServerName != "" {
		return nil, errors.NewInvalidRequestError("cannot set both DisableSNI and a custom server name")
	}

	cfg := &tls.Config{
		InsecureSkipVerify: p.InsecureSkipVerify,
		RootCAs:            p.RootCAs,
		Certificates:       p.ClientCertificates,
		NextProtos:         p.ALPNProtocols,
	}

	if p.VersionProfile != nil {
		ApplyVersionProfile(cfg, *p.VersionProfile)
	} else {
		min := p.MinVersion
		if min == 0 {
			min = VersionTLS12
		}
		cfg.MinVersion = min
		ApplyCipherSuites(cfg, min)
	}

	if !p.DisableSNI {
		name := p.ServerName
		if name == "" {
			name = p.Host
		}
		cfg.ServerName = name
	}

	return cfg, nil
}

// NegotiatedProtocol reports the ALPN protocol the peer selected, or "" if
// none was negotiated (plain TLS 1.2/1.3 without NPN/ALPN agreement).
func NegotiatedProtocol(state tls.ConnectionState) string {
	return state.NegotiatedProtocol
}

// VerifyHostname re-checks the leaf certificate of an established TLS
// session against host.
func VerifyHostname(state tls.ConnectionState, host string) error {
	if len(state.PeerCertificates) == 0 {
		return errors.NewCertificateError(host, 0, nil)
	}
	leaf := state.PeerCertificates[0]
	if err := leaf.VerifyHostname(host); err != nil {
		return errors.NewCertificateError(host, 0, err)
	}
	return nil
}
