package plugin

import (
	"crypto/tls"
	"testing"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/tlsconfig"
)

type fakeBackend struct{}

func (fakeBackend) Kind() tlsconfig.BackendKind { return tlsconfig.BackendEmbedded }
func (fakeBackend) BuildConfig(tlsconfig.Params) (*tls.Config, error) {
	return &tls.Config{}, nil
}

func TestRegistryDefaultsToSystemBackend(t *testing.T) {
	r := NewRegistry()
	b, err := r.TLSBackend("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Kind() != tlsconfig.BackendSystem {
		t.Errorf("expected system backend by default, got %v", b.Kind())
	}
}

func TestRegisterAndResolveCustomBackend(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterTLSBackend("fake", fakeBackend{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := r.TLSBackend("fake")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Kind() != tlsconfig.BackendEmbedded {
		t.Errorf("expected embedded backend, got %v", b.Kind())
	}
}

func TestRegisterRejectsNilBackend(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterTLSBackend("nope", nil); err == nil {
		t.Fatal("expected error registering a nil backend")
	}
}

func TestUnknownBackendNameErrors(t *testing.T) {
	r := NewRegistry()
	if _, err := r.TLSBackend("nonexistent"); err == nil {
		t.Fatal("expected error for unregistered backend name")
	}
}

func TestUnregisterRemovesBackend(t *testing.T) {
	r := NewRegistry()
	r.RegisterTLSBackend("fake", fakeBackend{})
	r.UnregisterTLSBackend("fake")
	if _, err := r.TLSBackend("fake"); err == nil {
		t.Fatal("expected error after unregistering backend")
	}
}
