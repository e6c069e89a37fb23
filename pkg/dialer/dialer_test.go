package dialer

import (
	"context"
	"net"
	"testing"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/timing"
)

func ipList(ips ...string) []net.IPAddr {
	out := make([]net.IPAddr, 0, len(ips))
	for _, s := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(s)})
	}
	return out
}

func TestInterleavePrefersV6First(t *testing.T) {
	addrs := ipList("192.0.2.1", "192.0.2.2", "2001:db8::1", "2001:db8::2")
	got := interleave(addrs)
	if len(got) != 4 {
		t.Fatalf("expected 4 candidates, got %d", len(got))
	}
	if got[0].To4() != nil {
		t.Errorf("expected first candidate to be IPv6, got %v", got[0])
	}
	if got[1].To4() == nil {
		t.Errorf("expected second candidate to be IPv4, got %v", got[1])
	}
}

func TestInterleaveHandlesSingleFamily(t *testing.T) {
	addrs := ipList("192.0.2.1", "192.0.2.2")
	got := interleave(addrs)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	for _, ip := range got {
		if ip.To4() == nil {
			t.Errorf("expected only IPv4 candidates, got %v", ip)
		}
	}
}

func TestDialWithConnectIPBypassesResolution(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	cfg := Config{Host: "ignored.invalid", Port: port, ConnectIP: host}
	res, err := Dial(context.Background(), cfg, timing.NewTimer())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer res.Conn.Close()
	if res.ResolvedIP != host {
		t.Errorf("expected resolved ip %q, got %q", host, res.ResolvedIP)
	}
}
