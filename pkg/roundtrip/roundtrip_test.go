package roundtrip

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"testing"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/message"
)

func startEchoServer(t *testing.T, body string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
		conn.Write([]byte(resp))
	}()

	return ln.Addr().String()
}

func TestRoundTripperSendHTTP1(t *testing.T) {
	addr := startEchoServer(t, "hello")
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}

	rt := New(Config{NoProxyEnv: true}, nil)
	defer rt.Close()

	u, err := url.Parse(fmt.Sprintf("http://%s:%s/", host, portStr))
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	req := message.NewRequest("GET", u, nil, nil)

	resp, err := rt.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "hello" {
		t.Errorf("expected body %q, got %q", "hello", resp.Body)
	}
}

func TestConnKeyDistinguishesProxiedFromDirect(t *testing.T) {
	direct := connKey("http", "example.com", 80, nil)
	if strings.Contains(direct, "proxy") {
		t.Errorf("expected no proxy marker in direct key, got %q", direct)
	}
}
