package websocket

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"net/url"
	"strings"
	"testing"
)

func startHandshakeServer(t *testing.T) string {
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
		var key string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			if strings.HasPrefix(strings.ToLower(line), "sec-websocket-key:") {
				key = strings.TrimSpace(line[len("sec-websocket-key:"):])
			}
		}
		h := sha1.New()
		h.Write([]byte(key + acceptGUID))
		accept := base64.StdEncoding.EncodeToString(h.Sum(nil))

		resp := "HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
		conn.Write([]byte(resp))
	}()

	return ln.Addr().String()
}

func TestDialPerformsUpgradeHandshake(t *testing.T) {
	addr := startHandshakeServer(t)
	u, err := url.Parse("ws://" + addr + "/chat")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}

	conn, err := Dial(context.Background(), u, DialConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()

	if conn.Reader == nil || conn.Writer == nil {
		t.Error("expected both Reader and Writer to be set after a successful handshake")
	}
}
