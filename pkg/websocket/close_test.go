package websocket

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

func TestParseClosePayloadEmpty(t *testing.T) {
	code, reason, err := ParseClosePayload(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != CloseNoStatus || reason != "" {
		t.Errorf("expected (CloseNoStatus, \"\"), got (%d, %q)", code, reason)
	}
}

func TestParseClosePayloadWithReason(t *testing.T) {
	payload := []byte{0x03, 0xE8, 'b', 'y', 'e'} // 1000, "bye"
	code, reason, err := ParseClosePayload(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != CloseNormal || reason != "bye" {
		t.Errorf("expected (1000, \"bye\"), got (%d, %q)", code, reason)
	}
}

func TestParseClosePayloadRejectsSingleByte(t *testing.T) {
	if _, _, err := ParseClosePayload([]byte{0x01}); err == nil {
		t.Fatal("expected error for single-byte close payload")
	}
}

func TestParseClosePayloadRejectsReservedCode(t *testing.T) {
	payload := []byte{0x03, 0xEE} // 1006, explicitly reserved / never on the wire
	if _, _, err := ParseClosePayload(payload); err == nil {
		t.Fatal("expected error for reserved close code 1006")
	}
}

func TestParseClosePayloadAcceptsApplicationDefinedRange(t *testing.T) {
	payload := []byte{0x0B, 0xB8} // 3000
	code, _, err := ParseClosePayload(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 3000 {
		t.Errorf("expected code 3000, got %d", code)
	}
}

func TestReadFrameRejectsFragmentedControlFrame(t *testing.T) {
	var buf bytes.Buffer
	// FIN=0, opcode=Ping, unmasked, 1-byte payload.
	buf.Write([]byte{0x09, 0x01, 'x'})
	if _, err := ReadFrame(&buf, DefaultMaxFramePayload); err == nil {
		t.Fatal("expected error for fragmented control frame")
	}
}

// closeFrameCounter counts Close-frame header writes (FIN|opcode==Close,
// i.e. byte 0x88) without caring how many separate Write calls one frame
// is split across, so it can tell "one Close frame" apart from "one
// syscall" regardless of WriteFrame's header/payload split.
type closeFrameCounter struct {
	mu     sync.Mutex
	frames int
}

func (c *closeFrameCounter) Write(p []byte) (int, error) {
	c.mu.Lock()
	if len(p) > 0 && p[0] == 0x88 {
		c.frames++
	}
	c.mu.Unlock()
	return len(p), nil
}

func (c *closeFrameCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func TestCloseAsyncWritesExactlyOneCloseFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	go io.Copy(io.Discard, server)

	counter := &closeFrameCounter{}
	c := &Conn{
		Conn:          client,
		Writer:        NewWriter(counter, nil),
		connLifecycle: newConnLifecycle(),
	}
	c.markOpen()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.CloseAsync(context.Background(), CloseNormal, "bye", 20*time.Millisecond)
		}()
	}
	wg.Wait()

	if got := counter.count(); got != 1 {
		t.Fatalf("expected exactly 1 close frame written, got %d", got)
	}
	if c.State() != stateClosed {
		t.Errorf("expected state Closed after CloseAsync, got %v", c.State())
	}
}

func TestWriteThenReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Fin: true, Opcode: OpText, Payload: []byte("hello")}, true); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	got, err := ReadFrame(&buf, DefaultMaxFramePayload)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if string(got.Payload) != "hello" {
		t.Errorf("expected payload %q, got %q", "hello", got.Payload)
	}
	if got.Opcode != OpText || !got.Fin {
		t.Errorf("unexpected frame metadata: %+v", got)
	}
}
