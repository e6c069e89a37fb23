package http2conn

import (
	"testing"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
	"golang.org/x/net/http2/hpack"
)

// The decoder is configured the same way Open wires it: bomb-capped via
// SetMaxStringLength and sized per DefaultHpackTableSize.
func newTestDecoder() *hpack.Decoder {
	d := hpack.NewDecoder(constants.DefaultHpackTableSize, nil)
	d.SetMaxStringLength(constants.DefaultMaxHeaderBlockBytes)
	return d
}

func TestHPACKRoundTrip(t *testing.T) {
	buf := &bufWriter{}
	enc := hpack.NewEncoder(buf)
	_ = enc.WriteField(hpack.HeaderField{Name: ":status", Value: "200"})
	_ = enc.WriteField(hpack.HeaderField{Name: "content-type", Value: "application/json"})

	dec := newTestDecoder()
	fields, err := dec.DecodeFull(buf.buf)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}
	if fields[0].Name != ":status" || fields[0].Value != "200" {
		t.Errorf("unexpected first field: %+v", fields[0])
	}
}

// Guards against a decompression bomb: a crafted block whose encoded form
// is small but whose single string value exceeds the configured cap must
// be rejected rather than allocated.
func TestHPACKRejectsOversizedStringLiteral(t *testing.T) {
	dec := hpack.NewDecoder(constants.DefaultHpackTableSize, nil)
	dec.SetMaxStringLength(16) // tiny cap for the test

	buf := &bufWriter{}
	enc := hpack.NewEncoder(buf)
	_ = enc.WriteField(hpack.HeaderField{Name: "x-long", Value: "this value is much longer than sixteen bytes"})

	if _, err := dec.DecodeFull(buf.buf); err == nil {
		t.Fatal("expected oversized header value to be rejected")
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]int{"200": 200, "404": 404, "": 0, "abc": 0}
	for in, want := range cases {
		if got := parseStatus(in); got != want {
			t.Errorf("parseStatus(%q) = %d, want %d", in, got, want)
		}
	}
}
