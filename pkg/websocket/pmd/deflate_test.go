package pmd

import (
	"bytes"
	"testing"
)

func TestParseResponseNegotiatesDefault(t *testing.T) {
	params, ok := ParseResponse("permessage-deflate")
	if !ok {
		t.Fatal("expected permessage-deflate to be recognized")
	}
	if params.ServerNoContextTakeover || params.ClientNoContextTakeover {
		t.Errorf("expected no context-takeover flags by default, got %+v", params)
	}
}

func TestParseResponseParsesParameters(t *testing.T) {
	params, ok := ParseResponse("permessage-deflate; server_no_context_takeover; client_max_window_bits=12")
	if !ok {
		t.Fatal("expected permessage-deflate to be recognized")
	}
	if !params.ServerNoContextTakeover {
		t.Errorf("expected server_no_context_takeover to be set")
	}
	if params.ClientMaxWindowBits != 12 {
		t.Errorf("expected client_max_window_bits=12, got %d", params.ClientMaxWindowBits)
	}
}

func TestParseResponseAbsent(t *testing.T) {
	if _, ok := ParseResponse(""); ok {
		t.Error("expected no extension negotiated for empty header")
	}
	if _, ok := ParseResponse("some-other-extension"); ok {
		t.Error("expected permessage-deflate not found among unrelated extensions")
	}
}

func TestDeflateInflateRoundTrip(t *testing.T) {
	ext, err := New(Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	original := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 50)

	compressed, err := ext.Deflate(original)
	if err != nil {
		t.Fatalf("deflate error: %v", err)
	}
	if len(compressed) >= len(original) {
		t.Errorf("expected compression to shrink repetitive payload")
	}

	restored, err := ext.Inflate(compressed, int64(len(original)*2))
	if err != nil {
		t.Fatalf("inflate error: %v", err)
	}
	if !bytes.Equal(restored, original) {
		t.Error("expected round-tripped payload to match original")
	}
}

func TestInflateEnforcesSizeCap(t *testing.T) {
	ext, err := New(Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	original := bytes.Repeat([]byte("a"), 10000)
	compressed, err := ext.Deflate(original)
	if err != nil {
		t.Fatalf("deflate error: %v", err)
	}
	if _, err := ext.Inflate(compressed, 100); err == nil {
		t.Fatal("expected inflate to reject output exceeding the size cap")
	}
}
