// Package pmd implements RFC 7692 permessage-deflate: negotiation of the
// extension offer/response and the per-message DEFLATE framing it defines.
// Every message is compressed and inflated on its own: no sliding-window
// state is carried from one message to the next.
package pmd

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
)

// Params are the negotiated permessage-deflate parameters (RFC 7692 §7).
type Params struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     int // 8-15, 0 means unspecified/default 15
	ClientMaxWindowBits     int
}

// OfferHeader builds the Sec-WebSocket-Extensions offer this client sends
// during the handshake.
func OfferHeader() string {
	return "permessage-deflate; client_max_window_bits"
}

// ParseResponse parses the server's Sec-WebSocket-Extensions response
// header. ok is false when the server didn't accept the extension at all.
func ParseResponse(header string) (Params, bool) {
	if header == "" {
		return Params{}, false
	}
	var p Params
	found := false
	for _, part := range strings.Split(header, ",") {
		tokens := strings.Split(part, ";")
		name := strings.TrimSpace(tokens[0])
		if name != "permessage-deflate" {
			continue
		}
		found = true
		for _, tok := range tokens[1:] {
			tok = strings.TrimSpace(tok)
			kv := strings.SplitN(tok, "=", 2)
			key := strings.TrimSpace(kv[0])
			val := ""
			if len(kv) == 2 {
				val = strings.Trim(strings.TrimSpace(kv[1]), "\"")
			}
			switch key {
			case "server_no_context_takeover":
				p.ServerNoContextTakeover = true
			case "client_no_context_takeover":
				p.ClientNoContextTakeover = true
			case "server_max_window_bits":
				if n, err := strconv.Atoi(val); err == nil {
					p.ServerMaxWindowBits = n
				}
			case "client_max_window_bits":
				if n, err := strconv.Atoi(val); err == nil {
					p.ClientMaxWindowBits = n
				}
			}
		}
		break
	}
	return p, found
}

// Extension performs per-message deflate/inflate for one negotiated
// connection. Context takeover (retaining the sliding window across
// messages) is not used in either direction, whatever no_context_takeover
// flags were negotiated.
type Extension struct {
	params Params

	compressor *flate.Writer
}

// New builds an Extension for the negotiated params.
func New(params Params) (*Extension, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	return &Extension{params: params, compressor: fw}, nil
}

// Deflate compresses payload per RFC 7692 §7.2.1: compress, then strip the
// trailing 4-byte 00 00 FF FF sync-flush marker DEFLATE always appends.
func (e *Extension) Deflate(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	e.compressor.Reset(&buf)
	if _, err := e.compressor.Write(payload); err != nil {
		return nil, err
	}
	if err := e.compressor.Flush(); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) >= 4 && bytes.HasSuffix(out, []byte{0x00, 0x00, 0xff, 0xff}) {
		out = out[:len(out)-4]
	}
	if e.params.ClientNoContextTakeover {
		fw, err := flate.NewWriter(io.Discard, flate.BestSpeed)
		if err == nil {
			e.compressor = fw
		}
	}
	return out, nil
}

// Inflate restores the trailing sync-flush marker DEFLATE expects, adds an
// empty final stored block so the reader sees a cleanly terminated stream,
// and decompresses, capping decompressed output at maxSize to guard against
// a permessage-deflate zip bomb.
func (e *Extension) Inflate(payload []byte, maxSize int64) ([]byte, error) {
	withTrailer := append(append([]byte(nil), payload...), 0x00, 0x00, 0xff, 0xff, 0x01, 0x00, 0x00, 0xff, 0xff)
	r := flate.NewReader(bytes.NewReader(withTrailer))
	defer r.Close()

	limited := io.LimitReader(r, maxSize+1)
	out, err := readAllChunked(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > maxSize {
		return nil, fmt.Errorf("decompressed message exceeds %d bytes", maxSize)
	}
	return out, nil
}

func readAllChunked(r io.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, constants.WSDeflateChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}
