// Package websocket implements the RFC 6455 framing layer and handshake,
// with optional RFC 7692 permessage-deflate negotiated via
// websocket/pmd. It is hand-rolled rather than built on a third-party
// WebSocket client: see DESIGN.md for why gorilla/websocket and
// coder/websocket were considered and not adopted.
package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
)

// Opcode identifies a frame's payload interpretation (RFC 6455 §5.2).
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (op Opcode) isControl() bool { return op >= OpClose }

// Frame is one decoded WebSocket frame.
type Frame struct {
	Fin     bool
	RSV1    bool // set when this frame carries a permessage-deflate payload
	Opcode  Opcode
	Payload []byte
}

// WriteFrame serializes and writes one frame to w, masking the payload
// when masked is true (required for every client-to-server frame per RFC
// 6455 §5.1).
func WriteFrame(w io.Writer, f Frame, masked bool) error {
	if f.Opcode.isControl() && len(f.Payload) > 125 {
		return errors.NewInvalidRequestError("control frame payload exceeds 125 bytes")
	}

	var header []byte
	b0 := byte(f.Opcode)
	if f.Fin {
		b0 |= 0x80
	}
	if f.RSV1 {
		b0 |= 0x40
	}
	header = append(header, b0)

	maskBit := byte(0)
	if masked {
		maskBit = 0x80
	}

	n := len(f.Payload)
	switch {
	case n <= 125:
		header = append(header, maskBit|byte(n))
	case n <= 0xFFFF:
		header = append(header, maskBit|126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		header = append(header, ext[:]...)
	default:
		header = append(header, maskBit|127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		header = append(header, ext[:]...)
	}

	payload := f.Payload
	if masked {
		var key [4]byte
		if _, err := rand.Read(key[:]); err != nil {
			return errors.NewUnknownError("mask key", err)
		}
		header = append(header, key[:]...)
		masked := make([]byte, n)
		for i := 0; i < n; i++ {
			masked[i] = payload[i] ^ key[i%4]
		}
		payload = masked
	}

	if _, err := w.Write(header); err != nil {
		return errors.NewNetworkError("write", "", 0, err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errors.NewNetworkError("write", "", 0, err)
		}
	}
	return nil
}

// ReadFrame reads and unmasks (if masked) one frame from r, enforcing
// maxPayload as a per-frame size cap.
func ReadFrame(r io.Reader, maxPayload int64) (Frame, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, errors.NewNetworkError("read", "", 0, err)
	}

	f := Frame{
		Fin:    head[0]&0x80 != 0,
		RSV1:   head[0]&0x40 != 0,
		Opcode: Opcode(head[0] & 0x0F),
	}
	masked := head[1]&0x80 != 0
	length := int64(head[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, errors.NewNetworkError("read", "", 0, err)
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, errors.NewNetworkError("read", "", 0, err)
		}
		length = int64(binary.BigEndian.Uint64(ext[:]))
	}

	if length > maxPayload {
		return Frame{}, errors.NewFrameTooLargeError(length, maxPayload)
	}
	if f.Opcode.isControl() && (length > 125 || !f.Fin) {
		return Frame{}, errors.NewProtocolError("control frame must be unfragmented and <=125 bytes", nil)
	}

	var key [4]byte
	if masked {
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return Frame{}, errors.NewNetworkError("read", "", 0, err)
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, errors.NewNetworkError("read", "", 0, err)
	}
	if masked {
		for i := range payload {
			payload[i] ^= key[i%4]
		}
	}
	f.Payload = payload
	return f, nil
}

// DefaultMaxFramePayload is the per-frame cap enforced by ReadFrame absent
// an explicit override.
const DefaultMaxFramePayload = constants.DefaultWSMaxMessageBytes
