package websocket

import (
	"io"
	"unicode/utf8"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/websocket/pmd"
)

// Message is one reassembled application message: a text or binary payload
// built from one or more fragments sharing a single opcode.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

// Reader reassembles frames from a WebSocket connection into complete
// messages, transparently inflating RSV1-marked frames when ext is set,
// and answers Ping frames are surfaced to the caller as control events
// rather than answered automatically (the caller owns write access to the
// connection).
type Reader struct {
	r              io.Reader
	ext            *pmd.Extension
	maxFragments   int
	maxMessageSize int64
	maxFrameSize   int64
}

// NewReader builds a Reader. ext may be nil when permessage-deflate was
// not negotiated.
func NewReader(r io.Reader, ext *pmd.Extension) *Reader {
	return &Reader{
		r:              r,
		ext:            ext,
		maxFragments:   constants.DefaultWSMaxFragments,
		maxMessageSize: constants.DefaultWSMaxMessageBytes,
		maxFrameSize:   constants.DefaultWSMaxMessageBytes,
	}
}

// Event is either a complete Message or a control frame surfaced verbatim.
type Event struct {
	Message *Message
	Control *Frame
}

// Next reads frames until one complete message or control frame is ready.
func (rd *Reader) Next() (Event, error) {
	var assembled []byte
	var opcode Opcode
	var compressed bool
	fragments := 0

	for {
		f, err := ReadFrame(rd.r, rd.maxFrameSize)
		if err != nil {
			return Event{}, err
		}

		if f.Opcode.isControl() {
			return Event{Control: &f}, nil
		}

		if fragments == 0 {
			if f.Opcode == OpContinuation {
				return Event{}, errors.NewProtocolError("continuation frame without a preceding initial frame", nil)
			}
			opcode = f.Opcode
			compressed = f.RSV1
		} else if f.Opcode != OpContinuation {
			return Event{}, errors.NewProtocolError("expected continuation frame", nil)
		}

		fragments++
		if fragments > rd.maxFragments {
			return Event{}, errors.NewProtocolError("too many fragments for one message", nil)
		}

		assembled = append(assembled, f.Payload...)
		if int64(len(assembled)) > rd.maxMessageSize {
			return Event{}, errors.NewMessageTooLargeError(int64(len(assembled)), rd.maxMessageSize)
		}

		if f.Fin {
			break
		}
	}

	payload := assembled
	if compressed {
		if rd.ext == nil {
			return Event{}, errors.NewExtensionNegotiationError("received compressed frame without negotiated permessage-deflate")
		}
		inflated, err := rd.ext.Inflate(assembled, rd.maxMessageSize)
		if err != nil {
			return Event{}, errors.NewDecompressionFailedError(err)
		}
		payload = inflated
	}

	return Event{Message: &Message{Opcode: opcode, Payload: payload}}, nil
}

// Writer optionally deflates outgoing messages and writes each one as a
// single unfragmented frame. writeLock is
// a capacity-1 counting semaphore: the application goroutine and the
// keep-alive goroutine (pings) both write through the same Writer, and
// without serialization two concurrent writers could interleave their
// frame bytes on the wire.
type Writer struct {
	w         io.Writer
	ext       *pmd.Extension
	maxFrame  int
	writeLock chan struct{}
}

// NewWriter builds a Writer. ext may be nil when permessage-deflate was
// not negotiated.
func NewWriter(w io.Writer, ext *pmd.Extension) *Writer {
	return &Writer{w: w, ext: ext, maxFrame: 64 * 1024, writeLock: make(chan struct{}, 1)}
}

func (wr *Writer) acquire() { wr.writeLock <- struct{}{} }
func (wr *Writer) release() { <-wr.writeLock }

// WriteMessage writes payload as a single (possibly deflated) message
// frame, masked per the client role.
func (wr *Writer) WriteMessage(opcode Opcode, payload []byte) error {
	rsv1 := false
	if wr.ext != nil && opcode != OpContinuation {
		deflated, err := wr.ext.Deflate(payload)
		if err != nil {
			return errors.NewCompressionFailedError(err)
		}
		payload = deflated
		rsv1 = true
	}
	wr.acquire()
	defer wr.release()
	return WriteFrame(wr.w, Frame{Fin: true, RSV1: rsv1, Opcode: opcode, Payload: payload}, true)
}

// WritePing/WritePong/WriteClose send unfragmented control frames.
func (wr *Writer) WritePing(payload []byte) error { return wr.control(OpPing, payload) }
func (wr *Writer) WritePong(payload []byte) error { return wr.control(OpPong, payload) }

// WriteClose sends a Close frame carrying the given status code and UTF-8
// reason, truncated at a character boundary to fit the 125-byte
// control-frame payload limit. CloseNoStatus and CloseAbnormal are
// rejected.
func (wr *Writer) WriteClose(code uint16, reason string) error {
	if code == CloseNoStatus || code == CloseAbnormal {
		return errors.NewInvalidRequestError("close codes 1005 and 1006 must not be sent")
	}
	payload := make([]byte, 2, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	payload = append(payload, []byte(reason)...)
	if len(payload) > 125 {
		cut := 125
		for cut > 2 && !utf8.RuneStart(payload[cut]) {
			cut--
		}
		payload = payload[:cut]
	}
	return wr.control(OpClose, payload)
}

func (wr *Writer) control(op Opcode, payload []byte) error {
	wr.acquire()
	defer wr.release()
	return WriteFrame(wr.w, Frame{Fin: true, Opcode: op, Payload: payload}, true)
}
