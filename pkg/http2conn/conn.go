// Package http2conn implements one HTTP/2 connection (RFC 9113): a single
// background goroutine reads and demultiplexes frames onto per-stream
// completions, while callers block on their own stream's completion
// instead of each request owning its own read loop.
package http2conn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/message"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Settings mirrors the subset of SETTINGS parameters a client cares about.
type Settings struct {
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
	HeaderTableSize      uint32
	DisableServerPush    bool
}

// DefaultSettings returns the client's opening SETTINGS payload.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrentStreams: 100,
		InitialWindowSize:    65535,
		MaxFrameSize:         16384,
		HeaderTableSize:      constants.DefaultHpackTableSize,
		DisableServerPush:    true,
	}
}

// streamState tracks one HTTP/2 stream's RFC 9113 §5.1 lifecycle.
type streamState int

const (
	stateIdle streamState = iota
	stateOpen
	stateHalfClosedLocal
	stateHalfClosedRemote
	stateClosed
)

// completion is the single-consumer future a stream's caller blocks on.
// Pooled to avoid a channel allocation per request.
type completion struct {
	ch chan struct{}
}

var completionPool = sync.Pool{New: func() any { return &completion{ch: make(chan struct{}, 1)} }}

func getCompletion() *completion { return completionPool.Get().(*completion) }
func putCompletion(c *completion) {
	select {
	case <-c.ch:
	default:
	}
	completionPool.Put(c)
}

type stream struct {
	id    uint32
	state streamState

	headers    *message.Headers
	body       []byte
	statusCode int
	err        error

	sendWindow int32
	recvWindow int32

	done *completion
}

// Conn is one live HTTP/2 connection over conn/tlsConn.
type Conn struct {
	nc      net.Conn
	framer  *http2.Framer
	encoder *hpack.Encoder
	encBuf  *bufWriter
	decoder *hpack.Decoder

	peerSettings Settings
	ourSettings  Settings

	mu             sync.Mutex
	streams        map[uint32]*stream
	pending        *pendingHeaders
	nextStream     uint32
	connSendWindow int32
	connRecvWindow int32
	goAway         bool
	lastGoodID     uint32
	closeErr       error

	// windowCond wakes writers blocked on an exhausted flow-control window
	// (writeData) whenever a WINDOW_UPDATE arrives or the connection fails.
	windowCond *sync.Cond
	// streamSlotCond wakes senders blocked waiting for a free concurrent
	// stream slot (MAX_CONCURRENT_STREAMS) whenever a stream is retired.
	streamSlotCond *sync.Cond

	// settingsAck is closed exactly once, by the read loop, when the
	// peer's ACK of our opening SETTINGS frame arrives.
	settingsAck    chan struct{}
	settingsAckSet sync.Once

	writeMu sync.Mutex

	readLoopDone chan struct{}
}

type bufWriter struct {
	buf []byte
}

func (w *bufWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Open establishes a new HTTP/2 connection over nc, which must already be
// past ALPN negotiation (h2 selected) if TLS is in use. It writes the
// client connection preface and initial SETTINGS, starts the background
// read loop, then blocks — bounded by constants.SettingsAckTimeout — until
// the peer's SETTINGS ACK arrives, since sends issued before the peer has
// acknowledged our flow-control and frame-size choices would race them.
func Open(nc net.Conn, settings Settings) (*Conn, error) {
	if _, err := nc.Write([]byte(http2.ClientPreface)); err != nil {
		return nil, errors.NewNetworkError("write", "", 0, err)
	}

	framer := http2.NewFramer(nc, nc)

	encBuf := &bufWriter{}
	encoder := hpack.NewEncoder(encBuf)

	c := &Conn{
		nc:             nc,
		framer:         framer,
		encoder:        encoder,
		encBuf:         encBuf,
		ourSettings:    settings,
		peerSettings:   DefaultSettings(),
		streams:        make(map[uint32]*stream),
		nextStream:     1,
		connSendWindow: 65535,
		connRecvWindow: 65535,
		settingsAck:    make(chan struct{}),
		readLoopDone:   make(chan struct{}),
	}
	c.windowCond = sync.NewCond(&c.mu)
	c.streamSlotCond = sync.NewCond(&c.mu)
	c.decoder = hpack.NewDecoder(constants.DefaultHpackTableSize, nil)
	c.decoder.SetMaxStringLength(constants.DefaultMaxHeaderBlockBytes)

	if err := c.writeSettings(settings); err != nil {
		nc.Close()
		return nil, err
	}

	go c.readLoop()

	select {
	case <-c.settingsAck:
	case <-c.readLoopDone:
		nc.Close()
		return nil, c.Err()
	case <-time.After(constants.SettingsAckTimeout):
		nc.Close()
		<-c.readLoopDone
		return nil, errors.NewTimeoutError("http2 settings ack", constants.SettingsAckTimeout)
	}

	return c, nil
}

func (c *Conn) writeSettings(s Settings) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	settings := []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: s.MaxConcurrentStreams},
		{ID: http2.SettingInitialWindowSize, Val: s.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: s.MaxFrameSize},
		{ID: http2.SettingHeaderTableSize, Val: s.HeaderTableSize},
	}
	if s.DisableServerPush {
		settings = append(settings, http2.Setting{ID: http2.SettingEnablePush, Val: 0})
	}
	return c.framer.WriteSettings(settings...)
}

// Send issues req as a new stream and blocks until the full response (or a
// terminal error) is available. Only non-streaming bodies are supported:
// the response body is fully buffered before Send returns.
func (c *Conn) Send(ctx context.Context, req *message.Request) (*message.Response, error) {
	st, err := c.newStream(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.writeHeaders(st, req); err != nil {
		c.dropStream(st.id)
		return nil, err
	}
	if len(req.Body()) > 0 {
		if err := c.writeData(ctx, st, req.Body()); err != nil {
			c.resetStream(st.id, http2.ErrCodeCancel)
			c.dropStream(st.id)
			return nil, err
		}
	}

	select {
	case <-st.done.ch:
	case <-ctx.Done():
		c.resetStream(st.id, http2.ErrCodeCancel)
		c.dropStream(st.id)
		putCompletion(st.done)
		return nil, errors.NewCancelledError("http2 send")
	}

	c.mu.Lock()
	statusCode, headers, body, sErr := st.statusCode, st.headers, st.body, st.err
	delete(c.streams, st.id)
	c.mu.Unlock()
	c.streamSlotCond.Broadcast()
	putCompletion(st.done)

	if sErr != nil {
		return nil, sErr
	}

	return &message.Response{StatusCode: statusCode, Headers: headers, Body: body, Request: req}, nil
}

// newStream allocates a stream id, waiting on a per-connection semaphore
// (streamSlotCond) if the peer's MAX_CONCURRENT_STREAMS would otherwise
// be exceeded. Re-checks GOAWAY after waking, since GOAWAY forbids new
// streams regardless of slot availability.
func (c *Conn) newStream(ctx context.Context) (*stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	unblock := c.watchCancellation(ctx, c.streamSlotCond)
	defer unblock()

	for {
		if c.goAway {
			return nil, errors.NewNetworkError("send", "", 0, fmt.Errorf("connection received GOAWAY"))
		}
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError("http2 send")
		}
		if len(c.streams) >= constants.MaxTotalStreams {
			return nil, errors.NewNetworkError("send", "", 0, fmt.Errorf("maximum total streams reached"))
		}

		limit := c.peerSettings.MaxConcurrentStreams
		if limit == 0 {
			limit = DefaultSettings().MaxConcurrentStreams
		}
		if uint32(len(c.streams)) < limit {
			break
		}
		c.streamSlotCond.Wait()
	}

	id := c.nextStream
	c.nextStream += 2

	st := &stream{
		id:         id,
		state:      stateOpen,
		sendWindow: int32(c.peerSettings.InitialWindowSize),
		recvWindow: int32(c.ourSettings.InitialWindowSize),
		done:       getCompletion(),
	}
	c.streams[id] = st
	return st, nil
}

// watchCancellation spawns a goroutine that broadcasts cond when ctx is
// done, so a mu-holding Cond.Wait loop notices cancellation instead of
// only on the next unrelated wakeup. The returned func stops the
// goroutine and must be deferred by the caller.
func (c *Conn) watchCancellation(ctx context.Context, cond *sync.Cond) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			cond.Broadcast()
			c.mu.Unlock()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

func (c *Conn) dropStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
	c.streamSlotCond.Broadcast()
}

// Close sends GOAWAY and tears down the connection.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	lastID := c.lastGoodID
	_ = c.framer.WriteGoAway(lastID, http2.ErrCodeNo, nil)
	c.writeMu.Unlock()
	err := c.nc.Close()
	<-c.readLoopDone
	return err
}

// Err returns the error (if any) that terminated the background read
// loop, e.g. after a peer GOAWAY or connection-level protocol error.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// completeSettingsAck satisfies the SETTINGS ACK wait primitive. Safe to
// call more than once; only the first call has any effect.
func (c *Conn) completeSettingsAck() {
	c.settingsAckSet.Do(func() { close(c.settingsAck) })
}
