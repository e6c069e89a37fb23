package http2conn

import (
	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/message"
	"golang.org/x/net/http2"
)

// readLoop is the connection's single reader: every frame, for every
// stream, is demultiplexed here. No request goroutine ever reads from the
// socket directly.
func (c *Conn) readLoop() {
	defer close(c.readLoopDone)

	for {
		f, err := c.framer.ReadFrame()
		if err != nil {
			c.terminate(errors.NewNetworkError("read", "", 0, err))
			return
		}

		switch fr := f.(type) {
		case *http2.SettingsFrame:
			c.handleSettings(fr)
		case *http2.HeadersFrame:
			c.handleHeaders(fr)
		case *http2.ContinuationFrame:
			c.handleContinuation(fr)
		case *http2.DataFrame:
			c.handleData(fr)
		case *http2.WindowUpdateFrame:
			c.handleWindowUpdate(fr)
		case *http2.RSTStreamFrame:
			c.handleRSTStream(fr)
		case *http2.GoAwayFrame:
			c.handleGoAway(fr)
		case *http2.PingFrame:
			c.handlePing(fr)
		case *http2.PushPromiseFrame:
			c.handlePushPromise(fr)
			return
		default:
			// Unknown/unsupported frame types are ignored per RFC 9113 §4.1.
		}
	}
}

func (c *Conn) handleSettings(fr *http2.SettingsFrame) {
	if fr.IsAck() {
		c.completeSettingsAck()
		return
	}
	c.mu.Lock()
	fr.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			c.peerSettings.MaxConcurrentStreams = s.Val
		case http2.SettingInitialWindowSize:
			c.peerSettings.InitialWindowSize = s.Val
		case http2.SettingMaxFrameSize:
			c.peerSettings.MaxFrameSize = s.Val
		case http2.SettingHeaderTableSize:
			c.peerSettings.HeaderTableSize = s.Val
			c.decoder.SetMaxDynamicTableSize(s.Val)
		case http2.SettingMaxHeaderListSize:
			c.peerSettings.MaxHeaderListSize = s.Val
		}
		return nil
	})
	c.mu.Unlock()
	c.streamSlotCond.Broadcast()

	c.writeMu.Lock()
	_ = c.framer.WriteSettingsAck()
	c.writeMu.Unlock()
}

// pendingHeaders buffers HEADERS/CONTINUATION fragments for one stream
// until END_HEADERS, since HPACK decoding requires the complete block (the
// dynamic table state must advance in frame-arrival order).
type pendingHeaders struct {
	streamID  uint32
	fragments [][]byte
	endStream bool
}

func (c *Conn) handleHeaders(fr *http2.HeadersFrame) {
	c.mu.Lock()
	c.pending = &pendingHeaders{streamID: fr.StreamID, fragments: [][]byte{fr.HeaderBlockFragment()}, endStream: fr.StreamEnded()}
	c.mu.Unlock()

	if fr.HeadersEnded() {
		c.finishHeaders()
	}
}

func (c *Conn) handleContinuation(fr *http2.ContinuationFrame) {
	c.mu.Lock()
	if c.pending != nil && c.pending.streamID == fr.StreamID {
		c.pending.fragments = append(c.pending.fragments, fr.HeaderBlockFragment())
	}
	c.mu.Unlock()

	if fr.HeadersEnded() {
		c.finishHeaders()
	}
}

func (c *Conn) finishHeaders() {
	c.mu.Lock()
	p := c.pending
	c.pending = nil
	c.mu.Unlock()
	if p == nil {
		return
	}

	var total int
	for _, f := range p.fragments {
		total += len(f)
	}
	if total > constants.DefaultMaxHeaderBlockBytes {
		c.failStream(p.streamID, errors.NewNetworkError("read", "", 0, nil))
		return
	}
	block := make([]byte, 0, total)
	for _, f := range p.fragments {
		block = append(block, f...)
	}

	fields, err := c.decoder.DecodeFull(block)
	if err != nil {
		c.failStream(p.streamID, errors.NewNetworkError("read", "", 0, err))
		return
	}

	headers := message.NewHeaders()
	statusCode := 0
	seenRegular := false
	for _, hf := range fields {
		isPseudo := len(hf.Name) > 0 && hf.Name[0] == ':'
		if isPseudo {
			if seenRegular {
				// Pseudo-headers after a regular header is malformed framing
				// (RFC 9113 §8.3); treat the stream as unusable.
				c.failStream(p.streamID, errors.NewProtocolError("pseudo-header after regular header", nil))
				return
			}
			if hf.Name == ":status" {
				statusCode = parseStatus(hf.Value)
			}
			continue
		}
		seenRegular = true
		if isForbiddenHeaderName(hf.Name) {
			c.failStream(p.streamID, errors.NewInvalidRequestError("connection-specific header not allowed over HTTP/2: "+hf.Name))
			return
		}
		headers.Add(hf.Name, hf.Value)
	}

	c.mu.Lock()
	st, ok := c.streams[p.streamID]
	if ok {
		st.headers = headers
		st.statusCode = statusCode
		if p.endStream {
			st.state = stateHalfClosedRemote
			select {
			case st.done.ch <- struct{}{}:
			default:
			}
		}
	}
	c.mu.Unlock()
}

func (c *Conn) handleData(fr *http2.DataFrame) {
	data := fr.Data()
	n := len(data)

	c.mu.Lock()
	st, ok := c.streams[fr.StreamID]
	if ok {
		st.body = append(st.body, data...)
		st.recvWindow -= int32(n)
	}
	c.connRecvWindow -= int32(n)
	endStream := fr.StreamEnded()
	needConnUpdate := c.connRecvWindow < int32(c.ourSettings.InitialWindowSize)/2
	var needStreamUpdate bool
	if ok {
		needStreamUpdate = st.recvWindow < int32(c.ourSettings.InitialWindowSize)/2
	}
	c.mu.Unlock()

	if needConnUpdate {
		c.sendWindowUpdate(0, uint32(c.ourSettings.InitialWindowSize))
	}
	if ok && needStreamUpdate {
		c.sendWindowUpdate(fr.StreamID, uint32(c.ourSettings.InitialWindowSize))
	}

	if ok && endStream {
		c.mu.Lock()
		st.state = stateHalfClosedRemote
		select {
		case st.done.ch <- struct{}{}:
		default:
		}
		c.mu.Unlock()
	}
}

func (c *Conn) sendWindowUpdate(streamID uint32, increment uint32) {
	c.writeMu.Lock()
	_ = c.framer.WriteWindowUpdate(streamID, increment)
	c.writeMu.Unlock()

	c.mu.Lock()
	if streamID == 0 {
		c.connRecvWindow += int32(increment)
	} else if st, ok := c.streams[streamID]; ok {
		st.recvWindow += int32(increment)
	}
	c.mu.Unlock()
}

func (c *Conn) handleWindowUpdate(fr *http2.WindowUpdateFrame) {
	c.mu.Lock()
	if fr.StreamID == 0 {
		c.connSendWindow += int32(fr.Increment)
	} else if st, ok := c.streams[fr.StreamID]; ok {
		st.sendWindow += int32(fr.Increment)
	}
	c.mu.Unlock()
	c.windowCond.Broadcast()
}

func (c *Conn) handleRSTStream(fr *http2.RSTStreamFrame) {
	c.failStream(fr.StreamID, errors.NewNetworkError("read", "", 0, nil))
}

func (c *Conn) handleGoAway(fr *http2.GoAwayFrame) {
	c.mu.Lock()
	c.goAway = true
	c.lastGoodID = fr.LastStreamID
	for id, st := range c.streams {
		if id > fr.LastStreamID {
			st.err = errors.NewNetworkError("send", "", 0, nil)
			st.state = stateClosed
			select {
			case st.done.ch <- struct{}{}:
			default:
			}
		}
	}
	c.mu.Unlock()
	c.windowCond.Broadcast()
	c.streamSlotCond.Broadcast()
}

func (c *Conn) handlePing(fr *http2.PingFrame) {
	if fr.IsAck() {
		return
	}
	c.writeMu.Lock()
	_ = c.framer.WritePing(true, fr.Data)
	c.writeMu.Unlock()
}

// handlePushPromise refuses server push: the client always advertises
// ENABLE_PUSH=0, so a PUSH_PROMISE frame is a peer protocol violation and
// the whole connection is failed with GOAWAY(PROTOCOL_ERROR).
func (c *Conn) handlePushPromise(fr *http2.PushPromiseFrame) {
	c.mu.Lock()
	lastGood := c.lastGoodID
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.framer.WriteGoAway(lastGood, http2.ErrCodeProtocol, []byte("server push not permitted"))
	c.writeMu.Unlock()
	c.terminate(errors.NewProtocolError("received PUSH_PROMISE with ENABLE_PUSH=0", nil))
	c.nc.Close()
}

func (c *Conn) failStream(id uint32, err error) {
	c.mu.Lock()
	if st, ok := c.streams[id]; ok {
		st.err = err
		st.state = stateClosed
		select {
		case st.done.ch <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()
	c.windowCond.Broadcast()
}

func (c *Conn) terminate(err error) {
	c.mu.Lock()
	c.closeErr = err
	for _, st := range c.streams {
		st.err = err
		st.state = stateClosed
		select {
		case st.done.ch <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()
	c.windowCond.Broadcast()
	c.streamSlotCond.Broadcast()
}

func parseStatus(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0
		}
		n = n*10 + int(s[i]-'0')
	}
	return n
}
