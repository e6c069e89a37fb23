package websocket

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
)

// Close status codes defined by RFC 6455 §7.4.1.
const (
	CloseNormal           uint16 = 1000
	CloseGoingAway         uint16 = 1001
	CloseProtocolError     uint16 = 1002
	CloseUnsupportedData   uint16 = 1003
	CloseNoStatus          uint16 = 1005 // never sent on the wire
	CloseAbnormal          uint16 = 1006 // never sent on the wire
	CloseInvalidPayload    uint16 = 1007
	ClosePolicyViolation   uint16 = 1008
	CloseMessageTooBig     uint16 = 1009
	CloseMandatoryExtension uint16 = 1010
	CloseInternalError     uint16 = 1011
)

// ParseClosePayload decodes a Close frame's payload into a status code and
// UTF-8 reason. An empty payload maps to (CloseNoStatus, "").
func ParseClosePayload(payload []byte) (uint16, string, error) {
	if len(payload) == 0 {
		return CloseNoStatus, "", nil
	}
	if len(payload) == 1 {
		return 0, "", errors.NewProtocolError("close frame payload must be 0 or >=2 bytes", nil)
	}
	code := binary.BigEndian.Uint16(payload[:2])
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return 0, "", errors.NewProtocolError("close reason is not valid UTF-8", nil)
	}
	if !isValidCloseCode(code) {
		return 0, "", errors.NewProtocolError("invalid close status code", nil)
	}
	return code, string(reason), nil
}

func isValidCloseCode(code uint16) bool {
	switch {
	case code < 1000:
		return false
	case code >= 1000 && code <= 1003:
		return true
	case code == 1004, code == 1005, code == 1006:
		return false // reserved, never sent on the wire
	case code >= 1007 && code <= 1011:
		return true
	case code >= 1012 && code <= 2999:
		return false // reserved for future use / IANA registration
	case code >= 3000 && code <= 4999:
		return true // library/application-defined range
	default:
		return false
	}
}

// AbnormalClosure reports whether err represents a connection that closed
// without a Close frame at all (RFC 6455 §7.1.5's 1006, used only
// internally — never placed on the wire).
func AbnormalClosure(err error) bool {
	return errors.GetErrorType(err) == errors.ErrorTypeAbnormalClosure
}

// NewAbnormalClosureError wraps a connection loss that occurred without a
// Close handshake.
func NewAbnormalClosureError(cause error) error {
	return errors.NewAbnormalClosure(cause)
}

// connState is a WebSocket connection's lifecycle state. Leaving Open for
// Closing is a compare-and-swap on Conn.state, so concurrent callers racing
// to close see exactly one of them win; markOpen and the final move to
// Closed are plain atomic stores.
type connState int32

const (
	stateNone connState = iota
	stateConnecting
	stateOpen
	stateClosing
	stateClosed
)

// connLifecycle is embedded in Conn; kept in its own struct so the close
// and keep-alive machinery reads as one unit independent of the framing
// fields declared alongside it.
type connLifecycle struct {
	state int32 // connState, accessed only via atomic

	closeOnce sync.Once
	closeDone chan struct{}
	closeErr  error

	peerCloseOnce sync.Once
	peerCloseCh   chan struct{}

	pongCh        chan struct{}
	keepAliveStop chan struct{}
	keepAliveWG   sync.WaitGroup

	activityMu sync.Mutex
	lastActive time.Time
}

func newConnLifecycle() connLifecycle {
	return connLifecycle{
		state:       int32(stateConnecting),
		closeDone:   make(chan struct{}),
		peerCloseCh: make(chan struct{}),
		pongCh:      make(chan struct{}, 1),
		lastActive:  time.Now(),
	}
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() connState { return connState(atomic.LoadInt32(&c.state)) }

func (c *Conn) markOpen() { atomic.StoreInt32(&c.state, int32(stateOpen)) }

func (c *Conn) markActivity() {
	c.activityMu.Lock()
	c.lastActive = time.Now()
	c.activityMu.Unlock()
}

func (c *Conn) sinceActivity() time.Duration {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return time.Since(c.lastActive)
}

func (c *Conn) notifyPong() {
	select {
	case c.pongCh <- struct{}{}:
	default:
	}
}

// markPeerClose records that a Close frame arrived from the peer, waking
// any goroutine blocked in CloseAsync waiting for it. Safe to call more
// than once or concurrently with CloseAsync.
func (c *Conn) markPeerClose() {
	c.peerCloseOnce.Do(func() { close(c.peerCloseCh) })
}

// initiateClose is the CAS-guarded core of the close handshake: only the
// caller that wins the Open->Closing transition writes the Close frame,
// so exactly one Close frame ever leaves the wire regardless of how many
// goroutines call CloseAsync concurrently.
func (c *Conn) initiateClose(code uint16, reason string) (wrote bool, err error) {
	if !atomic.CompareAndSwapInt32(&c.state, int32(stateOpen), int32(stateClosing)) {
		return false, nil
	}
	c.stopKeepAlive()
	return true, c.Writer.WriteClose(code, reason)
}

// CloseAsync starts the close handshake if one has not already started,
// waits up to timeout (or until ctx is done) for the peer's own Close
// frame — reported via markPeerClose, normally called by the code reading
// Conn.Next — and then closes the underlying transport exactly once. Safe
// to call concurrently from multiple goroutines.
func (c *Conn) CloseAsync(ctx context.Context, code uint16, reason string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = constants.DefaultWSCloseTimeout
	}
	_, werr := c.initiateClose(code, reason)

	select {
	case <-c.peerCloseCh:
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	cerr := c.finish()
	if werr != nil {
		return werr
	}
	return cerr
}

func (c *Conn) finish() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
		atomic.StoreInt32(&c.state, int32(stateClosed))
		close(c.closeDone)
	})
	<-c.closeDone
	return c.closeErr
}

// failAbnormally tears the connection down outside the normal close
// handshake, e.g. after a keep-alive pong timeout, and records the cause
// as an abnormal closure (RFC 6455 §7.1.5).
func (c *Conn) failAbnormally(cause error) {
	atomic.CompareAndSwapInt32(&c.state, int32(stateOpen), int32(stateClosing))
	atomic.CompareAndSwapInt32(&c.state, int32(stateConnecting), int32(stateClosing))
	c.closeOnce.Do(func() {
		_ = c.Conn.Close()
		c.closeErr = errors.NewAbnormalClosure(cause)
		atomic.StoreInt32(&c.state, int32(stateClosed))
		close(c.closeDone)
	})
}

// KeepAliveConfig controls the ping/pong liveness check and idle-timeout
// behavior started automatically by Dial.
type KeepAliveConfig struct {
	Disabled     bool
	PingInterval time.Duration // default constants.DefaultWSPingInterval
	PongTimeout  time.Duration // default constants.DefaultWSPongTimeout
	IdleTimeout  time.Duration // 0 disables idle-timeout skipping of pings
}

// startKeepAlive launches the ping/pong/idle-timeout goroutine. A ping is
// skipped when application data (send or receive, never a control frame)
// was observed more recently than IdleTimeout; a pong that does not
// arrive within PongTimeout fails the connection abnormally.
func (c *Conn) startKeepAlive(cfg KeepAliveConfig) {
	if cfg.Disabled {
		return
	}
	interval := cfg.PingInterval
	if interval <= 0 {
		interval = constants.DefaultWSPingInterval
	}
	pongTimeout := cfg.PongTimeout
	if pongTimeout <= 0 {
		pongTimeout = constants.DefaultWSPongTimeout
	}
	idleTimeout := cfg.IdleTimeout

	c.keepAliveStop = make(chan struct{})
	c.keepAliveWG.Add(1)
	go func() {
		defer c.keepAliveWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.keepAliveStop:
				return
			case <-ticker.C:
				if idleTimeout > 0 && c.sinceActivity() < idleTimeout {
					continue
				}
				if err := c.Writer.WritePing(nil); err != nil {
					c.failAbnormally(err)
					return
				}
				select {
				case <-c.pongCh:
				case <-time.After(pongTimeout):
					c.failAbnormally(errors.NewTimeoutError("websocket pong", pongTimeout))
					return
				case <-c.keepAliveStop:
					return
				}
			}
		}
	}()
}

func (c *Conn) stopKeepAlive() {
	if c.keepAliveStop == nil {
		return
	}
	select {
	case <-c.keepAliveStop:
	default:
		close(c.keepAliveStop)
	}
	c.keepAliveWG.Wait()
}
