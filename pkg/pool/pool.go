// Package pool manages per-host, per-connection-key pools of reusable
// connections: a LIFO idle list, a liveness probe before handing a
// connection back out, and an optional bounded wait when a host is at its
// connection cap.
package pool

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
)

// Conn is a pooled connection plus the metadata it was established with.
type Conn struct {
	net.Conn
	Metadata  any
	createdAt time.Time
	lastUsed  time.Time
}

// Config controls one pool's sizing and liveness policy.
type Config struct {
	MaxIdlePerKey       int
	MaxConnsPerKey      int // 0 = unlimited
	MaxIdleTime         time.Duration
	WaitTimeout         time.Duration // 0 = fail fast when at cap
	StaleCheckThreshold time.Duration // skip liveness probe if used more recently than this
}

// DefaultConfig mirrors the desktop connections-per-host default.
func DefaultConfig() Config {
	return Config{
		MaxIdlePerKey:       2,
		MaxConnsPerKey:      constants.DefaultMaxConnectionsPerHostDesktop,
		MaxIdleTime:         constants.DefaultIdleTimeout,
		StaleCheckThreshold: constants.DefaultStaleCheckThreshold,
	}
}

type keyPool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	idle      []*Conn
	numActive int
}

func newKeyPool() *keyPool {
	kp := &keyPool{idle: make([]*Conn, 0, 4)}
	kp.cond = sync.NewCond(&kp.mu)
	return kp
}

// Stats is a point-in-time snapshot of one key's pool occupancy.
type Stats struct {
	ActiveConns int
	IdleConns   int
}

// Pool is a registry of keyPools, one per connection key (typically
// "host:port", or a proxy-qualified variant of it).
type Pool struct {
	cfg   Config
	pools sync.Map // map[string]*keyPool

	reused  uint64
	created uint64
	timeout uint64

	probe func(net.Conn) bool
}

// New returns a Pool. probe, if non-nil, replaces the default liveness
// probe (a short read-deadline peek) — tests substitute a fake here.
func New(cfg Config, probe func(net.Conn) bool) *Pool {
	if probe == nil {
		probe = defaultProbe
	}
	return &Pool{cfg: cfg, probe: probe}
}

func (p *Pool) keyPool(key string) *keyPool {
	v, _ := p.pools.LoadOrStore(key, newKeyPool())
	return v.(*keyPool)
}

// Acquire returns an idle, live connection for key if one is available, or
// a nil conn with reserved=true, meaning a slot is reserved for the caller
// to dial a new connection. If the key is at MaxConnsPerKey and WaitTimeout is zero, it
// returns (nil, false, false) immediately; with WaitTimeout set, it blocks
// up to that long for a slot to free up.
func (p *Pool) Acquire(key string) (conn *Conn, reserved bool, waited bool) {
	kp := p.keyPool(key)
	kp.mu.Lock()
	defer kp.mu.Unlock()

	if c := p.popLiveLocked(kp); c != nil {
		kp.numActive++
		atomic.AddUint64(&p.reused, 1)
		return c, true, false
	}

	max := p.cfg.MaxConnsPerKey
	if max <= 0 || kp.numActive < max {
		kp.numActive++
		return nil, true, false
	}

	if p.cfg.WaitTimeout <= 0 {
		return nil, false, false
	}

	deadline := time.Now().Add(p.cfg.WaitTimeout)
	timer := time.AfterFunc(p.cfg.WaitTimeout, func() {
		kp.mu.Lock()
		kp.cond.Broadcast()
		kp.mu.Unlock()
	})
	defer timer.Stop()
	for kp.numActive >= max {
		if time.Until(deadline) <= 0 {
			atomic.AddUint64(&p.timeout, 1)
			return nil, false, true
		}
		kp.cond.Wait()
	}
	if c := p.popLiveLocked(kp); c != nil {
		kp.numActive++
		atomic.AddUint64(&p.reused, 1)
		return c, true, true
	}
	kp.numActive++
	return nil, true, true
}

// popLiveLocked pops idle connections (LIFO) until it finds one that
// passes the staleness/liveness check, or the idle list is empty.
func (p *Pool) popLiveLocked(kp *keyPool) *Conn {
	for len(kp.idle) > 0 {
		n := len(kp.idle)
		c := kp.idle[n-1]
		kp.idle = kp.idle[:n-1]

		if time.Since(c.lastUsed) > p.cfg.MaxIdleTime {
			c.Conn.Close()
			continue
		}
		recentlyUsed := time.Since(c.lastUsed) < p.cfg.StaleCheckThreshold
		if !recentlyUsed && !p.probe(c.Conn) {
			c.Conn.Close()
			continue
		}
		return c
	}
	return nil
}

// Release returns conn to key's idle list, or closes it if the idle list
// is already at MaxIdlePerKey.
func (p *Pool) Release(key string, conn net.Conn, metadata any) {
	kp := p.keyPool(key)
	kp.mu.Lock()
	defer kp.mu.Unlock()

	kp.numActive--
	if len(kp.idle) >= p.cfg.MaxIdlePerKey {
		conn.Close()
		kp.cond.Signal()
		return
	}
	kp.idle = append(kp.idle, &Conn{Conn: conn, Metadata: metadata, createdAt: time.Now(), lastUsed: time.Now()})
	kp.cond.Signal()
}

// Discard removes conn from the pool (idle or active) and closes it,
// without returning it for reuse. Used when a connection is known bad.
func (p *Pool) Discard(key string, conn net.Conn) {
	v, ok := p.pools.Load(key)
	if !ok {
		conn.Close()
		return
	}
	kp := v.(*keyPool)
	kp.mu.Lock()
	defer kp.mu.Unlock()

	for i, c := range kp.idle {
		if c.Conn == conn {
			kp.idle = append(kp.idle[:i], kp.idle[i+1:]...)
			c.Conn.Close()
			kp.cond.Signal()
			return
		}
	}
	kp.numActive--
	conn.Close()
	kp.cond.Signal()
}

// MarkCreated records that the caller dialed a brand new connection for a
// slot reserved by Acquire, for pool statistics.
func (p *Pool) MarkCreated() { atomic.AddUint64(&p.created, 1) }

// Stats returns aggregate and per-key pool occupancy.
func (p *Pool) Stats() (total Stats, perKey map[string]Stats) {
	perKey = make(map[string]Stats)
	p.pools.Range(func(k, v any) bool {
		kp := v.(*keyPool)
		kp.mu.Lock()
		s := Stats{ActiveConns: kp.numActive, IdleConns: len(kp.idle)}
		kp.mu.Unlock()
		perKey[k.(string)] = s
		total.ActiveConns += s.ActiveConns
		total.IdleConns += s.IdleConns
		return true
	})
	return total, perKey
}

// Counters returns lifetime reuse/creation/wait-timeout counts.
func (p *Pool) Counters() (reused, created, waitTimeouts uint64) {
	return atomic.LoadUint64(&p.reused), atomic.LoadUint64(&p.created), atomic.LoadUint64(&p.timeout)
}

// Sweep closes idle connections older than cfg.MaxIdleTime across every
// key. Intended to run on a periodic ticker owned by the caller.
func (p *Pool) Sweep() {
	p.pools.Range(func(_, v any) bool {
		kp := v.(*keyPool)
		kp.mu.Lock()
		fresh := kp.idle[:0:0]
		now := time.Now()
		for _, c := range kp.idle {
			if now.Sub(c.lastUsed) > p.cfg.MaxIdleTime {
				c.Conn.Close()
			} else {
				fresh = append(fresh, c)
			}
		}
		kp.idle = fresh
		kp.mu.Unlock()
		return true
	})
}

// CloseAll closes every idle connection in every key's pool. Active
// (checked-out) connections are left to their owners.
func (p *Pool) CloseAll() {
	p.pools.Range(func(_, v any) bool {
		kp := v.(*keyPool)
		kp.mu.Lock()
		for _, c := range kp.idle {
			c.Conn.Close()
		}
		kp.idle = nil
		kp.mu.Unlock()
		return true
	})
}

func defaultProbe(conn net.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(1 * time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	_, err := conn.Read(one)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return false
}
