// Package dialer resolves a host and establishes the TCP connection used by
// the transport, racing IPv6 and IPv4 candidates per RFC 8305 (Happy
// Eyeballs) instead of committing to the first resolved address.
package dialer

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/constants"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/timing"
)

// Config controls one dial attempt.
type Config struct {
	Host       string
	Port       int
	ConnectIP  string // bypasses resolution when set
	DNSTimeout time.Duration
	ConnTimeout time.Duration
	Stagger    time.Duration // delay between racing candidates, default 250ms

	TCPKeepAlive       bool
	TCPKeepAlivePeriod time.Duration

	Resolver *net.Resolver
}

func (c Config) stagger() time.Duration {
	if c.Stagger > 0 {
		return c.Stagger
	}
	return constants.DefaultHappyEyeballsStagger
}

func (c Config) dnsTimeout() time.Duration {
	if c.DNSTimeout > 0 {
		return c.DNSTimeout
	}
	if c.ConnTimeout > 0 {
		return c.ConnTimeout
	}
	return 5 * time.Second
}

func (c Config) connTimeout() time.Duration {
	if c.ConnTimeout > 0 {
		return c.ConnTimeout
	}
	return constants.DefaultConnTimeout
}

// Result reports which address a dial raced to a connection.
type Result struct {
	Conn       net.Conn
	ResolvedIP string
}

// Dial resolves cfg.Host (unless ConnectIP is set), interleaves the
// resolved IPv6 and IPv4 addresses, and races connection attempts staggered
// by cfg.Stagger. The first successful connection wins; every other
// in-flight attempt is cancelled and its socket closed.
func Dial(ctx context.Context, cfg Config, timer *timing.Timer) (Result, error) {
	if cfg.ConnectIP != "" {
		addr := net.JoinHostPort(cfg.ConnectIP, strconv.Itoa(cfg.Port))
		conn, err := dialOne(ctx, addr, cfg)
		if err != nil {
			return Result{}, errors.NewNetworkError("connect", cfg.Host, cfg.Port, err)
		}
		return Result{Conn: conn, ResolvedIP: cfg.ConnectIP}, nil
	}

	timer.StartDNS()
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	lookupCtx, cancel := context.WithTimeout(ctx, cfg.dnsTimeout())
	addrs, err := resolver.LookupIPAddr(lookupCtx, cfg.Host)
	cancel()
	timer.EndDNS()
	if err != nil {
		return Result{}, errors.NewNetworkError("resolve", cfg.Host, cfg.Port, err)
	}
	if len(addrs) == 0 {
		return Result{}, errors.NewNetworkError("resolve", cfg.Host, cfg.Port, nil)
	}

	candidates := interleave(addrs)

	timer.StartTCP()
	defer timer.EndTCP()

	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	type attempt struct {
		conn net.Conn
		ip   string
		err  error
	}
	results := make(chan attempt, len(candidates))
	var wg sync.WaitGroup

	for i, ip := range candidates {
		delay := time.Duration(i) * cfg.stagger()
		wg.Add(1)
		go func(ip net.IP, delay time.Duration) {
			defer wg.Done()
			if delay > 0 {
				t := time.NewTimer(delay)
				defer t.Stop()
				select {
				case <-t.C:
				case <-raceCtx.Done():
					return
				}
			}
			addr := net.JoinHostPort(ip.String(), strconv.Itoa(cfg.Port))
			conn, err := dialOne(raceCtx, addr, cfg)
			select {
			case results <- attempt{conn: conn, ip: ip.String(), err: err}:
			case <-raceCtx.Done():
				if conn != nil {
					conn.Close()
				}
			}
		}(ip, delay)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	var winner *attempt
	for a := range results {
		if a.err != nil {
			lastErr = a.err
			continue
		}
		if winner == nil {
			cp := a
			winner = &cp
			cancelRace()
		} else {
			a.conn.Close()
		}
	}

	if winner == nil {
		if lastErr == nil {
			lastErr = ctx.Err()
		}
		return Result{}, errors.NewNetworkError("connect", cfg.Host, cfg.Port, lastErr)
	}

	if cfg.TCPKeepAlive {
		if tcpConn, ok := winner.conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(cfg.TCPKeepAlivePeriod)
		}
	}

	return Result{Conn: winner.conn, ResolvedIP: winner.ip}, nil
}

func dialOne(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	d := &net.Dialer{Timeout: cfg.connTimeout()}
	return d.DialContext(ctx, "tcp", addr)
}

// interleave orders resolved addresses IPv6, IPv4, IPv6, IPv4, ... per the
// Happy Eyeballs algorithm, preserving each family's resolution order.
func interleave(addrs []net.IPAddr) []net.IP {
	var v6, v4 []net.IP
	for _, a := range addrs {
		if a.IP.To4() == nil {
			v6 = append(v6, a.IP)
		} else {
			v4 = append(v4, a.IP)
		}
	}

	out := make([]net.IP, 0, len(v6)+len(v4))
	i, j := 0, 0
	for i < len(v6) || j < len(v4) {
		if i < len(v6) {
			out = append(out, v6[i])
			i++
		}
		if j < len(v4) {
			out = append(out, v4[j])
			j++
		}
	}
	return out
}
