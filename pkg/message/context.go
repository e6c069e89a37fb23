package message

import (
	"context"
	"sync"
	"time"
)

// TimelineEvent is a single named instant recorded against a RequestContext.
type TimelineEvent struct {
	Name string
	At   time.Time
}

// RequestContext carries per-request side data threaded through the
// pipeline. It is safe for concurrent use: HTTP/2 background processing may
// read it from the connection's read-loop goroutine while the caller's
// goroutine is still waiting on the response, so all mutation is
// synchronized and reads return defensive snapshots.
type RequestContext struct {
	mu        sync.Mutex
	req       *Request
	start     time.Time
	timeline  []TimelineEvent
	state     map[string]any
}

// NewRequestContext begins a new context for req, starting its monotonic
// elapsed-time clock immediately.
func NewRequestContext(req *Request) *RequestContext {
	return &RequestContext{
		req:   req,
		start: time.Now(),
		state: make(map[string]any),
	}
}

// Request returns the current request reference.
func (c *RequestContext) Request() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.req
}

// SetRequest replaces the current request reference (used by a middleware
// with MutateRequests capability).
func (c *RequestContext) SetRequest(r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.req = r
}

// Elapsed returns the monotonic duration since construction.
func (c *RequestContext) Elapsed() time.Duration {
	return time.Since(c.start)
}

// RecordEvent appends a named timeline event at the current instant.
func (c *RequestContext) RecordEvent(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeline = append(c.timeline, TimelineEvent{Name: name, At: time.Now()})
}

// Timeline returns a defensive snapshot of the recorded events.
func (c *RequestContext) Timeline() []TimelineEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TimelineEvent, len(c.timeline))
	copy(out, c.timeline)
	return out
}

// SetState stores value under key in the scratch map.
func (c *RequestContext) SetState(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[key] = value
}

// State returns the value stored under key, and whether it was present.
func (c *RequestContext) State(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state[key]
	return v, ok
}

type requestContextKeyType struct{}

var requestContextKey requestContextKeyType

// WithRequestContext attaches rc to ctx so every stage of the pipeline
// that receives ctx can reach the same per-request side data.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// ContextFrom retrieves the RequestContext attached by WithRequestContext,
// if any.
func ContextFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey).(*RequestContext)
	return rc, ok
}
