// Package pipeline implements the middleware chain that every outgoing
// request passes through before reaching the wire, and every response
// passes back through before reaching the caller.
package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/message"
)

// Next is the remainder of the chain; an Interceptor calls it to continue
// processing, or returns without calling it to short-circuit (e.g. a
// cache hit, or a validation failure).
type Next func(ctx context.Context, req *message.Request) (*message.Response, error)

// Interceptor observes or rewrites a request/response pair. An interceptor
// must call next exactly once on any one code path, or not at all to
// short-circuit; every other action is gated by the Capability set it was
// registered with (see Entry).
type Interceptor interface {
	Intercept(ctx context.Context, req *message.Request, next Next) (*message.Response, error)
}

// InterceptorFunc adapts a plain function to Interceptor.
type InterceptorFunc func(ctx context.Context, req *message.Request, next Next) (*message.Response, error)

func (f InterceptorFunc) Intercept(ctx context.Context, req *message.Request, next Next) (*message.Response, error) {
	return f(ctx, req, next)
}

// Capability is one permission an interceptor declares at registration.
// The client wraps every registered interceptor in a capability-enforcing
// proxy that rejects, at runtime, any action the declared set does not
// permit — e.g. returning a different request object when only
// ObserveRequests was declared.
type Capability uint8

const (
	ObserveRequests Capability = 1 << iota
	ReadOnlyMonitoring
	MutateRequests
	MutateResponses
	HandleErrors
	ShortCircuit
)

// Has reports whether flag is included in c.
func (c Capability) Has(flag Capability) bool { return c&flag != 0 }

// FailurePolicy controls what Pipeline.Send does when the chain (transport
// or an interceptor) returns an error.
type FailurePolicy int

const (
	// Propagate re-raises the error as Send's return value. Default.
	Propagate FailurePolicy = iota
	// ConvertToResponse synthesizes a response carrying the error instead
	// of returning it, so a caller that only inspects Response.Err never
	// sees a Go error return.
	ConvertToResponse
)

// Entry pairs an Interceptor with the capability set it is trusted to use.
type Entry struct {
	Interceptor  Interceptor
	Capabilities Capability
}

// fullCapabilities is every capability bit; an Interceptor registered
// through New (rather than NewWithEntries) gets the unrestricted set,
// matching the old unconditional-power behavior for callers that have no
// need to declare a narrower grant.
const fullCapabilities = ObserveRequests | ReadOnlyMonitoring | MutateRequests | MutateResponses | HandleErrors | ShortCircuit

// Pipeline is an ordered chain of capability-gated interceptors terminated
// by a transport func that actually sends the request.
type Pipeline struct {
	entries       []Entry
	transport     Next
	failurePolicy FailurePolicy
}

// New builds a Pipeline from plain Interceptors, each granted the full
// capability set. transport is the terminal step that performs the actual
// network send; interceptors run in the given order on the way in, and in
// reverse order on the way out (standard middleware nesting).
func New(transport Next, interceptors ...Interceptor) *Pipeline {
	entries := make([]Entry, len(interceptors))
	for i, ic := range interceptors {
		entries[i] = Entry{Interceptor: ic, Capabilities: fullCapabilities}
	}
	return &Pipeline{entries: entries, transport: transport}
}

// NewWithEntries builds a Pipeline from Entries that each declare their
// own capability set, e.g. for interceptors contributed by a plugin whose
// trust should be narrower than the full set New grants.
func NewWithEntries(transport Next, entries ...Entry) *Pipeline {
	return &Pipeline{entries: entries, transport: transport}
}

// WithFailurePolicy returns a copy of p that applies policy to errors
// surfacing from the chain.
func (p *Pipeline) WithFailurePolicy(policy FailurePolicy) *Pipeline {
	cp := *p
	cp.failurePolicy = policy
	return &cp
}

// Send runs req through the full chain, threading a message.RequestContext
// through ctx so any stage — including the transport's background
// machinery (e.g. an HTTP/2 read loop) — can reach the same per-request
// side data.
func (p *Pipeline) Send(ctx context.Context, req *message.Request) (*message.Response, error) {
	rc := message.NewRequestContext(req)
	ctx = message.WithRequestContext(ctx, rc)

	next := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		rc.SetRequest(req)
		return p.transport(ctx, req)
	}
	for i := len(p.entries) - 1; i >= 0; i-- {
		next = wrapEntry(p.entries[i], next)
	}

	resp, err := next(ctx, req)
	if err != nil && p.failurePolicy == ConvertToResponse {
		te, ok := err.(*errors.Error)
		if !ok {
			te = errors.NewUnknownError("send", err)
		}
		return &message.Response{StatusCode: 500, Request: req, Err: te}, nil
	}
	return resp, err
}

// wrapEntry builds the capability-enforcing proxy around one interceptor:
// it observes what the interceptor actually does with next and with the
// value next returns, and rejects anything outside the declared
// capability set.
func wrapEntry(e Entry, inner Next) Next {
	return func(ctx context.Context, req *message.Request) (*message.Response, error) {
		var calls int32
		var (
			calledWithReq *message.Request
			innerResp     *message.Response
			innerErr      error
		)

		guarded := Next(func(ctx context.Context, nreq *message.Request) (*message.Response, error) {
			if atomic.AddInt32(&calls, 1) > 1 {
				return nil, errors.NewInvalidRequestError("interceptor invoked next more than once")
			}
			if nreq != req && !e.Capabilities.Has(MutateRequests) {
				return nil, errors.NewInvalidRequestError("interceptor mutated request without the MutateRequests capability")
			}
			calledWithReq = nreq
			innerResp, innerErr = inner(ctx, nreq)
			return innerResp, innerErr
		})

		resp, err := e.Interceptor.Intercept(ctx, req, guarded)

		if calledWithReq == nil {
			if !e.Capabilities.Has(ShortCircuit) {
				return nil, errors.NewInvalidRequestError("interceptor short-circuited without the ShortCircuit capability")
			}
			return resp, err
		}

		if innerErr != nil && err == nil && !e.Capabilities.Has(HandleErrors) {
			return nil, innerErr
		}
		if err == nil && innerErr == nil && resp != innerResp && !e.Capabilities.Has(MutateResponses) {
			return nil, errors.NewInvalidRequestError("interceptor mutated response without the MutateResponses capability")
		}
		return resp, err
	}
}
