package pipeline

import (
	"context"
	"net/url"
	"testing"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/message"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing %q: %v", raw, err)
	}
	return u
}

func TestPipelineRunsInterceptorsInOrderThenTransport(t *testing.T) {
	var order []string
	mark := func(name string) InterceptorFunc {
		return func(ctx context.Context, req *message.Request, next Next) (*message.Response, error) {
			order = append(order, name+":in")
			resp, err := next(ctx, req)
			order = append(order, name+":out")
			return resp, err
		}
	}

	transport := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		order = append(order, "transport")
		return &message.Response{StatusCode: 200, Request: req}, nil
	}

	p := New(transport, mark("a"), mark("b"))
	req := message.NewRequest("GET", mustURL(t, "http://example.com/"), nil, nil)

	resp, err := p.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	want := []string{"a:in", "b:in", "transport", "b:out", "a:out"}
	if len(order) != len(want) {
		t.Fatalf("expected order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("step %d: expected %q, got %q", i, want[i], order[i])
		}
	}
}

func TestPipelineShortCircuitSkipsTransport(t *testing.T) {
	transportCalled := false
	transport := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		transportCalled = true
		return &message.Response{StatusCode: 200, Request: req}, nil
	}

	cached := InterceptorFunc(func(ctx context.Context, req *message.Request, next Next) (*message.Response, error) {
		return &message.Response{StatusCode: 304, Request: req}, nil
	})

	p := New(transport, cached)
	req := message.NewRequest("GET", mustURL(t, "http://example.com/"), nil, nil)

	resp, err := p.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transportCalled {
		t.Error("expected transport to be skipped by short-circuiting interceptor")
	}
	if resp.StatusCode != 304 {
		t.Errorf("expected status 304, got %d", resp.StatusCode)
	}
}

func TestPipelineWithNoInterceptorsCallsTransportDirectly(t *testing.T) {
	transport := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return &message.Response{StatusCode: 201, Request: req}, nil
	}
	p := New(transport)
	req := message.NewRequest("POST", mustURL(t, "http://example.com/items"), nil, []byte("x"))

	resp, err := p.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 201 {
		t.Errorf("expected status 201, got %d", resp.StatusCode)
	}
}
