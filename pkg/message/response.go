package message

import (
	"time"

	"github.com/WhileEndless/go-rawhttp/v2/pkg/errors"
	"github.com/WhileEndless/go-rawhttp/v2/pkg/timing"
)

// Response is the fully materialized result of sending a Request.
type Response struct {
	StatusCode int
	Headers    *Headers
	Body       []byte
	Elapsed    time.Duration
	Request    *Request
	Err        *errors.Error
	Timings    timing.Metrics
}

// IsError reports whether this response terminated with an attached error
// (e.g. an interceptor synthesized a response for a transport failure).
func (r *Response) IsError() bool { return r.Err != nil }
