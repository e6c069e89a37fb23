package pool

// idempotentMethods is the closed set of HTTP methods safe to silently
// retry once on a connection that turned out to be stale: re-sending a
// non-idempotent request risks executing it twice server-side.
var idempotentMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"PUT":     true,
	"DELETE":  true,
	"OPTIONS": true,
	"TRACE":   true,
}

// RetryEligible reports whether a request using method may be retried once
// on a fresh connection after the pooled connection it was sent on turned
// out to be dead (write failed, or peer closed mid-response).
func RetryEligible(method string) bool {
	return idempotentMethods[method]
}
