// Package interceptors carries request-scoped identifiers across outbound
// calls the same way the teacher's workflow interceptor propagated Temporal
// workflow/run IDs, but keyed on this module's own request_id instead.
package interceptors

import (
	"context"
	"net/http"
)

type requestIDKey struct{}

// WithRequestID attaches the orchestrator-minted request_id to a context so
// outbound HTTP calls made on its behalf can propagate it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request_id previously attached, if any.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey{}).(string)
	return v, ok && v != ""
}

// RequestIDRoundTripper adds the X-Request-ID header to outgoing HTTP
// requests when the context carries one.
type RequestIDRoundTripper struct {
	base http.RoundTripper
}

// NewRequestIDRoundTripper wraps base (or http.DefaultTransport if nil) with
// request-id propagation.
func NewRequestIDRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RequestIDRoundTripper{base: base}
}

func (w *RequestIDRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if id, ok := RequestIDFromContext(req.Context()); ok {
		req.Header.Set("X-Request-ID", id)
	}
	return w.base.RoundTrip(req)
}
