package client

import (
	"context"
	"net/http"
)

// HTTPClient is the shared interface for outbound HTTP requests.
// Implemented by ContextClient; consumed by the dispatcher so tests can
// substitute a fake transport.
type HTTPClient interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Func adapts a plain function to HTTPClient.
type Func func(ctx context.Context, req *http.Request) (*http.Response, error)

// Do calls f(ctx, req).
func (f Func) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

var (
	_ HTTPClient = (*ContextClient)(nil)
	_ HTTPClient = Func(nil)
)
