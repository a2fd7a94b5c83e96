// Package client provides the outbound HTTP client used by the dispatcher.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/MahdiBaghbani/reqscope/internal/platform/config"
)

var (
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrInvalidURL       = errors.New("invalid URL")
)

// Client is an HTTP client with bounded timeouts and redirect behavior.
type Client struct {
	cfg        *config.OutboundHTTPConfig
	httpClient *http.Client
}

// New creates a new outbound HTTP client. A nil cfg uses the strict preset.
func New(cfg *config.OutboundHTTPConfig) (*Client, error) {
	if cfg == nil {
		cfg = &config.StrictConfig().OutboundHTTP
	}

	c := &Client{cfg: cfg}

	dialer := &net.Dialer{
		Timeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
	}

	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	// Setting TLSClientConfig turns off the stdlib's implicit HTTP/2, so wire it
	// explicitly and use the chance to enable idle-connection health checks.
	h2, err := http2.ConfigureTransports(transport)
	if err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	if cfg.ReadIdleTimeoutMS > 0 {
		h2.ReadIdleTimeout = time.Duration(cfg.ReadIdleTimeoutMS) * time.Millisecond
		h2.PingTimeout = h2.ReadIdleTimeout / 2
	}

	maxRedirects := cfg.MaxRedirects
	c.httpClient = &http.Client{
		Transport: &userAgentTransport{base: transport, userAgent: cfg.UserAgent},
		Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("%w: exceeded limit of %d", ErrTooManyRedirects, maxRedirects)
			}
			return nil
		},
	}

	return c, nil
}

// userAgentTransport sets a default User-Agent on requests that lack one.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent == "" || req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(clone)
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, urlStr string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return c.Do(req)
}

// Do performs an HTTP request bound to the request's context.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// MaxResponseBytes returns the configured cap for buffered response bodies.
func (c *Client) MaxResponseBytes() int64 {
	return c.cfg.MaxResponseBytes
}

// IsRedirectError returns true if the error is a redirect-related error.
func IsRedirectError(err error) bool {
	return errors.Is(err, ErrTooManyRedirects)
}

// ContextClient wraps Client to provide a context-first Do method.
// This adapts the Client to interfaces that expect Do(ctx, req) signature.
type ContextClient struct {
	client *Client
}

// NewContextClient creates a ContextClient adapter.
func NewContextClient(c *Client) *ContextClient {
	return &ContextClient{client: c}
}

// Do performs an HTTP request, using the provided context.
func (c *ContextClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	return c.client.Do(req)
}
