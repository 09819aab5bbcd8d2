// Package httputil builds the outbound HTTP clients shared by webhook
// delivery and the receiver tool.
package httputil

import (
	"errors"
	"net/http"
	"time"
)

// ErrRedirect is returned when a client built with WithoutRedirects is
// answered with a 3xx.
var ErrRedirect = errors.New("httputil: redirect not followed")

// ClientOption customizes NewClient.
type ClientOption func(*http.Client)

// WithoutRedirects makes the client treat any redirect as a failure.
// Merchant endpoints must answer 2xx directly.
func WithoutRedirects() ClientOption {
	return func(c *http.Client) {
		c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return ErrRedirect
		}
	}
}

// WithTransport replaces the pooled transport, mostly for tests.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *http.Client) { c.Transport = rt }
}

// NewClient returns a client with a whole-request timeout and a pooled
// transport tuned for repeated posts to a small set of hosts.
func NewClient(timeout time.Duration, opts ...ClientOption) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}
