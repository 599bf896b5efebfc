package provider

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// maxErrorBodySize caps how much of an error response is kept for diagnostics.
const maxErrorBodySize = 4 * 1024

const DefaultTimeout = 20 * time.Second

// Doer is the subset of *http.Client the provider clients use.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// LimitedClient spaces outbound requests with a token bucket before handing
// them to the wrapped client.
type LimitedClient struct {
	http    Doer
	limiter *rate.Limiter
}

// NewLimitedClient wraps httpClient; rps <= 0 disables limiting. A nil
// httpClient gets one with DefaultTimeout.
func NewLimitedClient(httpClient Doer, rps float64, burst int) *LimitedClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &LimitedClient{http: httpClient, limiter: rate.NewLimiter(limit, burst)}
}

func (c *LimitedClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return c.http.Do(req)
}

// StatusError is a non-2xx response from a provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// NewStatusError drains up to maxErrorBodySize bytes of the body for the message.
func NewStatusError(resp *http.Response) *StatusError {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		body = []byte("(failed to read response body)")
	}
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// IsAuthStatus reports whether a status code means the credentials were refused.
func IsAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
