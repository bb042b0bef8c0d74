package eth

import (
	"net/http"
	"strings"
	"time"
)

// NewProvider constructs a JSON-RPC Provider for the given endpoint and wraps it
// with a rate limiter. httpTimeout bounds each HTTP exchange; the ingester
// applies its own per-attempt deadline on top.
func NewProvider(endpoint string, rateLimit int, httpTimeout time.Duration) (Provider, error) {
	if httpTimeout <= 0 {
		httpTimeout = 30 * time.Second
	}
	base, err := NewHTTPProvider(strings.TrimSpace(endpoint), &http.Client{Timeout: httpTimeout})
	if err != nil {
		return nil, err
	}
	return WrapWithLimiter(base, NewLimiter(rateLimit)), nil
}
