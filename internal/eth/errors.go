package eth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var ErrEmptyEndpoint = errors.New("empty endpoint")

// HTTPStatusError is a non-2xx answer from the RPC endpoint.
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// RPCError is a JSON-RPC error object returned with HTTP 200.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %d: %s", e.Code, e.Message)
}

// TransportError wraps failures below HTTP (dial, TLS, reset connections).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// rpcLimitCode is the JSON-RPC code nodes use for "limit exceeded".
const rpcLimitCode = -32005

// IsRetryable reports whether err is transient: rate limits, 5xx, transport
// failures and per-attempt timeouts. Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var hs *HTTPStatusError
	if errors.As(err, &hs) {
		return hs.Code == 429 || hs.Code >= 500
	}
	var re *RPCError
	if errors.As(err, &re) {
		if re.Code == rpcLimitCode {
			return true
		}
		msg := strings.ToLower(re.Message)
		return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "timeout")
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func isMethodNotFound(err error) bool {
	var re *RPCError
	if errors.As(err, &re) {
		return re.Code == -32601 || strings.Contains(strings.ToLower(re.Message), "method not found")
	}
	return false
}
