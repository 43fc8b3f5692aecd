package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrorKind is the canonical classification of an upstream failure. Every
// provider-specific error collapses into one of these kinds before the
// orchestrator decides on failover, breaker accounting, and the client
// status code.
type ErrorKind string

const (
	KindTimeout       ErrorKind = "timeout"
	KindNetwork       ErrorKind = "network"
	KindUpstream5xx   ErrorKind = "upstream_5xx"
	KindUpstream4xx   ErrorKind = "upstream_4xx_client"
	KindUpstreamAuth  ErrorKind = "upstream_auth"
	KindRateLimited   ErrorKind = "upstream_rate_limited"
	KindContentPolicy ErrorKind = "content_policy"
	KindCanceled      ErrorKind = "canceled"
	KindUnknown       ErrorKind = "unknown"
)

// Retryable reports whether the next provider in the chain should be tried
// after this kind of failure. Client-shaped errors would fail identically
// everywhere, and cancellations mean nobody is waiting for an answer.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindUpstream5xx, KindRateLimited, KindUnknown:
		return true
	default:
		return false
	}
}

// CountsAsBreakerFailure reports whether the failure speaks to the
// provider's health. Client-caused errors and cancellations do not.
func (k ErrorKind) CountsAsBreakerFailure() bool {
	switch k {
	case KindUpstream4xx, KindContentPolicy, KindCanceled:
		return false
	default:
		return true
	}
}

// CallError is the structured error adapters return for upstream API
// failures. Kind may be pre-set by the adapter when it can tell more than
// the status code alone (content policy rejections in particular).
type CallError struct {
	Provider   string
	StatusCode int
	Kind       ErrorKind
	Message    string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

// HTTPStatus implements StatusCoder.
func (e *CallError) HTTPStatus() int { return e.StatusCode }

// Classify collapses any upstream error into its canonical kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}

	var callErr *CallError
	if errors.As(err, &callErr) && callErr.Kind != "" {
		return callErr.Kind
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return classifyStatus(sc.HTTPStatus())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}

	return KindUnknown
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindUpstreamAuth
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindUpstream5xx
	case status >= 400:
		return KindUpstream4xx
	default:
		return KindUnknown
	}
}

// GatewayStatus maps an error kind to the status code returned to the
// client when no provider in the chain could serve the request.
func (k ErrorKind) GatewayStatus() int {
	switch k {
	case KindTimeout:
		return 504
	case KindUpstream4xx, KindContentPolicy:
		return 400
	case KindCanceled:
		return 499
	default:
		return 502
	}
}
