// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeBillingError      = "billing_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeConcurrencyLimit    = "concurrency_limit_exceeded"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeKeyRequired         = "api_key_required"
	CodeInternalError       = "internal_error"
	CodeProviderError       = "provider_error"
	CodeUpstreamAuth        = "upstream_auth_error"
	CodeRequestTimeout      = "request_timeout"
	CodeNotImplemented      = "not_implemented"
	CodeInvalidRequest      = "invalid_request"
	CodeModelNotFound       = "model_not_found"
	CodeInsufficientCredits = "insufficient_credits"
	CodeTrialExpired        = "trial_expired"
	CodeTrialExhausted      = "trial_quota_exhausted"
	CodeContentPolicy       = "content_policy_violation"
	CodeAllProvidersFailed  = "all_providers_failed"
	CodeEmptyStream         = "empty_stream_error"
	CodeCanceled            = "client_closed_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      string `json:"code"`
		RequestID string `json:"request_id,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Marshal returns the JSON error envelope as bytes. Used for SSE error frames
// where the error is a data payload rather than an HTTP response body.
func Marshal(message, errType, code, requestID string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message:   message,
		Type:      errType,
		Code:      code,
		RequestID: requestID,
	}})
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	requestID := ""
	if v, ok := ctx.UserValue("request_id").(string); ok {
		requestID = v
	}
	ctx.SetBody(Marshal(message, errType, code, requestID))
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSec int, msg string) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSec))
	if msg == "" {
		msg = "rate limit exceeded"
	}
	Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInsufficientCredits writes a 402 billing error.
func WriteInsufficientCredits(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusPaymentRequired, "insufficient credits", TypeBillingError, CodeInsufficientCredits)
}
