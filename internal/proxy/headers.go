package proxy

import (
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/ratelimit"
)

// Rate-limit response headers come in two families and both are always set
// when limits apply:
//
//   - RateLimit-* (IETF draft): Reset is a delta in seconds.
//   - X-RateLimit-* (legacy): Reset is an absolute Unix timestamp.
//
// The values describe the window that denied the request, or the minute
// window on success.

func setRateLimitHeaders(ctx *fasthttp.RequestCtx, d ratelimit.Decision, now time.Time) {
	h := &ctx.Response.Header

	window := d.Window
	if window <= 0 {
		window = time.Minute
	}
	resetDelta := int64(d.ResetAt.Sub(now).Seconds())
	if resetDelta < 0 {
		resetDelta = 0
	}

	if d.RequestsLimit > 0 {
		h.Set("RateLimit-Limit", strconv.FormatInt(d.RequestsLimit, 10))
		h.Set("RateLimit-Remaining", strconv.FormatInt(clampNonNegative(d.RequestsRemaining), 10))
		h.Set("RateLimit-Reset", strconv.FormatInt(resetDelta, 10))
		h.Set("RateLimit-Policy", fmt.Sprintf("%d;w=%d", d.RequestsLimit, int(window.Seconds())))

		h.Set("X-RateLimit-Limit-Requests", strconv.FormatInt(d.RequestsLimit, 10))
		h.Set("X-RateLimit-Remaining-Requests", strconv.FormatInt(clampNonNegative(d.RequestsRemaining), 10))
		h.Set("X-RateLimit-Reset-Requests", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}

	if d.TokensLimit > 0 {
		h.Set("X-RateLimit-Limit-Tokens", strconv.FormatInt(d.TokensLimit, 10))
		h.Set("X-RateLimit-Remaining-Tokens", strconv.FormatInt(clampNonNegative(d.TokensRemaining), 10))
		h.Set("X-RateLimit-Reset-Tokens", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// setAnonHeaders reports the anonymous daily cap in both header families.
func setAnonHeaders(ctx *fasthttp.RequestCtx, dailyCap, remaining int64, resetAt time.Time) {
	h := &ctx.Response.Header

	h.Set("RateLimit-Limit", strconv.FormatInt(dailyCap, 10))
	h.Set("RateLimit-Remaining", strconv.FormatInt(clampNonNegative(remaining), 10))
	resetDelta := int64(time.Until(resetAt).Seconds())
	if resetDelta < 0 {
		resetDelta = 0
	}
	h.Set("RateLimit-Reset", strconv.FormatInt(resetDelta, 10))
	h.Set("RateLimit-Policy", fmt.Sprintf("%d;w=86400", dailyCap))

	h.Set("X-RateLimit-Limit-Requests", strconv.FormatInt(dailyCap, 10))
	h.Set("X-RateLimit-Remaining-Requests", strconv.FormatInt(clampNonNegative(remaining), 10))
	h.Set("X-RateLimit-Reset-Requests", strconv.FormatInt(resetAt.Unix(), 10))
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
