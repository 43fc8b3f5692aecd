package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/routing"
)

// errEmptyUpstream marks a streaming attempt whose upstream closed before
// any event arrived. When the whole chain ends this way the client still
// gets an SSE body with a diagnostic frame.
var errEmptyUpstream = errors.New("stream closed before first event")

// errBreakerOpen marks a chain step skipped because its circuit was open.
// A chain that was emptied entirely by open breakers fails 503, not 502.
var errBreakerOpen = errors.New("circuit breaker open")

// exhaustedError marks a chain walk that ran out of providers. The wrapped
// error is the last attempt's failure, which decides the client status code.
type exhaustedError struct {
	last error
}

func (e *exhaustedError) Error() string {
	if e.last == nil {
		return "no providers available"
	}
	return fmt.Sprintf("all providers failed: %v", e.last)
}

func (e *exhaustedError) Unwrap() error { return e.last }

// dispatchOutcome is the result of a chain walk. Exactly one of Resp and
// Events is set on success; Step is the last provider attempted either way.
type dispatchOutcome struct {
	Step     routing.Step
	Resp     *providers.Response
	Events   <-chan providers.Event
	Attempts int
}

// dispatch walks the failover chain until a provider serves the request or
// the chain is exhausted. Breaker-open pairs are skipped without counting
// as attempts. Non-retryable failures stop the walk immediately: a request
// the first provider rejected as malformed fails identically everywhere,
// and a canceled client is not waiting for a second opinion.
//
// For streaming requests failover applies only up to the first event; the
// returned channel already holds that event.
func (g *Gateway) dispatch(ctx context.Context, preq *providers.Request, chain []routing.Step) (*dispatchOutcome, error) {
	out := &dispatchOutcome{}
	var lastErr error
	prevProvider := ""

	for _, step := range chain {
		if out.Attempts >= g.maxAttempts {
			break
		}

		if g.breakers != nil && !g.breakers.Allow(step.Provider, step.ModelID) {
			if g.metrics != nil {
				g.metrics.RecordBreakerRejection(step.Provider + "/" + step.ModelID)
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("%w: %w", errBreakerOpen, &providers.CallError{
					Provider:   step.Provider,
					Kind:       providers.KindUpstream5xx,
					Message:    "circuit breaker open",
					StatusCode: 503,
				})
			}
			continue
		}

		adapter, ok := g.registry.Get(step.Provider)
		if !ok {
			continue
		}

		if prevProvider != "" && g.metrics != nil {
			g.metrics.RecordFailover(preq.CanonicalModel, prevProvider, step.Provider, string(providers.Classify(lastErr)))
		}
		out.Attempts++
		out.Step = step

		req := *preq
		req.Model = step.ModelID

		var (
			elapsed time.Duration
			err     error
		)
		if preq.Stream {
			out.Events, elapsed, err = g.openStream(ctx, adapter, &req, step)
		} else {
			out.Resp, elapsed, err = g.callOnce(ctx, adapter, &req, step)
		}

		if err == nil {
			g.recordAttempt(ctx, step, true, elapsed, "")
			if prevProvider != "" && g.metrics != nil {
				g.metrics.RecordFailoverSuccess(preq.CanonicalModel, step.Provider)
			}
			return out, nil
		}

		kind := providers.Classify(err)
		g.recordAttempt(ctx, step, false, elapsed, kind)
		g.log.WarnContext(ctx, "upstream_attempt_failed",
			slog.String("request_id", preq.RequestID),
			slog.String("provider", step.Provider),
			slog.String("model", step.ModelID),
			slog.String("error_kind", string(kind)),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed),
		)

		lastErr = err
		prevProvider = step.Provider

		if !kind.Retryable() {
			return out, err
		}
	}

	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(preq.CanonicalModel)
	}
	return out, &exhaustedError{last: lastErr}
}

// callOnce performs a single non-streaming attempt under the provider's
// deadline.
func (g *Gateway) callOnce(ctx context.Context, adapter providers.Adapter, req *providers.Request, step routing.Step) (*providers.Response, time.Duration, error) {
	actx, cancel := context.WithTimeout(ctx, g.registry.Timeout(step.Provider))
	defer cancel()

	start := g.now()
	resp, err := adapter.Request(actx, req)
	return resp, time.Since(start), err
}

// openStream starts a streaming attempt and waits for the first event. The
// provider deadline covers only the window up to that first event; once the
// stream is live its lifetime belongs to the client connection. On success
// the first event is re-queued on the returned channel.
func (g *Gateway) openStream(ctx context.Context, adapter providers.Adapter, req *providers.Request, step routing.Step) (<-chan providers.Event, time.Duration, error) {
	sctx, cancel := context.WithCancel(ctx)
	firstByteTimer := time.AfterFunc(g.registry.Timeout(step.Provider), cancel)

	start := g.now()
	events, err := adapter.RequestStream(sctx, req)
	if err != nil {
		firstByteTimer.Stop()
		cancel()
		return nil, time.Since(start), err
	}

	first, ok := <-events
	elapsed := time.Since(start)
	firstByteTimer.Stop()

	if !ok {
		cancel()
		return nil, elapsed, fmt.Errorf("%w: %w", errEmptyUpstream, &providers.CallError{
			Provider:   step.Provider,
			Kind:       providers.KindUpstream5xx,
			Message:    "stream closed before first event",
			StatusCode: 502,
		})
	}
	if first.Kind == providers.EventError {
		cancel()
		for range events {
			// the error is always the last event; this loop ends immediately
		}
		return nil, elapsed, first.Err
	}

	out := make(chan providers.Event, 1)
	out <- first
	go func() {
		defer cancel()
		defer close(out)
		for ev := range events {
			out <- ev
		}
	}()
	return out, elapsed, nil
}

// recordAttempt feeds one attempt outcome into the breaker, Prometheus, and
// the Redis fast tier.
func (g *Gateway) recordAttempt(_ context.Context, step routing.Step, success bool, elapsed time.Duration, kind providers.ErrorKind) {
	if success {
		if g.breakers != nil {
			g.breakers.RecordSuccess(step.Provider, step.ModelID)
		}
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(step.Provider, step.ModelID, "success", elapsed)
		}
		g.observeFastTier(step, true, elapsed, "")
		return
	}

	if g.breakers != nil && kind.CountsAsBreakerFailure() {
		g.breakers.RecordFailure(step.Provider, step.ModelID)
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(step.Provider, step.ModelID, string(kind), elapsed)
		g.metrics.RecordError(step.Provider, string(kind))
	}
	g.observeFastTier(step, false, elapsed, string(kind))
}

// observeFastTier ships the attempt to the Redis fast tier off the request
// path. A degraded Redis must never add latency to a dispatch attempt.
func (g *Gateway) observeFastTier(step routing.Step, success bool, elapsed time.Duration, kind string) {
	if g.fastTier == nil {
		return
	}
	g.postFlight.Add(1)
	go func() {
		defer g.postFlight.Done()
		g.fastTier.ObserveAttempt(g.baseCtx, step.Provider, step.ModelID, success, elapsed, kind)
	}()
}

// recordStreamTail accounts for a failure that surfaced after the stream was
// already live. The client saw an error frame; the breaker and health tiers
// still need to hear about it.
func (g *Gateway) recordStreamTail(_ context.Context, step routing.Step, err error) {
	if err == nil {
		return
	}
	kind := providers.Classify(err)
	if g.breakers != nil && kind.CountsAsBreakerFailure() {
		g.breakers.RecordFailure(step.Provider, step.ModelID)
	}
	if g.metrics != nil {
		g.metrics.RecordError(step.Provider, string(kind))
	}
	g.observeFastTier(step, false, 0, string(kind))
}
