package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/routing"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/stream"
)

// serveChatStream streams the completion as Server-Sent Events. Headers are
// committed before the first frame, so everything that can still fail after
// this point is reported in-band as an error frame followed by [DONE].
//
// The fasthttp handler returns as soon as the body stream writer is
// installed; the writer callback runs on fasthttp's connection goroutine.
// Concurrency release, settlement, and final metrics all happen there.
func (g *Gateway) serveChatStream(
	ctx *fasthttp.RequestCtx,
	req *chatRequest,
	preq *providers.Request,
	chain []routing.Step,
	adm admission,
	start time.Time,
	route string,
	reqBytes int,
) {
	sctx, cancelStream := context.WithCancel(ctx)
	out, err := g.dispatch(sctx, preq, chain)
	if err != nil {
		cancelStream()
		if errors.Is(err, errEmptyUpstream) {
			g.serveEmptyChatStream(ctx, req, preq, out.Step, adm, start, route, reqBytes)
			return
		}
		// Nothing streamed yet: plain JSON error with a real status code.
		g.writeDispatchError(ctx, preq.RequestID, err)
		adm.release()
		commit := commitFor(adm, out.Step, preq, true)
		commit.Success = false
		commit.ErrorKind = string(providers.Classify(err))
		commit.Elapsed = time.Since(start)
		g.settleAsync(commit)
		g.finishStreamMetrics(out.Step.Provider, route, ctx.Response.StatusCode(), reqBytes, time.Since(start))
		return
	}

	streamID := "chatcmpl-" + uuid.NewString()
	norm := stream.NewNormalizer(streamID, req.Model, preq.RequestID, start.Unix())
	events := out.Events
	step := out.Step

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var (
			reply    strings.Builder
			summary  stream.Summary
			finished bool
			settled  bool
		)
		settle := func() {
			if settled {
				return
			}
			settled = true
			cancelStream()
			if !finished {
				_, summary = norm.Finish()
			}
			adm.release()
			g.finishChatStream(step, req, preq, adm, summary, reply.String(), start, route, reqBytes)
		}
		// A write panic must still release the slot and settle usage.
		defer func() {
			recover() //nolint:errcheck // client disconnects surface as write panics
			settle()
		}()

		clientGone := false
		for ev := range events {
			if ev.Kind == providers.EventContent && ev.Choice == 0 {
				reply.WriteString(ev.Text)
			}
			frame := norm.Next(ev)
			if clientGone || frame == nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			if w.Flush() != nil {
				// Client is gone: abort the upstream and drain what remains.
				clientGone = true
				cancelStream()
			}
		}

		trailing, sum := norm.Finish()
		summary, finished = sum, true
		if !clientGone {
			for _, frame := range trailing {
				fmt.Fprintf(w, "data: %s\n\n", frame)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush() //nolint:errcheck
		}
		settle()
	})
}

// serveEmptyChatStream honors the SSE contract when every attempted provider
// closed its stream before the first event: the client still receives an
// event-stream body, carrying one diagnostic error frame and the [DONE]
// sentinel. Breaker failures were already recorded per attempt.
func (g *Gateway) serveEmptyChatStream(
	ctx *fasthttp.RequestCtx,
	req *chatRequest,
	preq *providers.Request,
	step routing.Step,
	adm admission,
	start time.Time,
	route string,
	reqBytes int,
) {
	norm := stream.NewNormalizer("chatcmpl-"+uuid.NewString(), req.Model, preq.RequestID, start.Unix())

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		settled := false
		settle := func() {
			if settled {
				return
			}
			settled = true
			adm.release()
			commit := commitFor(adm, step, preq, true)
			commit.Success = false
			commit.ErrorKind = "empty_stream"
			commit.Elapsed = time.Since(start)
			g.settleAsync(commit)
			g.finishStreamMetrics(step.Provider, route, fasthttp.StatusOK, reqBytes, time.Since(start))
		}
		defer func() {
			recover() //nolint:errcheck // client disconnects surface as write panics
			settle()
		}()

		frames, _ := norm.Finish()
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck
		settle()
	})
}

// finishChatStream settles a drained stream: breaker/health accounting for
// tail errors, token fallback estimation when the provider sent no usage,
// session append, and the usage commit.
func (g *Gateway) finishChatStream(
	step routing.Step,
	req *chatRequest,
	preq *providers.Request,
	adm admission,
	summary stream.Summary,
	reply string,
	start time.Time,
	route string,
	reqBytes int,
) {
	g.recordStreamTail(g.baseCtx, step, summary.Err)

	prompt, completion := 0, 0
	if summary.Usage != nil {
		prompt = summary.Usage.PromptTokens
		completion = summary.Usage.CompletionTokens
	} else {
		// No usage from the provider: fall back to the chars/4 estimate.
		promptChars := 0
		for _, m := range preq.Messages {
			promptChars += len(m.Content)
		}
		prompt = stream.EstimateTokens(promptChars)
		completion = stream.EstimateTokens(summary.ContentChars + summary.ReasoningChars)
	}

	success := summary.Err == nil && summary.SawOutput

	if success {
		g.appendHistory(g.baseCtx, req.SessionID, adm.ident, req, reply)
	}

	commit := commitFor(adm, step, preq, true)
	commit.Success = success
	commit.PromptTokens = prompt
	commit.CompletionTokens = completion
	commit.FinishReason = summary.FinishReason
	commit.Elapsed = time.Since(start)
	if summary.Err != nil {
		commit.ErrorKind = string(providers.Classify(summary.Err))
	} else if !summary.SawOutput {
		commit.ErrorKind = "empty_stream"
	}
	g.settleAsync(commit)

	g.finishStreamMetrics(step.Provider, route, fasthttp.StatusOK, reqBytes, time.Since(start))
}

// finishStreamMetrics closes out the request-level metrics that the deferred
// block in dispatchChat skips for streams.
func (g *Gateway) finishStreamMetrics(provider, route string, status, reqBytes int, dur time.Duration) {
	if g.metrics == nil {
		return
	}
	g.metrics.DecInFlight()
	g.metrics.ObserveHTTP(route, status, dur, reqBytes, -1)
	g.metrics.RecordRequest(provider, "", status)
	g.metrics.ObserveGatewayRequest(provider, route, dur)
}
