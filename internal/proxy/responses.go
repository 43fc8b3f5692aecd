package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/routing"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/stream"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/pkg/apierr"
)

// The Responses API surface is a thin translation over the chat pipeline:
// "input" becomes the message list, "instructions" becomes a system turn,
// and the reply is re-wrapped in the response envelope. Admission, routing,
// failover, and settlement are identical to /v1/chat/completions.

type (
	responsesRequest struct {
		Model           string          `json:"model"`
		Input           json.RawMessage `json:"input"`
		Instructions    string          `json:"instructions"`
		Stream          bool            `json:"stream"`
		MaxOutputTokens int             `json:"max_output_tokens"`
		Temperature     *float64        `json:"temperature"`
		TopP            *float64        `json:"top_p"`
		ResponseFormat  json.RawMessage `json:"response_format"`

		Provider  string `json:"provider"`
		SessionID string `json:"session_id"`
	}

	responsesInputItem struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	responsesContentPart struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	responsesOutputText struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	responsesOutputItem struct {
		Type    string                `json:"type"`
		ID      string                `json:"id"`
		Status  string                `json:"status"`
		Role    string                `json:"role"`
		Content []responsesOutputText `json:"content"`
	}

	responsesUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	responsesResponse struct {
		ID           string                `json:"id"`
		Object       string                `json:"object"`
		CreatedAt    int64                 `json:"created_at"`
		Status       string                `json:"status"`
		Model        string                `json:"model"`
		Output       []responsesOutputItem `json:"output"`
		Usage        responsesUsage        `json:"usage"`
		GatewayUsage *gatewayUsage         `json:"gateway_usage,omitempty"`
	}
)

// toChatRequest lowers a Responses API body onto the chat request shape so
// the rest of the pipeline has a single path.
func (r *responsesRequest) toChatRequest() (*chatRequest, *validationError) {
	if r.Model == "" {
		return nil, invalidf("field 'model' is required")
	}
	if len(r.Input) == 0 {
		return nil, invalidf("field 'input' is required")
	}

	var msgs []inboundMessage
	if r.Instructions != "" {
		sys, _ := json.Marshal(r.Instructions)
		msgs = append(msgs, inboundMessage{Role: "system", Content: sys})
	}

	// Bare string input is a single user turn.
	var text string
	if err := json.Unmarshal(r.Input, &text); err == nil {
		raw, _ := json.Marshal(text)
		msgs = append(msgs, inboundMessage{Role: "user", Content: raw})
	} else {
		var items []responsesInputItem
		if err := json.Unmarshal(r.Input, &items); err != nil {
			return nil, invalidf("'input' must be a string or array of input items")
		}
		if len(items) == 0 {
			return nil, invalidf("'input' must not be empty")
		}
		for i, item := range items {
			role := item.Role
			if role == "" {
				role = "user"
			}
			content, cerr := flattenResponsesContent(item.Content)
			if cerr != nil {
				return nil, invalidf("input[%d]: %s", i, cerr.Error())
			}
			raw, _ := json.Marshal(content)
			msgs = append(msgs, inboundMessage{Role: role, Content: raw})
		}
	}

	cr := &chatRequest{
		Model:               r.Model,
		Messages:            msgs,
		Stream:              r.Stream,
		MaxCompletionTokens: r.MaxOutputTokens,
		Temperature:         r.Temperature,
		TopP:                r.TopP,
		ResponseFormat:      r.ResponseFormat,
		Provider:            r.Provider,
		SessionID:           r.SessionID,
	}
	if verr := cr.validate(); verr != nil {
		return nil, verr
	}
	return cr, nil
}

// flattenResponsesContent joins text parts; a bare string passes through.
func flattenResponsesContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("'content' is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []responsesContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("'content' must be a string or array of content parts")
	}
	out := ""
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			out += p.Text
		}
	}
	if out == "" {
		return "", fmt.Errorf("'content' has no text parts")
	}
	return out, nil
}

// dispatchResponses handles POST /v1/responses.
func (g *Gateway) dispatchResponses(ctx *fasthttp.RequestCtx) {
	start := g.now()
	route := "responses"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, len(ctx.Response.Body()))
		g.metrics.RecordRequest(servedProvider, "", status)
		g.metrics.ObserveGatewayRequest(servedProvider, route, dur)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var rr responsesRequest
	if err := json.Unmarshal(ctx.PostBody(), &rr); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	req, verr := rr.toChatRequest()
	if verr != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			verr.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	adm, ok := g.admit(ctx, req)
	if !ok {
		return
	}
	released := false
	defer func() {
		if !released && !streaming {
			adm.release()
		}
	}()

	chain, err := g.router.BuildChain(ctx, req.Model, req.Provider)
	if err != nil {
		g.writeRoutingError(ctx, req.Model, err)
		return
	}

	preq := req.toProviderRequest(reqID)
	g.prependHistory(ctx, preq, req.SessionID, adm.ident)

	if req.Stream {
		streaming = true
		g.serveResponsesStream(ctx, req, preq, chain, adm, start, route, reqBytes)
		return
	}

	out, err := g.dispatch(ctx, preq, chain)
	if err != nil {
		servedProvider = out.Step.Provider
		g.writeDispatchError(ctx, reqID, err)
		commit := commitFor(adm, out.Step, preq, false)
		commit.Success = false
		commit.ErrorKind = string(providers.Classify(err))
		commit.Elapsed = time.Since(start)
		g.settleAsync(commit)
		return
	}
	servedProvider = out.Step.Provider

	body := buildResponsesEnvelope(out.Resp, req.Model, start.Unix(),
		gatewayUsageFor(out.Step, out.Resp.Usage, time.Since(start)))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	reply := ""
	finish := ""
	if len(out.Resp.Choices) > 0 {
		reply = out.Resp.Choices[0].Content
		finish = out.Resp.Choices[0].FinishReason
	}
	g.appendHistory(ctx, req.SessionID, adm.ident, req, reply)

	adm.release()
	released = true

	commit := commitFor(adm, out.Step, preq, false)
	commit.Success = true
	commit.PromptTokens = out.Resp.Usage.PromptTokens
	commit.CompletionTokens = out.Resp.Usage.CompletionTokens
	commit.FinishReason = finish
	commit.Elapsed = time.Since(start)
	g.settleAsync(commit)
}

// buildResponsesEnvelope folds a canonical response into the Responses API
// completed envelope.
func buildResponsesEnvelope(resp *providers.Response, canonicalModel string, created int64, gu *gatewayUsage) []byte {
	id := "resp_" + uuid.NewString()

	var output []responsesOutputItem
	for i, c := range resp.Choices {
		if c.Content == "" {
			continue
		}
		output = append(output, responsesOutputItem{
			Type:    "message",
			ID:      fmt.Sprintf("%s-msg-%d", id, i),
			Status:  "completed",
			Role:    "assistant",
			Content: []responsesOutputText{{Type: "output_text", Text: c.Content}},
		})
	}

	body, _ := json.Marshal(responsesResponse{
		ID:        id,
		Object:    "response",
		CreatedAt: created,
		Status:    "completed",
		Model:     canonicalModel,
		Output:    output,
		Usage: responsesUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
		GatewayUsage: gu,
	})
	return body
}

// serveResponsesStream streams typed Responses API events (event: name plus
// data: payload per frame), in contrast to the chat stream's uniform
// chat.completion.chunk frames.
func (g *Gateway) serveResponsesStream(
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

	emitter := stream.NewResponsesEmitter("resp_"+uuid.NewString(), req.Model, start.Unix())
	events := out.Events
	step := out.Step

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var (
			reply      strings.Builder
			usage      *providers.Usage
			streamErr  error
			sawOutput  bool
			contentLen int
			settled    bool
		)
		settle := func() {
			if settled {
				return
			}
			settled = true
			cancelStream()
			adm.release()

			prompt, completion := 0, 0
			if usage != nil {
				prompt = usage.PromptTokens
				completion = usage.CompletionTokens
			} else {
				promptChars := 0
				for _, m := range preq.Messages {
					promptChars += len(m.Content)
				}
				prompt = stream.EstimateTokens(promptChars)
				completion = stream.EstimateTokens(contentLen)
			}

			success := streamErr == nil && sawOutput
			if success {
				g.appendHistory(g.baseCtx, req.SessionID, adm.ident, req, reply.String())
			}
			g.recordStreamTail(g.baseCtx, step, streamErr)

			commit := commitFor(adm, step, preq, true)
			commit.Success = success
			commit.PromptTokens = prompt
			commit.CompletionTokens = completion
			commit.Elapsed = time.Since(start)
			if streamErr != nil {
				commit.ErrorKind = string(providers.Classify(streamErr))
			} else if !sawOutput {
				commit.ErrorKind = "empty_stream"
			}
			g.settleAsync(commit)

			g.finishStreamMetrics(step.Provider, route, fasthttp.StatusOK, reqBytes, time.Since(start))
		}
		// A write panic must still release the slot and settle usage.
		defer func() {
			recover() //nolint:errcheck // client disconnects surface as write panics
			settle()
		}()

		clientGone := false
		writeTyped := func(ev stream.TypedEvent) {
			if clientGone {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
		}
		flush := func() {
			if clientGone {
				return
			}
			if w.Flush() != nil {
				// Client is gone: abort the upstream and drain what remains.
				clientGone = true
				cancelStream()
			}
		}

		writeTyped(emitter.Created())
		flush()

		for ev := range events {
			switch ev.Kind {
			case providers.EventContent:
				sawOutput = true
				contentLen += len(ev.Text)
				if ev.Choice == 0 {
					reply.WriteString(ev.Text)
				}
			case providers.EventReasoning, providers.EventToolCall:
				sawOutput = true
			case providers.EventUsage:
				usage = ev.Usage
			case providers.EventError:
				streamErr = ev.Err
			}
			for _, typed := range emitter.Next(ev) {
				writeTyped(typed)
			}
			flush()
		}

		if streamErr != nil {
			kind := providers.Classify(streamErr)
			writeTyped(emitter.Failed(streamErr, string(kind)))
		} else {
			writeTyped(emitter.Completed(usage))
		}
		flush()
		settle()
	})
}
